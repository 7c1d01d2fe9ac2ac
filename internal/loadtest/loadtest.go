// Package loadtest drives many simulated devices through the sync engine
// against one store.
//
// Each device repeatedly sends a batch that creates one task of its own and
// updates a few shared seeded tasks, then pulls the delta since its previous
// checkpoint. Afterwards the harness checks that every shared task's version
// equals one plus the number of updates that were applied to it, which is
// the observable form of atomic compare-and-increment under contention.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/sync"
	"github.com/tasksync/tasksync/internal/tasks"
)

// Harness is a populated store plus the engine that devices sync through.
type Harness struct {
	DB      *db.DB
	Service *tasks.Service
	Engine  *sync.Engine
	TaskIDs []string

	mu      gosync.Mutex
	applied map[string]int // shared task id -> updates reported as applied
}

// Options controls a run.
type Options struct {
	Devices        int
	SyncsPerDevice int
	UpdatesPerSync int
	Seed           int64
}

// DefaultOptions returns a moderate run.
func DefaultOptions() Options {
	return Options{
		Devices:        20,
		SyncsPerDevice: 10,
		UpdatesPerSync: 3,
		Seed:           42,
	}
}

// LatencyStats captures per-sync latency.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalSyncs int
	Errors     int
	Durations  []time.Duration
}

// Report is the outcome of RunConcurrentSyncs.
type Report struct {
	Stats     *LatencyStats
	Created   int
	Updated   int
	Conflicts int
	Pulled    int
	Elapsed   time.Duration
}

// Setup opens a store at dbPath and seeds numTasks shared tasks.
func Setup(ctx context.Context, dbPath string, numTasks int, cfg sync.Config) (*Harness, error) {
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Room for every device to hold a connection
	store.RawDB().SetMaxOpenConns(64)
	store.RawDB().SetMaxIdleConns(16)

	if err := store.InitSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Logger == nil {
		quiet := logrus.New()
		quiet.SetOutput(io.Discard)
		cfg.Logger = quiet
	}

	svc := tasks.New(store, tasks.WithLogger(cfg.Logger))
	h := &Harness{
		DB:      store,
		Service: svc,
		Engine:  sync.New(svc, store, cfg),
		TaskIDs: make([]string, 0, numTasks),
		applied: make(map[string]int),
	}

	priorities := []schema.Priority{schema.PriorityLow, schema.PriorityMedium, schema.PriorityMedium, schema.PriorityHigh}
	for i := 0; i < numTasks; i++ {
		task, err := svc.Create(ctx, schema.CreateInput{
			ID:       fmt.Sprintf("shared-%05d", i),
			Title:    fmt.Sprintf("Shared task %d", i),
			Priority: priorities[i%len(priorities)],
			ClientID: "seed",
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed task %d: %w", i, err)
		}
		h.TaskIDs = append(h.TaskIDs, task.ID)
	}

	return h, nil
}

// Close closes the store.
func (h *Harness) Close() error {
	if h.DB != nil {
		return h.DB.Close()
	}
	return nil
}

// RunConcurrentSyncs runs opts.Devices devices in parallel, each sending
// opts.SyncsPerDevice batches.
func (h *Harness) RunConcurrentSyncs(ctx context.Context, opts Options) (*Report, error) {
	if opts.Devices <= 0 || opts.SyncsPerDevice <= 0 {
		return nil, fmt.Errorf("devices and syncs per device must be positive")
	}
	if len(h.TaskIDs) == 0 && opts.UpdatesPerSync > 0 {
		return nil, fmt.Errorf("no shared tasks to update")
	}

	var wg gosync.WaitGroup
	var mu gosync.Mutex
	report := &Report{}
	var all []time.Duration
	errCount := 0

	start := time.Now()
	for d := 0; d < opts.Devices; d++ {
		wg.Add(1)
		go func(device int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(opts.Seed + int64(device)))
			clientID := fmt.Sprintf("device-%03d", device)
			var checkpoint *time.Time
			durations := make([]time.Duration, 0, opts.SyncsPerDevice)
			local := Report{}
			failures := 0

			for j := 0; j < opts.SyncsPerDevice; j++ {
				if ctx.Err() != nil {
					break
				}

				req := h.batch(rng, clientID, j, opts.UpdatesPerSync)
				req.LastSyncAt = checkpoint

				began := time.Now()
				resp, err := h.Engine.Sync(ctx, req)
				durations = append(durations, time.Since(began))
				if err != nil {
					failures++
					continue
				}

				local.Created += len(resp.ClientChanges.Created)
				local.Updated += len(resp.ClientChanges.Updated)
				local.Conflicts += len(resp.ClientChanges.Conflicts)
				local.Pulled += len(resp.ServerChanges)
				h.recordApplied(resp.ClientChanges.Updated)

				ts := resp.Timestamp
				checkpoint = &ts
			}

			mu.Lock()
			all = append(all, durations...)
			errCount += failures
			report.Created += local.Created
			report.Updated += local.Updated
			report.Conflicts += local.Conflicts
			report.Pulled += local.Pulled
			mu.Unlock()
		}(d)
	}
	wg.Wait()
	report.Elapsed = time.Since(start)

	if len(all) == 0 {
		return nil, fmt.Errorf("no syncs completed")
	}
	report.Stats = computeLatencyStats(all)
	report.Stats.Errors = errCount

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (h *Harness) batch(rng *rand.Rand, clientID string, seq, updates int) sync.Request {
	title := fmt.Sprintf("%s note %d", clientID, seq)
	req := sync.Request{
		ClientID: clientID,
		Changes: &sync.Changes{
			Created: []schema.SyncTask{{
				ID:    fmt.Sprintf("%s-%04d", clientID, seq),
				Title: &title,
			}},
		},
	}

	for k := 0; k < updates && len(h.TaskIDs) > 0; k++ {
		id := h.TaskIDs[rng.Intn(len(h.TaskIDs))]
		done := rng.Intn(2) == 0
		edited := fmt.Sprintf("edited by %s", clientID)
		req.Changes.Updated = append(req.Changes.Updated, schema.SyncTask{
			ID:        id,
			Title:     &edited,
			Completed: &done,
		})
	}
	return req
}

func (h *Harness) recordApplied(updated []*schema.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range updated {
		h.applied[t.ID]++
	}
}

// VerifyVersions checks that every shared task's version equals
// schema.InitialVersion plus the updates applied to it. A lost update or a
// double increment shows up as a mismatch.
func (h *Harness) VerifyVersions(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range h.TaskIDs {
		task, err := h.Service.FindOne(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		want := schema.InitialVersion + h.applied[id]
		if task.Version != want {
			return fmt.Errorf("task %s at version %d, want %d", id, task.Version, want)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalSyncs: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes the latency table to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Syncs:   %d\n", s.TotalSyncs)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
