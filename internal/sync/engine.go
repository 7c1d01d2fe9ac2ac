package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/metrics"
	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/tasks"
)

// Conflict messages for the two classified failures. Anything else carries
// the error text.
const (
	MsgNotFound        = "Not found"
	MsgVersionConflict = "Version conflict"
)

// UpdatePolicy decides whether sync updates honour the client's version.
type UpdatePolicy string

const (
	// LastWriteWins overwrites unconditionally; item versions are advisory.
	LastWriteWins UpdatePolicy = "last-write-wins"
	// VersionChecked rejects items whose version differs from the stored one.
	VersionChecked UpdatePolicy = "version-checked"
)

// ParseUpdatePolicy validates a configured policy name.
func ParseUpdatePolicy(s string) (UpdatePolicy, error) {
	switch p := UpdatePolicy(s); p {
	case LastWriteWins, VersionChecked:
		return p, nil
	case "":
		return LastWriteWins, nil
	default:
		return "", fmt.Errorf("unknown update policy %q (want %s or %s)", s, LastWriteWins, VersionChecked)
	}
}

// DeltaSource answers "what changed after the checkpoint". *db.DB implements it.
type DeltaSource interface {
	ChangedSince(ctx context.Context, since *time.Time) ([]*schema.Task, error)
}

// Config holds engine settings.
type Config struct {
	// Policy for changes.updated items. Default LastWriteWins.
	Policy UpdatePolicy

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Clock produces checkpoints. Default time.Now in UTC.
	Clock func() time.Time
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Policy: LastWriteWins,
		Logger: logrus.StandardLogger(),
		Clock:  func() time.Time { return time.Now().UTC() },
	}
}

// Engine reconciles client change bundles with the store.
type Engine struct {
	tasks   *tasks.Service
	delta   DeltaSource
	policy  UpdatePolicy
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
	now     func() time.Time
}

// New creates an Engine. Zero fields of cfg take their DefaultConfig value.
//
// Example:
//
//	svc := tasks.New(store)
//	engine := sync.New(svc, store, sync.DefaultConfig())
//	resp, err := engine.Sync(ctx, req)
func New(svc *tasks.Service, delta DeltaSource, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	return &Engine{
		tasks:   svc,
		delta:   delta,
		policy:  cfg.Policy,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.WithField("component", "sync"),
		now:     cfg.Clock,
	}
}

// Policy returns the update policy in effect.
func (e *Engine) Policy() UpdatePolicy {
	return e.policy
}

// Sync applies req.Changes item by item, then returns the server delta since
// req.LastSyncAt and the next checkpoint.
//
// Item failures are reported in Response.ClientChanges.Conflicts and never
// returned as an error. The only error is a failed delta query.
func (e *Engine) Sync(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	results := newResults()

	if req.Changes != nil {
		e.applyCreated(ctx, req.ClientID, req.Changes.Created, &results)
		e.applyUpdated(ctx, req.Changes.Updated, &results)
		e.applyDeleted(ctx, req.Changes.Deleted, &results)
	}

	// Read before the delta so a concurrent commit lands on one side of it.
	checkpoint := e.now()

	serverChanges, err := e.Delta(ctx, req.LastSyncAt)
	if err != nil {
		return nil, err
	}

	e.metrics.RecordSync(time.Since(start))
	e.logger.WithFields(logrus.Fields{
		"client_id":      req.ClientID,
		"created":        len(results.Created),
		"updated":        len(results.Updated),
		"deleted":        len(results.Deleted),
		"conflicts":      len(results.Conflicts),
		"server_changes": len(serverChanges),
		"duration_ms":    time.Since(start).Milliseconds(),
	}).Info("sync completed")

	return &Response{
		ClientChanges: results,
		ServerChanges: serverChanges,
		Timestamp:     checkpoint,
	}, nil
}

// Delta returns every task, tombstones included, changed strictly after
// since, oldest change first. A nil since returns the full set.
func (e *Engine) Delta(ctx context.Context, since *time.Time) ([]*schema.Task, error) {
	changed, err := e.delta.ChangedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute server delta: %w", err)
	}
	return changed, nil
}

func (e *Engine) applyCreated(ctx context.Context, clientID string, items []schema.SyncTask, results *Results) {
	for i := range items {
		in := items[i].CreateInput(clientID)
		// Assigned here rather than in the store so a rejected item still
		// reports an id the device can match.
		if in.ID == "" {
			in.ID = uuid.NewString()
		}

		task, err := e.tasks.Create(ctx, in)
		if err != nil {
			e.conflict(results, metrics.KindCreated, in.ID, err)
			continue
		}
		results.Created = append(results.Created, task)
		e.metrics.RecordSyncItem(metrics.KindCreated, metrics.OutcomeApplied)
	}
}

func (e *Engine) applyUpdated(ctx context.Context, items []schema.SyncTask, results *Results) {
	for i := range items {
		item := &items[i]

		var expect *int
		if e.policy == VersionChecked {
			expect = item.Version
		}

		task, err := e.tasks.Apply(ctx, item.ID, item.Patch(), expect)
		if err != nil {
			e.conflict(results, metrics.KindUpdated, item.ID, err)
			continue
		}
		results.Updated = append(results.Updated, task)
		e.metrics.RecordSyncItem(metrics.KindUpdated, metrics.OutcomeApplied)
	}
}

func (e *Engine) applyDeleted(ctx context.Context, ids []string, results *Results) {
	for _, id := range ids {
		if _, err := e.tasks.Remove(ctx, id); err != nil {
			e.conflict(results, metrics.KindDeleted, id, err)
			continue
		}
		results.Deleted = append(results.Deleted, id)
		e.metrics.RecordSyncItem(metrics.KindDeleted, metrics.OutcomeApplied)
	}
}

func (e *Engine) conflict(results *Results, kind, id string, err error) {
	msg := conflictMessage(err)
	results.Conflicts = append(results.Conflicts, Conflict{ID: id, Error: msg})
	e.metrics.RecordSyncItem(kind, metrics.OutcomeConflict)

	e.logger.WithFields(logrus.Fields{
		"kind":  kind,
		"id":    id,
		"error": err,
	}).Warn("sync item rejected")
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return MsgNotFound
	case errors.Is(err, tasks.ErrConflict):
		return MsgVersionConflict
	default:
		return err.Error()
	}
}
