// Package inbox provides a file-drop transport for the sync exchange.
//
// Clients without a network path to the server drop a sync request into the
// inbox directory (for example through a shared volume or removable media).
// The watcher:
//  1. Applies every <name>.json bundle through the sync engine
//  2. Writes the response atomically to <outbox>/<name>.response.json
//  3. Moves the bundle to <inbox>/processed/ (or rejected/ when malformed)
//
// Bundles already present at startup are processed before watching begins.
package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/sync"
)

const (
	// ResponseSuffix marks files written by the watcher.
	ResponseSuffix = ".response.json"

	processedDir = "processed"
	rejectedDir  = "rejected"
)

// Syncer applies one sync request. *sync.Engine implements it.
type Syncer interface {
	Sync(ctx context.Context, req sync.Request) (*sync.Response, error)
}

// Config holds configuration for the watcher.
type Config struct {
	// Dir is the watched inbox directory
	Dir string

	// Outbox receives responses (default: Dir)
	Outbox string

	// DebounceInterval is how long a bundle must be quiet before it is read,
	// so partially written files are not picked up
	DebounceInterval time.Duration

	// RetryInterval is how long a bundle waits after a failed sync before it
	// is tried again
	RetryInterval time.Duration

	// Logger for watcher activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		RetryInterval:    5 * time.Second,
		Logger:           logrus.StandardLogger(),
	}
}

// Result is the outcome of one bundle.
type Result struct {
	Bundle   string
	Response string
	Err      error

	// Retry is set when the bundle was kept in the inbox because the sync
	// itself failed
	Retry bool
}

// Watcher applies sync bundles dropped into a directory.
type Watcher struct {
	syncer Syncer
	config *Config
	logger logrus.FieldLogger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu gosync.Mutex

	// OnResult, when set, is called after each bundle is handled
	OnResult func(Result)

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// New creates a watcher. Use Run to start it.
func New(syncer Syncer, config *Config) (*Watcher, error) {
	if syncer == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if config == nil || config.Dir == "" {
		return nil, errors.New("inbox dir cannot be empty")
	}
	if config.Outbox == "" {
		config.Outbox = config.Dir
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultConfig().RetryInterval
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		syncer:      syncer,
		config:      config,
		logger:      config.Logger.WithField("component", "inbox"),
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Run processes existing bundles, then watches for new ones until ctx is
// cancelled. It returns after all background goroutines have exited.
func (w *Watcher) Run(ctx context.Context) error {
	for _, dir := range []string{
		w.config.Dir,
		w.config.Outbox,
		filepath.Join(w.config.Dir, processedDir),
		filepath.Join(w.config.Dir, rejectedDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = w.watcher.Close()
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if err := w.watcher.Add(w.config.Dir); err != nil {
		_ = w.watcher.Close()
		return fmt.Errorf("failed to watch inbox: %w", err)
	}

	// Queue what was dropped while nobody was watching
	pending, err := w.PendingBundles()
	if err != nil {
		_ = w.watcher.Close()
		return err
	}
	for _, path := range pending {
		w.queueChange(path)
	}

	w.logger.WithFields(logrus.Fields{
		"dir":     w.config.Dir,
		"outbox":  w.config.Outbox,
		"pending": len(pending),
	}).Info("watching inbox")

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	select {
	case <-ctx.Done():
	case <-w.ctx.Done():
	}
	return w.stop()
}

func (w *Watcher) stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	w.logger.Info("inbox watcher stopped")
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// PendingBundles lists bundles currently waiting in the inbox, by name.
func (w *Watcher) PendingBundles() ([]string, error) {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	var bundles []string
	for _, e := range entries {
		if e.IsDir() || !isBundle(e.Name()) {
			continue
		}
		bundles = append(bundles, filepath.Join(w.config.Dir, e.Name()))
	}
	sort.Strings(bundles)
	return bundles, nil
}

func isBundle(name string) bool {
	return filepath.Ext(name) == ".json" && !strings.HasSuffix(name, ResponseSuffix)
}

// watchFileEvents monitors filesystem events and queues bundles.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isBundle(filepath.Base(event.Name)) {
				continue
			}
			w.queueChange(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("watcher error")
		}
	}
}

// queueChange records the latest event time for path.
func (w *Watcher) queueChange(path string) {
	w.queueChangeAt(path, time.Now())
}

// queueChangeAt queues path as if its last event happened at t. A future t
// delays processing until t plus the debounce.
func (w *Watcher) queueChangeAt(path string, t time.Time) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	w.changeQueue[path] = t
}

// processChangeQueue handles bundles once they have been quiet long enough.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			for _, path := range w.readyBundles() {
				res := w.ProcessBundle(w.ctx, path)
				if res.Retry && w.ctx.Err() == nil {
					w.queueChangeAt(path, time.Now().Add(w.config.RetryInterval))
				}
				w.report(res)
			}
		}
	}
}

// readyBundles dequeues paths whose last event is older than the debounce.
func (w *Watcher) readyBundles() []string {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	now := time.Now()
	var ready []string
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) < w.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(w.changeQueue, path)
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) report(res Result) {
	entry := w.logger.WithField("bundle", filepath.Base(res.Bundle))
	if res.Err != nil {
		entry.WithError(res.Err).Warn("bundle not applied")
	} else if res.Response != "" {
		entry.WithField("response", res.Response).Info("bundle applied")
	}
	if w.OnResult != nil {
		w.OnResult(res)
	}
}

// ProcessBundle applies one bundle file.
//
// A malformed bundle gets an {"error": ...} response and is moved to
// rejected/. A sync failure leaves the bundle in place and sets Result.Retry;
// Run queues it again after Config.RetryInterval.
// A bundle that disappeared before it was read is skipped silently.
func (w *Watcher) ProcessBundle(ctx context.Context, path string) Result {
	res := Result{Bundle: path}
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	responsePath := filepath.Join(w.config.Outbox, name+ResponseSuffix)

	data, err := os.ReadFile(path) // #nosec G304 - path comes from the watched dir
	if errors.Is(err, os.ErrNotExist) {
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("failed to read bundle: %w", err)
		return res
	}

	req, err := decodeRequest(data)
	if err != nil {
		res.Err = err
		if werr := writeJSONAtomic(responsePath, map[string]string{"error": err.Error()}); werr != nil {
			res.Err = fmt.Errorf("%v; failed to write response: %w", err, werr)
			return res
		}
		res.Response = responsePath
		if merr := w.moveTo(path, rejectedDir); merr != nil {
			res.Err = fmt.Errorf("%v; %w", err, merr)
		}
		return res
	}

	resp, err := w.syncer.Sync(ctx, req)
	if err != nil {
		res.Err = fmt.Errorf("sync failed: %w", err)
		res.Retry = true
		return res
	}

	if err := writeJSONAtomic(responsePath, resp); err != nil {
		res.Err = fmt.Errorf("failed to write response: %w", err)
		return res
	}
	res.Response = responsePath

	if err := w.moveTo(path, processedDir); err != nil {
		res.Err = err
	}
	return res
}

func decodeRequest(data []byte) (sync.Request, error) {
	var req sync.Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("invalid bundle: %w", err)
	}
	if err := req.Validate(); err != nil {
		return req, fmt.Errorf("invalid bundle: %w", err)
	}
	return req, nil
}

func (w *Watcher) moveTo(path, sub string) error {
	dest := filepath.Join(w.config.Dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("failed to move bundle to %s: %w", sub, err)
	}
	return nil
}

// writeJSONAtomic writes v via a temp file and rename.
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
