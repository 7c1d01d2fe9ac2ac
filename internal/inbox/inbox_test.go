package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tasksync/tasksync/internal/schema"
	"github.com/tasksync/tasksync/internal/sync"
)

// fakeSyncer records requests and answers with a canned response.
type fakeSyncer struct {
	mu   gosync.Mutex
	reqs []sync.Request
	err  error

	// failures makes the next N calls fail before err is consulted.
	failures int
}

func (f *fakeSyncer) Sync(_ context.Context, req sync.Request) (*sync.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database is locked")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &sync.Response{
		ClientChanges: sync.Results{Deleted: []string{}},
		ServerChanges: []*schema.Task{{ID: "srv-1", Title: "from server", Version: 1}},
		Timestamp:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeSyncer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestWatcher(t *testing.T, syncer Syncer) (*Watcher, string, string) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "inbox")
	outbox := filepath.Join(root, "outbox")

	w, err := New(syncer, &Config{
		Dir:              dir,
		Outbox:           outbox,
		DebounceInterval: 20 * time.Millisecond,
		Logger:           quietLogger(),
	})
	require.NoError(t, err)
	return w, dir, outbox
}

func writeBundle(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, &Config{Dir: "x"})
	assert.Error(t, err)

	_, err = New(&fakeSyncer{}, &Config{})
	assert.Error(t, err)

	_, err = New(&fakeSyncer{}, nil)
	assert.Error(t, err)
}

func TestProcessBundle_Applied(t *testing.T) {
	syncer := &fakeSyncer{}
	w, dir, outbox := newTestWatcher(t, syncer)
	defer w.watcher.Close()
	require.NoError(t, os.MkdirAll(outbox, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, processedDir), 0755))

	path := writeBundle(t, dir, "phone-001.json",
		`{"clientId":"phone","changes":{"created":[{"id":"a","title":"offline"}]}}`)

	res := w.ProcessBundle(context.Background(), path)
	require.NoError(t, res.Err)
	assert.Equal(t, filepath.Join(outbox, "phone-001.response.json"), res.Response)

	data, err := os.ReadFile(res.Response)
	require.NoError(t, err)
	var resp sync.Response
	require.NoError(t, json.Unmarshal(data, &resp))
	require.Len(t, resp.ServerChanges, 1)
	assert.Equal(t, "srv-1", resp.ServerChanges[0].ID)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(dir, processedDir, "phone-001.json"))

	require.Equal(t, 1, syncer.count())
	assert.Equal(t, "phone", syncer.reqs[0].ClientID)
	assert.Len(t, syncer.reqs[0].Changes.Created, 1)
}

func TestProcessBundle_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "not json", content: `{`, wantErr: "invalid bundle"},
		{name: "missing client", content: `{"changes":{}}`, wantErr: "clientId is required"},
		{name: "unknown field", content: `{"clientId":"a","extra":1}`, wantErr: "unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{}
			w, dir, outbox := newTestWatcher(t, syncer)
			defer w.watcher.Close()
			require.NoError(t, os.MkdirAll(outbox, 0755))
			require.NoError(t, os.MkdirAll(filepath.Join(dir, rejectedDir), 0755))

			path := writeBundle(t, dir, "bad.json", tt.content)
			res := w.ProcessBundle(context.Background(), path)
			require.Error(t, res.Err)
			assert.Contains(t, res.Err.Error(), tt.wantErr)

			data, err := os.ReadFile(filepath.Join(outbox, "bad.response.json"))
			require.NoError(t, err)
			var body map[string]string
			require.NoError(t, json.Unmarshal(data, &body))
			assert.Contains(t, body["error"], tt.wantErr)

			assert.FileExists(t, filepath.Join(dir, rejectedDir, "bad.json"))
			assert.Equal(t, 0, syncer.count())
		})
	}
}

func TestProcessBundle_SyncFailureKeepsBundle(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("database is locked")}
	w, dir, outbox := newTestWatcher(t, syncer)
	defer w.watcher.Close()
	require.NoError(t, os.MkdirAll(outbox, 0755))

	path := writeBundle(t, dir, "retry.json", `{"clientId":"phone"}`)
	res := w.ProcessBundle(context.Background(), path)
	require.Error(t, res.Err)
	assert.True(t, res.Retry)

	assert.FileExists(t, path)
	assert.NoFileExists(t, filepath.Join(outbox, "retry.response.json"))
}

func TestProcessBundle_ServerRecordsSentBack(t *testing.T) {
	syncer := &fakeSyncer{}
	w, dir, outbox := newTestWatcher(t, syncer)
	defer w.watcher.Close()
	require.NoError(t, os.MkdirAll(outbox, 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, processedDir), 0755))

	// A task exactly as a previous response delivered it, then edited.
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	record := schema.Task{
		ID:        "srv-1",
		ClientID:  "laptop",
		Title:     "from server",
		Priority:  schema.PriorityHigh,
		Completed: true,
		Version:   1,
		CreatedAt: created,
		UpdatedAt: created,
	}
	copyRecord := record
	copyRecord.ID = "srv-1-copy"

	bundle, err := json.Marshal(map[string]interface{}{
		"clientId": "phone",
		"changes": map[string]interface{}{
			"created": []schema.Task{copyRecord},
			"updated": []schema.Task{record},
		},
	})
	require.NoError(t, err)
	path := writeBundle(t, dir, "phone-002.json", string(bundle))

	res := w.ProcessBundle(context.Background(), path)
	require.NoError(t, res.Err)
	assert.False(t, res.Retry)
	assert.FileExists(t, filepath.Join(dir, processedDir, "phone-002.json"))

	require.Equal(t, 1, syncer.count())
	changes := syncer.reqs[0].Changes
	require.Len(t, changes.Updated, 1)
	assert.Equal(t, "srv-1", changes.Updated[0].ID)
	require.NotNil(t, changes.Updated[0].Completed)
	assert.True(t, *changes.Updated[0].Completed)
	require.NotNil(t, changes.Updated[0].Version)
	assert.Equal(t, 1, *changes.Updated[0].Version)

	require.Len(t, changes.Created, 1)
	in := changes.Created[0].CreateInput("phone")
	assert.Equal(t, "srv-1-copy", in.ID)
	assert.Equal(t, "from server", in.Title)
	assert.Equal(t, schema.PriorityHigh, in.Priority)
}

func TestProcessBundle_Vanished(t *testing.T) {
	w, dir, _ := newTestWatcher(t, &fakeSyncer{})
	defer w.watcher.Close()

	res := w.ProcessBundle(context.Background(), filepath.Join(dir, "gone.json"))
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Response)
}

func TestIsBundle(t *testing.T) {
	assert.True(t, isBundle("phone.json"))
	assert.False(t, isBundle("phone.response.json"))
	assert.False(t, isBundle("phone.json.tmp"))
	assert.False(t, isBundle("notes.txt"))
}

// TestRun_ProcessesExistingAndNewBundles covers both the startup scan and
// the fsnotify path, then checks that no goroutine outlives Run.
func TestRun_ProcessesExistingAndNewBundles(t *testing.T) {
	defer goleak.VerifyNone(t)

	syncer := &fakeSyncer{}
	w, dir, outbox := newTestWatcher(t, syncer)

	results := make(chan Result, 10)
	w.OnResult = func(r Result) { results <- r }

	writeBundle(t, dir, "early.json", `{"clientId":"phone"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitResult := func(name string) Result {
		t.Helper()
		select {
		case r := <-results:
			require.Equal(t, name, filepath.Base(r.Bundle))
			return r
		case <-time.After(5 * time.Second):
			t.Fatalf("bundle %s not processed", name)
			return Result{}
		}
	}

	r := waitResult("early.json")
	require.NoError(t, r.Err)

	writeBundle(t, dir, "late.json", `{"clientId":"laptop"}`)
	r = waitResult("late.json")
	require.NoError(t, r.Err)

	assert.FileExists(t, filepath.Join(outbox, "early.response.json"))
	assert.FileExists(t, filepath.Join(outbox, "late.response.json"))
	assert.Equal(t, 2, syncer.count())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_RetriesFailedSync(t *testing.T) {
	defer goleak.VerifyNone(t)

	syncer := &fakeSyncer{failures: 2}
	w, dir, outbox := newTestWatcher(t, syncer)
	w.config.RetryInterval = 30 * time.Millisecond

	results := make(chan Result, 10)
	w.OnResult = func(r Result) { results <- r }

	writeBundle(t, dir, "flaky.json", `{"clientId":"phone"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	for attempt := 1; attempt <= 3; attempt++ {
		select {
		case r := <-results:
			assert.Equal(t, "flaky.json", filepath.Base(r.Bundle))
			if attempt < 3 {
				require.Error(t, r.Err, "attempt %d", attempt)
				assert.True(t, r.Retry)
				continue
			}
			require.NoError(t, r.Err)
			assert.False(t, r.Retry)
		case <-time.After(5 * time.Second):
			t.Fatalf("attempt %d never ran", attempt)
		}
	}

	assert.Equal(t, 3, syncer.count())
	assert.FileExists(t, filepath.Join(outbox, "flaky.response.json"))
	assert.FileExists(t, filepath.Join(dir, processedDir, "flaky.json"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
