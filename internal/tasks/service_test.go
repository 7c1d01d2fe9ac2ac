package tasks

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/schema"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recorder collects published changes.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) TaskChanged(_ context.Context, c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func newTestService(t *testing.T) (*Service, *recorder) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	rec := &recorder{}
	return New(store, WithNotifier(rec), WithLogger(quietLogger())), rec
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// TestLifecycleScenario walks one task through create, a versioned update,
// a stale update and a delete.
func TestLifecycleScenario(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, schema.CreateInput{Title: "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, 1, a.Version)

	a, err = svc.Update(ctx, a.ID, schema.UpdateInput{Completed: boolPtr(true), Version: intPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Version)
	assert.True(t, a.Completed)

	_, err = svc.Update(ctx, a.ID, schema.UpdateInput{Title: strPtr("stale"), Version: intPtr(1)})
	assert.ErrorIs(t, err, ErrConflict)

	a, err = svc.Remove(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, a.DeletedAt)
	assert.Equal(t, 3, a.Version)
	assert.Equal(t, "Buy milk", a.Title)

	_, err = svc.FindOne(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, db.ErrNotFound)

	changes := rec.all()
	require.Len(t, changes, 3)
	assert.Equal(t, ActionCreated, changes[0].Action)
	assert.Equal(t, ActionUpdated, changes[1].Action)
	assert.Equal(t, ActionDeleted, changes[2].Action)
	assert.Equal(t, 3, changes[2].Version)
}

func boolPtr(b bool) *bool { return &b }

func TestUpdate_WithoutVersionAlwaysSucceeds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, schema.CreateInput{Title: "a"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		before := a.Version
		a, err = svc.Update(ctx, a.ID, schema.UpdateInput{Title: strPtr("overwrite")})
		require.NoError(t, err)
		assert.Equal(t, before+1, a.Version)
	}
}

func TestUpdate_FailureLeavesVersion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, schema.CreateInput{Title: "a"})
	require.NoError(t, err)

	_, err = svc.Update(ctx, a.ID, schema.UpdateInput{Title: strPtr("x"), Version: intPtr(7)})
	require.ErrorIs(t, err, ErrConflict)

	got, err := svc.FindOne(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "a", got.Title)
}

func TestNotFound(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()

	_, err := svc.FindOne(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Update(ctx, "missing", schema.UpdateInput{Title: strPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Remove(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := svc.Create(ctx, schema.CreateInput{Title: "a"})
	require.NoError(t, err)
	_, err = svc.Remove(ctx, a.ID)
	require.NoError(t, err)

	_, err = svc.Remove(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound, "removing a tombstone")

	_, err = svc.Update(ctx, a.ID, schema.UpdateInput{Title: strPtr("x"), Version: intPtr(2)})
	assert.ErrorIs(t, err, ErrNotFound, "updating a tombstone")

	assert.Len(t, rec.all(), 2, "failed calls must not publish")
}

func TestFindAll(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	phone1, err := svc.Create(ctx, schema.CreateInput{Title: "p1", ClientID: "phone"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, schema.CreateInput{Title: "l1", ClientID: "laptop"})
	require.NoError(t, err)
	phone2, err := svc.Create(ctx, schema.CreateInput{Title: "p2", ClientID: "phone"})
	require.NoError(t, err)

	all, err := svc.FindAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = svc.Remove(ctx, phone1.ID)
	require.NoError(t, err)

	mine, err := svc.FindAll(ctx, "phone")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, phone2.ID, mine[0].ID)

	for _, task := range all {
		assert.True(t, task.IsLive())
	}
}

func TestCreate_Duplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, schema.CreateInput{ID: "x", Title: "a"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, schema.CreateInput{ID: "x", Title: "b"})
	assert.ErrorIs(t, err, db.ErrDuplicateID)
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (f failingStore) CreateTask(context.Context, schema.CreateInput) (*schema.Task, error) {
	return nil, f.err
}
func (f failingStore) GetTask(context.Context, string, db.Visibility) (*schema.Task, error) {
	return nil, f.err
}
func (f failingStore) ListTasks(context.Context, db.ListFilter) ([]*schema.Task, error) {
	return nil, f.err
}
func (f failingStore) UpdateTask(context.Context, string, schema.Patch, *int) (*schema.Task, error) {
	return nil, f.err
}
func (f failingStore) TombstoneTask(context.Context, string) (*schema.Task, error) {
	return nil, f.err
}

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("database is locked")
	svc := New(failingStore{err: boom}, WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := svc.FindAll(ctx, "")
	assert.ErrorIs(t, err, boom)

	_, err = svc.FindOne(ctx, "a")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, err = svc.Create(ctx, schema.CreateInput{Title: "a"})
	assert.ErrorIs(t, err, boom)
}

func TestNotifierFunc(t *testing.T) {
	var got Change
	n := NotifierFunc(func(_ context.Context, c Change) { got = c })
	n.TaskChanged(context.Background(), Change{ID: "a", Action: ActionCreated})
	assert.Equal(t, "a", got.ID)
}
