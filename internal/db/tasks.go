package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tasksync/tasksync/internal/schema"
)

// timeLayout is fixed-width so that lexical order of the TEXT columns equals
// chronological order, which keeps `updated_at > ?` exact.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const taskColumns = `id, client_id, title, description, priority, completed,
	version, created_at, updated_at, last_sync_at, deleted_at`

// Visibility selects which lifecycle states a query can see.
type Visibility int

const (
	// OnlyLive hides tombstones. Used by list, get and every mutation.
	OnlyLive Visibility = iota
	// IncludeTombstones sees every row. Used by delta pulls.
	IncludeTombstones
)

// predicate is the one place the tombstone filter is spelled out.
func (v Visibility) predicate() string {
	if v == OnlyLive {
		return "deleted_at IS NULL"
	}
	return "1 = 1"
}

// taskRow is the on-disk shape of a task.
type taskRow struct {
	ID          string         `db:"id"`
	ClientID    sql.NullString `db:"client_id"`
	Title       string         `db:"title"`
	Description sql.NullString `db:"description"`
	Priority    sql.NullString `db:"priority"`
	Completed   bool           `db:"completed"`
	Version     int            `db:"version"`
	CreatedAt   string         `db:"created_at"`
	UpdatedAt   string         `db:"updated_at"`
	LastSyncAt  sql.NullString `db:"last_sync_at"`
	DeletedAt   sql.NullString `db:"deleted_at"`
}

func (r *taskRow) toTask() (*schema.Task, error) {
	task := &schema.Task{
		ID:          r.ID,
		ClientID:    r.ClientID.String,
		Title:       r.Title,
		Description: r.Description.String,
		Priority:    schema.Priority(r.Priority.String),
		Completed:   r.Completed,
		Version:     r.Version,
	}

	var err error
	if task.CreatedAt, err = time.Parse(timeLayout, r.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", r.ID, err)
	}
	if task.UpdatedAt, err = time.Parse(timeLayout, r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", r.ID, err)
	}
	if task.LastSyncAt, err = nullStringToTime(r.LastSyncAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_sync_at of %s: %w", r.ID, err)
	}
	if task.DeletedAt, err = nullStringToTime(r.DeletedAt); err != nil {
		return nil, fmt.Errorf("failed to parse deleted_at of %s: %w", r.ID, err)
	}

	return task, nil
}

func toTasks(rows []taskRow) ([]*schema.Task, error) {
	tasks := make([]*schema.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CreateTask inserts a new live task at schema.InitialVersion.
//
// The id is taken from in.ID when set (device-generated ids on the sync
// path) and generated otherwise. created_at, updated_at and last_sync_at are
// all stamped with the store clock.
//
// Returns ErrDuplicateID if the id is already used, tombstones included.
func (db *DB) CreateTask(ctx context.Context, in schema.CreateInput) (*schema.Task, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := formatTime(db.now())

	query := `
	INSERT INTO tasks (
		id, client_id, title, description, priority, completed,
		version, created_at, updated_at, last_sync_at, deleted_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	RETURNING ` + taskColumns

	var row taskRow
	err := db.conn.QueryRowxContext(ctx, query,
		id,
		emptyToNull(in.ClientID),
		in.Title,
		emptyToNull(in.Description),
		emptyToNull(string(in.Priority)),
		in.Completed,
		schema.InitialVersion,
		now,
		now,
		now,
	).StructScan(&row)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		return nil, fmt.Errorf("failed to insert task %s: %w", id, err)
	}

	return row.toTask()
}

// GetTask retrieves a single task by id under the given visibility.
// Returns ErrNotFound if no row matches.
func (db *DB) GetTask(ctx context.Context, id string, vis Visibility) (*schema.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ? AND ` + vis.predicate()

	var row taskRow
	if err := db.conn.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}

	return row.toTask()
}

// ListFilter configures ListTasks.
type ListFilter struct {
	// ClientID restricts results to one owning client (empty = all clients)
	ClientID string
	// Visibility defaults to OnlyLive
	Visibility Visibility
}

// ListTasks returns tasks matching the filter, newest created first.
func (db *DB) ListTasks(ctx context.Context, filter ListFilter) ([]*schema.Task, error) {
	conditions := []string{filter.Visibility.predicate()}
	var args []interface{}

	if filter.ClientID != "" {
		conditions = append(conditions, "client_id = ?")
		args = append(args, filter.ClientID)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY created_at DESC, id DESC`

	var rows []taskRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	return toTasks(rows)
}

// UpdateTask applies a patch to a live task in one statement, incrementing
// its version by one and refreshing updated_at and last_sync_at.
//
// When expectVersion is non-nil the statement only matches if the stored
// version equals it, so the check and the increment are atomic.
//
// Returns ErrNotFound if the task is missing or tombstoned, and
// ErrVersionMismatch if it exists but expectVersion is stale.
func (db *DB) UpdateTask(ctx context.Context, id string, patch schema.Patch, expectVersion *int) (*schema.Task, error) {
	now := formatTime(db.now())

	var sets []string
	var args []interface{}

	if patch.ClientID != nil {
		sets = append(sets, "client_id = ?")
		args = append(args, emptyToNull(*patch.ClientID))
	}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, emptyToNull(*patch.Description))
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, emptyToNull(string(*patch.Priority)))
	}
	if patch.Completed != nil {
		sets = append(sets, "completed = ?")
		args = append(args, *patch.Completed)
	}

	sets = append(sets, "version = version + 1", "updated_at = ?", "last_sync_at = ?")
	args = append(args, now, now)

	conditions := []string{"id = ?", OnlyLive.predicate()}
	args = append(args, id)
	if expectVersion != nil {
		conditions = append(conditions, "version = ?")
		args = append(args, *expectVersion)
	}

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + `
	WHERE ` + strings.Join(conditions, " AND ") + `
	RETURNING ` + taskColumns

	var row taskRow
	err := db.conn.QueryRowxContext(ctx, query, args...).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.missCause(ctx, id, expectVersion)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}

	return row.toTask()
}

// TombstoneTask soft-deletes a live task: deleted_at and updated_at are set
// to now and the version is incremented. No other field changes.
//
// Returns ErrNotFound if the task is missing or already tombstoned.
func (db *DB) TombstoneTask(ctx context.Context, id string) (*schema.Task, error) {
	now := formatTime(db.now())

	query := `UPDATE tasks
	SET deleted_at = ?, updated_at = ?, version = version + 1
	WHERE id = ? AND ` + OnlyLive.predicate() + `
	RETURNING ` + taskColumns

	var row taskRow
	err := db.conn.QueryRowxContext(ctx, query, now, now, id).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to tombstone task %s: %w", id, err)
	}

	return row.toTask()
}

// missCause explains why a guarded UPDATE matched no row.
func (db *DB) missCause(ctx context.Context, id string, expectVersion *int) error {
	if expectVersion == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	current, err := db.GetTask(ctx, id, OnlyLive)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is at version %d, caller expected %d",
		ErrVersionMismatch, id, current.Version, *expectVersion)
}

// ChangedSince returns every task, tombstones included, whose updated_at is
// strictly after since, oldest change first. A nil since returns all tasks.
// Ties on updated_at are ordered by id.
func (db *DB) ChangedSince(ctx context.Context, since *time.Time) ([]*schema.Task, error) {
	conditions := []string{IncludeTombstones.predicate()}
	var args []interface{}

	if since != nil {
		conditions = append(conditions, "updated_at > ?")
		args = append(args, formatTime(*since))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY updated_at ASC, id ASC`

	var rows []taskRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}

	return toTasks(rows)
}

// Stats summarizes the store contents.
type Stats struct {
	Live         int
	Tombstoned   int
	LastChangeAt *time.Time
}

// GetStats counts live and tombstoned tasks and finds the latest change.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	query := `
	SELECT
		COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN deleted_at IS NULL THEN 0 ELSE 1 END), 0),
		MAX(updated_at)
	FROM tasks`

	var stats Stats
	var lastChange sql.NullString
	err := db.conn.QueryRowContext(ctx, query).Scan(&stats.Live, &stats.Tombstoned, &lastChange)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	if stats.LastChangeAt, err = nullStringToTime(lastChange); err != nil {
		return nil, fmt.Errorf("failed to parse last change: %w", err)
	}

	return &stats, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// emptyToNull stores optional text as NULL when unset.
func emptyToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
