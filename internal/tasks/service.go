// Package tasks implements the single-record operations on task records:
// list, fetch, create, update with an optional version check, and soft delete.
//
// Both the HTTP handlers and the sync engine go through Service, so the
// version and tombstone rules are enforced in one place.
package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tasksync/tasksync/internal/db"
	"github.com/tasksync/tasksync/internal/schema"
)

var (
	// ErrNotFound is returned when the id does not resolve to a live task.
	// It also matches db.ErrNotFound.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the caller's version is stale.
	// It also matches db.ErrVersionMismatch.
	ErrConflict = errors.New("version conflict")
)

// Store is the persistence surface Service needs. *db.DB implements it.
type Store interface {
	CreateTask(ctx context.Context, in schema.CreateInput) (*schema.Task, error)
	GetTask(ctx context.Context, id string, vis db.Visibility) (*schema.Task, error)
	ListTasks(ctx context.Context, filter db.ListFilter) ([]*schema.Task, error)
	UpdateTask(ctx context.Context, id string, patch schema.Patch, expectVersion *int) (*schema.Task, error)
	TombstoneTask(ctx context.Context, id string) (*schema.Task, error)
}

// Service implements the single-record operations.
type Service struct {
	store    Store
	notifier Notifier
	logger   logrus.FieldLogger
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier publishes every successful mutation to n.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service over store.
//
// Example:
//
//	store, err := db.Open(".tasksync/tasks.db")
//	if err != nil {
//	    return err
//	}
//	svc := tasks.New(store, tasks.WithLogger(log))
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: nopNotifier{},
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "tasks")
	return s
}

// FindAll returns live tasks, newest created first. A non-empty clientID
// restricts the result to that client's tasks.
func (s *Service) FindAll(ctx context.Context, clientID string) ([]*schema.Task, error) {
	list, err := s.store.ListTasks(ctx, db.ListFilter{ClientID: clientID, Visibility: db.OnlyLive})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return list, nil
}

// FindOne returns the live task with the given id, or ErrNotFound.
// Tombstones are treated as absent.
func (s *Service) FindOne(ctx context.Context, id string) (*schema.Task, error) {
	task, err := s.store.GetTask(ctx, id, db.OnlyLive)
	if err != nil {
		return nil, classify(id, err)
	}
	return task, nil
}

// Create inserts a new task at schema.InitialVersion with lastSyncAt = now.
// Store failures, including db.ErrDuplicateID, are returned wrapped.
func (s *Service) Create(ctx context.Context, in schema.CreateInput) (*schema.Task, error) {
	task, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"id": task.ID, "client_id": task.ClientID}).Debug("task created")
	s.publish(ctx, ActionCreated, task)
	return task, nil
}

// Update applies the provided fields of in to the live task id.
//
// When in.Version is set it must equal the stored version, otherwise
// ErrConflict is returned. Without a version the update is an unconditional
// overwrite.
func (s *Service) Update(ctx context.Context, id string, in schema.UpdateInput) (*schema.Task, error) {
	return s.Apply(ctx, id, in.Patch(), in.Version)
}

// Apply is the shared update path of direct updates and sync batches.
// It resolves id through FindOne, checks expectVersion when non-nil, then
// assigns patch, increments the version and refreshes lastSyncAt.
//
// The store repeats the version check in the UPDATE itself, so a writer
// that loses a race after the read still gets ErrConflict.
func (s *Service) Apply(ctx context.Context, id string, patch schema.Patch, expectVersion *int) (*schema.Task, error) {
	current, err := s.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}

	if expectVersion != nil && *expectVersion != current.Version {
		return nil, fmt.Errorf("%w: %s is at version %d, caller expected %d",
			ErrConflict, id, current.Version, *expectVersion)
	}

	task, err := s.store.UpdateTask(ctx, id, patch, expectVersion)
	if err != nil {
		return nil, classify(id, err)
	}

	s.logger.WithFields(logrus.Fields{"id": id, "version": task.Version}).Debug("task updated")
	s.publish(ctx, ActionUpdated, task)
	return task, nil
}

// Remove soft-deletes the live task id: deletedAt is set and the version
// incremented. No other field is erased. Returns the tombstone.
func (s *Service) Remove(ctx context.Context, id string) (*schema.Task, error) {
	if _, err := s.FindOne(ctx, id); err != nil {
		return nil, err
	}

	task, err := s.store.TombstoneTask(ctx, id)
	if err != nil {
		return nil, classify(id, err)
	}

	s.logger.WithFields(logrus.Fields{"id": id, "version": task.Version}).Debug("task removed")
	s.publish(ctx, ActionDeleted, task)
	return task, nil
}

func (s *Service) publish(ctx context.Context, action Action, task *schema.Task) {
	s.notifier.TaskChanged(ctx, Change{
		ID:       task.ID,
		Action:   action,
		Version:  task.Version,
		ClientID: task.ClientID,
	})
}

// classify maps store sentinels onto the service's taxonomy.
func classify(id string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, db.ErrVersionMismatch):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("store failure on task %s: %w", id, err)
	}
}
