package sync

import (
	"fmt"
	"time"

	"github.com/tasksync/tasksync/internal/schema"
)

// Changes is the bundle of locally queued edits a client pushes.
type Changes struct {
	Created []schema.SyncTask `json:"created,omitempty"`
	Updated []schema.SyncTask `json:"updated,omitempty"`
	Deleted []string          `json:"deleted,omitempty"`
}

// Request is one sync exchange initiated by a client.
type Request struct {
	ClientID   string     `json:"clientId" validate:"required"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	Changes    *Changes   `json:"changes,omitempty"`
}

// Validate rejects malformed requests before they reach the engine.
// Errors wrap schema.ErrInvalid and name the offending item.
func (r *Request) Validate() error {
	if err := schema.Validate(r); err != nil {
		return err
	}
	if r.Changes == nil {
		return nil
	}

	for i := range r.Changes.Created {
		if err := r.Changes.Created[i].ValidateCreated(); err != nil {
			return fmt.Errorf("changes.created[%d]: %w", i, err)
		}
	}
	for i := range r.Changes.Updated {
		if err := r.Changes.Updated[i].ValidateUpdated(); err != nil {
			return fmt.Errorf("changes.updated[%d]: %w", i, err)
		}
	}
	for i, id := range r.Changes.Deleted {
		if id == "" {
			return fmt.Errorf("changes.deleted[%d]: %w: id is required", i, schema.ErrInvalid)
		}
	}
	return nil
}

// Conflict reports one batch item that could not be applied.
type Conflict struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Results is the per-item accounting of a client's changes.
type Results struct {
	Created   []*schema.Task `json:"created"`
	Updated   []*schema.Task `json:"updated"`
	Deleted   []string       `json:"deleted"`
	Conflicts []Conflict     `json:"conflicts"`
}

func newResults() Results {
	return Results{
		Created:   []*schema.Task{},
		Updated:   []*schema.Task{},
		Deleted:   []string{},
		Conflicts: []Conflict{},
	}
}

// Response is returned by Engine.Sync. Timestamp is the client's next
// checkpoint.
type Response struct {
	ClientChanges Results        `json:"clientChanges"`
	ServerChanges []*schema.Task `json:"serverChanges"`
	Timestamp     time.Time      `json:"timestamp"`
}
