// Package schema provides the task record and its input payloads.
package schema

import (
	"fmt"
	"time"
)

// InitialVersion is the version assigned to a freshly created task.
const InitialVersion = 1

// MaxTitleLength bounds Task.Title.
const MaxTitleLength = 500

// Priority is the optional urgency of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid reports whether p is empty (unset) or one of the known priorities.
func (p Priority) IsValid() bool {
	switch p {
	case "", PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Lifecycle is the soft-delete state of a task.
type Lifecycle int

const (
	// Live tasks are visible to list and get.
	Live Lifecycle = iota
	// Tombstoned tasks are retained only so deletions propagate through deltas.
	Tombstoned
)

func (l Lifecycle) String() string {
	switch l {
	case Live:
		return "live"
	case Tombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("Lifecycle(%d)", int(l))
	}
}

// Task is a task record as stored and as exchanged on the wire.
type Task struct {
	ID          string   `json:"id"`
	ClientID    string   `json:"clientId,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Completed   bool     `json:"completed"`

	// Version is the optimistic-concurrency token.
	Version int `json:"version"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	DeletedAt  *time.Time `json:"deletedAt"`
}

// State returns the lifecycle state derived from DeletedAt.
func (t *Task) State() Lifecycle {
	if t.DeletedAt != nil {
		return Tombstoned
	}
	return Live
}

// IsLive is shorthand for t.State() == Live.
func (t *Task) IsLive() bool {
	return t.State() == Live
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	if t.LastSyncAt != nil {
		ts := *t.LastSyncAt
		c.LastSyncAt = &ts
	}
	if t.DeletedAt != nil {
		ts := *t.DeletedAt
		c.DeletedAt = &ts
	}
	return &c
}

// String renders a short human-readable form used in logs.
func (t *Task) String() string {
	return fmt.Sprintf("%s v%d (%s) %q", t.ID, t.Version, t.State(), t.Title)
}

