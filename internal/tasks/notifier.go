package tasks

import "context"

// Action names the kind of mutation a Change describes.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// Change describes one successful mutation.
type Change struct {
	ID       string `json:"id"`
	Action   Action `json:"action"`
	Version  int    `json:"version"`
	ClientID string `json:"clientId,omitempty"`
}

// Notifier receives a Change after every successful mutation.
//
// TaskChanged must not block on slow consumers and cannot fail the
// mutation; implementations drop or log delivery problems themselves.
type Notifier interface {
	TaskChanged(ctx context.Context, c Change)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, c Change)

// TaskChanged calls f.
func (f NotifierFunc) TaskChanged(ctx context.Context, c Change) {
	f(ctx, c)
}

type nopNotifier struct{}

func (nopNotifier) TaskChanged(context.Context, Change) {}
