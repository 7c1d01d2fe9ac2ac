// Package schema defines the task record exchanged between devices and the
// central store.
//
// # Task record
//
// A Task is the only entity. Its identity is the id; everything else is
// mutable. Two fields drive synchronization:
//
//   - Version is an optimistic-concurrency token. It starts at InitialVersion
//     and grows by exactly one on every successful mutation.
//   - DeletedAt marks a tombstone. Tombstones are never removed so that other
//     devices can learn about the deletion from a delta pull.
//
// The lifecycle is exposed as a tagged value rather than a nullable pointer:
//
//	switch task.State() {
//	case schema.Live:
//	    // visible to list/get
//	case schema.Tombstoned:
//	    // only visible to delta queries
//	}
//
// # Inputs
//
// CreateInput and UpdateInput are the payloads of the direct CRUD calls.
// SyncTask is the partial record a device sends inside a sync batch; all of
// its fields except the id are optional and only the ones present are applied.
//
// Example:
//
//	in := schema.CreateInput{Title: "Buy milk", Priority: schema.PriorityHigh}
//	if err := in.Validate(); err != nil {
//	    return err
//	}
//
// Validation happens at the transport boundary. Code below it (service,
// engine, store) assumes well-formed input.
package schema
