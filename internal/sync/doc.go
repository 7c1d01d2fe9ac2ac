// Package sync implements the reconciliation engine between disconnected
// clients and the central task store.
//
// Overview
//
// A client that worked offline sends its queued changes together with the
// checkpoint of its previous exchange. The engine applies the changes one
// item at a time, then returns everything the server changed after that
// checkpoint plus a new checkpoint:
//
//	Request{clientId, lastSyncAt, changes}
//	     ├── changes.created  → tasks.Service.Create    (per item)
//	     ├── changes.updated  → tasks.Service.Apply     (per item, per UpdatePolicy)
//	     └── changes.deleted  → tasks.Service.Remove    (per item)
//	                                  ↓
//	            checkpoint = now, then Delta(lastSyncAt)
//	                                  ↓
//	Response{clientChanges, serverChanges, timestamp}
//
// Per-item isolation
//
// A failing item never aborts the batch. It becomes a Conflict entry with the
// item id and a message, and the remaining items are still applied. Sync only
// returns an error when the delta query itself fails.
//
// Update policy
//
// LastWriteWins overwrites the stored fields of an updated item regardless of
// the version the client sent. VersionChecked rejects an item whose version
// is stale with a "Version conflict" entry, the same rule a direct update
// follows. Both go through the same store statement.
//
// Checkpoints
//
// The response timestamp is read before the delta query. A change committed
// while the query runs is either part of serverChanges or stamped after the
// checkpoint, so a client may see it twice but never misses it.
package sync
