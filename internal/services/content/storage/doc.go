// Package storage defines the persistence contracts of the content read
// model.
//
// The read model has two sides. The query side is served by ContentStore:
// point lookups, missing-id checks and lazy cursor queries over one physical
// collection per app. The projection side is served by ProjectionStore:
// exactly-once event application, per-stream checkpoints, the committed log
// position of each consumer and the failure ledger that isolates broken
// streams.
//
// # Error Types
//
//   - ErrNotFound: the record is missing or soft-deleted.
//   - ErrTransient: the backend is temporarily unavailable (busy or locked).
//     Callers on the projection path retry; the query path surfaces it.
package storage
