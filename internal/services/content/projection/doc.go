// Package projection keeps the content read model in sync with the content
// event log.
//
// The engine reads the log in batches, partitions events by stream so each
// content item is applied by exactly one worker in sequence order, and commits
// a consumer position once the batch is durable. Events that arrive ahead of
// their predecessors wait in a bounded per-stream buffer. Streams that hit a
// permanent failure are isolated and recorded in the failure ledger until
// Recover replays them.
package projection
