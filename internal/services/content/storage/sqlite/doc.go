// Package sqlite implements the content read model on SQLite.
//
// Each app owns one physical table named contents_<hash> holding raw data
// and the typed projection as JSON documents. Filters and sorts run against
// the typed projection through the JSON1 functions so that numbers and
// dates compare as numbers, not text.
//
// Checkpoints, consumer positions and projection failures live in shared
// tables created by the embedded migrations.
package sqlite
