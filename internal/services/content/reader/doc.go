// Package reader serves content queries against the read model.
//
// Every call resolves the schema that applies to the requested content type,
// compiles the caller's query string against it, and hands the abstract
// query to the store with tenancy and visibility enforced. Records whose
// typed projection was derived from an older schema version are re-typed on
// the way out; records that no longer parse are reported as skipped instead
// of failing the page.
package reader
