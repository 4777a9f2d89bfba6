// Package timeouts defines shared timeout constants used across cmsread.
// Centralizing these values prevents drift between the query path, the
// projector loop, and process shutdown.
package timeouts

import "time"

// Query caps a single read-model query including cursor consumption.
const Query = 10 * time.Second

// ReadHeader limits how long the admin HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers and telemetry wait during graceful shutdown.
const Shutdown = 5 * time.Second

// SQLiteBusy is the busy_timeout handed to SQLite connections.
const SQLiteBusy = 5 * time.Second
