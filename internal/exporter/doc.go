// Package exporter runs exports. The orchestrator validates a request,
// admits it against the memory budget, resolves the engine, drives the
// compositor frame by frame into the engine and promotes the finalized file
// into the output directory. Progress is published to a broker for streaming
// and every run is recorded in the export history.
package exporter
