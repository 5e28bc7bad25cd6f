// Package stores provides the SQLite persistence layer for deckhand.
// It runs in WAL mode with embedded migrations and records runs, step
// results, timeline events, the artifact index, run locks, and an audit
// trail. Recorder adapts a Store to the engine's recorder and publisher
// interfaces.
package stores
