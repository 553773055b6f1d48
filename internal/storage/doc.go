// Package storage provides the persistence layer behind delivery.
//
// It holds:
//   - The append-only audit log (one record per attempt, one per terminal)
//   - The durable offline queue (redelivery schedule + TTL)
//   - Digest buffers awaiting flush
//   - Per-user notification preferences
//
// Drivers: sqlite (default), file (JSONL snapshot/journal), memory (tests).
package storage
