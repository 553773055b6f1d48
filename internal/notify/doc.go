// Package notify holds the shared notification domain types.
//
// It is imported by every pipeline stage and therefore stays free of
// service dependencies: no logging, no storage, no transport.
//
// # Lifecycle
//
// A Request enters through the orchestrator, passes the preference,
// filter, dedup and rate-limit gates, and is then dispatched across
// channels in priority order. Every request ends in exactly one terminal
// State: delivered, expired, filtered_out, preference_blocked or
// permanently_failed.
package notify
