// Package storage persists the robot's per-tenant documents.
//
// Three kinds of records are kept for every tenant:
//   - the config document (one JSON object, replaced on every save)
//   - the activity trail (JSON entries, newest first, capped by the caller)
//   - the system log (append-only JSON lines)
//
// Backends store documents as opaque JSON; the tenant and activity packages
// own the schema.
package storage
