// Package sessionlog persists conversations as append-only JSONL logs and
// rebuilds the active branch of a possibly-branching log after a crash or
// restart. The log is the only durable state a session has; everything a
// running worker knows can be reconstructed from it.
package sessionlog
