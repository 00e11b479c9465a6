// Package operations runs long-running activities with persisted
// checkpoints, monotone progress, cooperative cancellation, and
// terminal-state classification against the error taxonomy.
package operations
