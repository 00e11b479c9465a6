// Package log wraps zerolog with the global logger, level
// configuration, and component/entity child-logger helpers used
// across the codebase.
package log
