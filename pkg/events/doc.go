// Package events provides an in-memory pub/sub broker for pipeline
// progress events, consumed by facade layers outside the core.
package events
