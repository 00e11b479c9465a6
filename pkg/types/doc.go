// Package types declares the persisted entity model: user, folders,
// files, segments, packed groups, operations, and shares, with their
// state machines.
package types
