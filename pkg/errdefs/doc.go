// Package errdefs is the error taxonomy every surfaced operation
// reports through. Components wrap at the boundary where the kind is
// decided; KindOf classifies for callers.
package errdefs
