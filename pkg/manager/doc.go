/*
Package manager is the top-level runtime. It owns the store, the
identity manager, the NNTP pool, and every pipeline component, and
exposes the in-process API consumed by the CLI and any GUI facade:
initialize, add folder, index, segment, upload, publish, update
authorization, download, and operation inspection/cancellation.

All lifetimes are tied to New/Close. There are no package-level
singletons; callers hold the Manager value.
*/
package manager
