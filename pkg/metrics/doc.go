// Package metrics defines the Prometheus collectors for the
// pipelines and the NNTP pool. The core registers them but serves no
// endpoint; exposition belongs to the facade.
package metrics
