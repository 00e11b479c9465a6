// Package indexer walks managed folders in two phases (a cheap
// counting pass, then bounded-concurrency hashing) and keeps file
// rows current across re-indexes with cheap three-way change
// detection.
package indexer
