/*
Package nntp provides the authenticated news-server client and the
connection pool the pipelines post and fetch through.

The pool starts with a single connection and grows on demand up to
the configured maximum. Every session binds the same local address,
so the upstream server sees one identity no matter how many sessions
are open. A background probe runs every 30 seconds, reaping sessions
past the idle timeout or maximum lifetime and health-checking the
rest with DATE.

Retry behavior lives in one named policy site (policyFor): 502 maps
to a 30s base with up to 10 retries, 441 to 5s/3, 500 to 10s/5, and
transport faults to 1s/5, all with exponential backoff and jitter.
Exhausted retries surface as PermanentPostFailure or
PermanentFetchFailure; a 430 miss is permanent immediately, because
the caller's redundancy fallback is the correct response.

Rate limiting is two token buckets: posts-per-second across the pool
and bytes-per-second per connection.
*/
package nntp
