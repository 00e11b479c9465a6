/*
Package uploader drains a priority queue of segment-post tasks
through the NNTP pool.

The durable queue is the data store itself: pending segment rows
survive a crash, and a resumed upload re-enqueues exactly the rows
that never reached the uploaded state. The in-memory heap only
orders work (CRITICAL..BACKGROUND, FIFO within a level).

Per task, a worker loads the segment plaintext from disk, encrypts
it under the folder content key with a fresh nonce and the
segment-identity AAD, appends random trailer padding, wraps the
ciphertext in yEnc, and posts it with obfuscated headers. The
message id is persisted only after the server acknowledges the post.
A permanent post failure marks that one replica failed and moves on;
the folder ends in uploaded/partial rather than failing outright.
*/
package uploader
