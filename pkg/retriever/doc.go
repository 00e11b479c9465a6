/*
Package retriever reconstructs a published folder from an access
string: it fetches and decrypts the core index, verifies its
signature, then fetches, decrypts, and verifies content segments with
replica fallback, reassembling files under their original relative
paths.

The retriever is the system's only access gate. Content articles are
opaque ciphertexts; until the mode-specific index key derivation
succeeds, nothing about the share - not even which articles belong to
it - is learnable.
*/
package retriever
