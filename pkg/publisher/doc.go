/*
Package publisher creates shares. It seals the signed core index
under a fresh per-share key, posts it as obfuscated articles, wraps
the key per access mode (public: in the token; protected: under an
Argon2id password key; private: per-user HKDF wrapping plus HMAC
membership commitments), and emits the single opaque access string a
recipient needs.

Authorization updates on private shares re-wrap a fresh index key
and repost only the index; content segments are never touched.
*/
package publisher
