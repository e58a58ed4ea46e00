// Package envelope protects the single share the server retains, at rest,
// with AES-256-GCM authenticated encryption.
//
// Seal produces the ciphertext, the 12-byte nonce, and the 16-byte
// authentication tag as three separate values; all three are persisted
// together and none is useful alone. The nonce is freshly random on every
// call - nonce reuse under one key breaks both the confidentiality and the
// integrity of GCM, so it is never derived from predictable input.
//
// Open is all-or-nothing: if the tag does not verify (tampered ciphertext,
// wrong key, wrong nonce) it returns ErrAuthenticationFailed and no partial
// plaintext. Callers treat that as fatal for the disclosure attempt and
// surface it to an operator; it is a data-integrity emergency, not a
// transient error to retry.
//
// The key comes from a KeyProvider collaborator (environment-provided hex or
// an Argon2id-derived passphrase key) and must never be derived from data
// stored alongside the ciphertext.
package envelope
