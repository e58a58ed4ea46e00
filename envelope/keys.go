package envelope

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/keyfall/keyfall/interfaces"
)

// StaticKey is a KeyProvider holding a fixed in-memory key, as supplied by
// the process environment or derived from an operator passphrase.
type StaticKey []byte

var _ interfaces.KeyProvider = StaticKey(nil)

// EnvelopeKey returns the held key.
func (k StaticKey) EnvelopeKey() ([]byte, error) {
	if len(k) != KeySize {
		return nil, ErrInvalidKey
	}
	return k, nil
}

// KeyFromHex parses a 64-character hex string into a static 256-bit key.
func KeyFromHex(s string) (StaticKey, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: key is not valid hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return StaticKey(key), nil
}

// KeyFromPassphrase derives a 256-bit key from an operator passphrase with
// Argon2id. The salt must come from configuration, never from data stored
// next to the sealed shares. Parameters: time=1, memory=64MiB, threads=4.
func KeyFromPassphrase(passphrase, salt string) StaticKey {
	return StaticKey(argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, KeySize))
}
