package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required symmetric key length (AES-256).
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

var (
	// ErrInvalidKey is returned when the supplied key is not 32 bytes.
	ErrInvalidKey = errors.New("envelope: key must be exactly 32 bytes")

	// ErrAuthenticationFailed is returned by Open when the authentication
	// tag does not verify. No plaintext is ever returned alongside it.
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")
)

// Seal encrypts a share under the given 256-bit key. It returns the
// ciphertext, the freshly random nonce, and the authentication tag as
// separate values for persistence.
func Seal(share, key []byte) (ciphertext, iv, authTag []byte, err error) {
	if len(key) != KeySize {
		return nil, nil, nil, ErrInvalidKey
	}
	if len(share) == 0 {
		return nil, nil, nil, errors.New("envelope: share is empty")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: creating GCM: %w", err)
	}

	iv = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("envelope: generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, share, nil)
	ciphertext = sealed[:len(sealed)-TagSize]
	authTag = sealed[len(sealed)-TagSize:]
	return ciphertext, iv, authTag, nil
}

// Open decrypts a sealed share. It fails with ErrAuthenticationFailed on any
// tag mismatch, with no partial output; a malformed nonce or tag length is
// reported the same way since it can only mean tampering or corruption.
func Open(ciphertext, iv, authTag, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	if len(iv) != NonceSize || len(authTag) != TagSize {
		return nil, ErrAuthenticationFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating GCM: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	share, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return share, nil
}
