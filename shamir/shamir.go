package shamir

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// ShareOverhead is the number of bytes a raw share adds on top of the secret
// length: the trailing x-coordinate.
const ShareOverhead = 1

// maxShares is the number of non-zero evaluation points in GF(2^8).
const maxShares = 255

var (
	// ErrInvalidParameters is returned by Split when the threshold or
	// share count is out of range, or the secret is empty.
	ErrInvalidParameters = fmt.Errorf("shamir: invalid split parameters")

	// ErrUnsupportedShareCount is returned by Split when more shares are
	// requested than GF(2^8) has evaluation points.
	ErrUnsupportedShareCount = fmt.Errorf("shamir: at most %d shares are supported", maxShares)

	// ErrInvalidShareFormat is returned by Combine when a share is not a
	// validly encoded share: wrong length, corrupt index byte, or two
	// shares carrying the same index with conflicting data.
	ErrInvalidShareFormat = fmt.Errorf("shamir: malformed share")

	// ErrInsufficientShares is returned by Combine when fewer than two
	// shares are supplied. Combine cannot verify sufficiency beyond that;
	// see the package documentation for the wrong-secret hazard.
	ErrInsufficientShares = fmt.Errorf("shamir: at least two shares are required")
)

// Split divides secret into parts shares, any threshold of which reconstruct
// it. Requires 1 <= threshold <= parts and a non-empty secret; parts is
// bounded by the field size (255).
func Split(secret []byte, parts, threshold int) ([][]byte, error) {
	if threshold < 1 || threshold > parts {
		return nil, fmt.Errorf("%w: threshold %d, parts %d", ErrInvalidParameters, threshold, parts)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret is empty", ErrInvalidParameters)
	}
	if parts > maxShares {
		return nil, ErrUnsupportedShareCount
	}

	shares := make([][]byte, parts)
	for i := range shares {
		shares[i] = make([]byte, len(secret)+ShareOverhead)
		// Evaluation points 1..parts; zero is reserved for the secret.
		shares[i][len(secret)] = byte(i + 1)
	}

	coefficients := make([]byte, threshold)
	for idx, secretByte := range secret {
		// Random polynomial with the secret byte as constant term.
		coefficients[0] = secretByte
		if _, err := rand.Read(coefficients[1:]); err != nil {
			return nil, fmt.Errorf("shamir: reading randomness: %w", err)
		}

		for i := range shares {
			shares[i][idx] = evaluate(coefficients, byte(i+1))
		}
	}

	return shares, nil
}

// Combine reconstructs the secret from the supplied shares. Shares may arrive
// in any order; byte-identical duplicates are ignored. If the shares form a
// valid K-subset (or superset) of one Split call, the result is exact.
func Combine(shares [][]byte) ([]byte, error) {
	if len(shares) < 2 {
		return nil, ErrInsufficientShares
	}

	length := len(shares[0])
	if length < ShareOverhead+1 {
		return nil, fmt.Errorf("%w: share too short", ErrInvalidShareFormat)
	}
	for _, share := range shares {
		if len(share) != length {
			return nil, fmt.Errorf("%w: shares have differing lengths", ErrInvalidShareFormat)
		}
	}

	// Deduplicate by x-coordinate. Identical duplicates are harmless;
	// distinct payloads under one index mean corruption.
	byIndex := make(map[byte][]byte, len(shares))
	for _, share := range shares {
		x := share[length-1]
		if x == 0 {
			return nil, fmt.Errorf("%w: zero index byte", ErrInvalidShareFormat)
		}
		if prev, ok := byIndex[x]; ok {
			if subtle.ConstantTimeCompare(prev, share) != 1 {
				return nil, fmt.Errorf("%w: conflicting shares for index %d", ErrInvalidShareFormat, x)
			}
			continue
		}
		byIndex[x] = share
	}
	if len(byIndex) < 2 {
		return nil, ErrInsufficientShares
	}

	xSamples := make([]byte, 0, len(byIndex))
	samples := make([][]byte, 0, len(byIndex))
	for x, share := range byIndex {
		xSamples = append(xSamples, x)
		samples = append(samples, share)
	}

	secret := make([]byte, length-ShareOverhead)
	ySamples := make([]byte, len(byIndex))
	for idx := range secret {
		for i, share := range samples {
			ySamples[i] = share[idx]
		}
		secret[idx] = interpolate(xSamples, ySamples, 0)
	}

	return secret, nil
}

// SplitHex is Split with the fixed textual transport encoding: each share is
// a lowercase hex string.
func SplitHex(secret []byte, parts, threshold int) ([]string, error) {
	shares, err := Split(secret, parts, threshold)
	if err != nil {
		return nil, err
	}

	encoded := make([]string, len(shares))
	for i, share := range shares {
		encoded[i] = hex.EncodeToString(share)
	}
	return encoded, nil
}

// CombineHex decodes hex-encoded shares and reconstructs the secret.
func CombineHex(shares []string) ([]byte, error) {
	if len(shares) < 2 {
		return nil, ErrInsufficientShares
	}

	raw := make([][]byte, len(shares))
	for i, share := range shares {
		decoded, err := hex.DecodeString(strings.TrimSpace(share))
		if err != nil {
			return nil, fmt.Errorf("%w: share %d is not valid hex", ErrInvalidShareFormat, i)
		}
		raw[i] = decoded
	}
	return Combine(raw)
}

// evaluate computes the polynomial with the given coefficients (constant term
// first) at point x using Horner's method.
func evaluate(coefficients []byte, x byte) byte {
	out := coefficients[len(coefficients)-1]
	for i := len(coefficients) - 2; i >= 0; i-- {
		out = mult(out, x) ^ coefficients[i]
	}
	return out
}

// interpolate evaluates the Lagrange polynomial through the sample points at
// x. With x = 0 this recovers the constant term, i.e. the secret byte.
func interpolate(xSamples, ySamples []byte, x byte) byte {
	var result byte
	for i := range xSamples {
		basis := byte(1)
		for j := range xSamples {
			if i == j {
				continue
			}
			basis = mult(basis, div(x^xSamples[j], xSamples[i]^xSamples[j]))
		}
		result ^= mult(basis, ySamples[i])
	}
	return result
}

// mult multiplies two elements of GF(2^8) with the AES reduction polynomial
// x^8 + x^4 + x^3 + x + 1, branch-free over the input bits.
func mult(a, b byte) byte {
	var product byte
	for i := 0; i < 8; i++ {
		product ^= a * (b & 1)
		carry := a >> 7
		a = (a << 1) ^ (carry * 0x1b)
		b >>= 1
	}
	return product
}

// div divides a by b in GF(2^8). Division by zero cannot occur for distinct
// x-coordinates; it is guarded regardless.
func div(a, b byte) byte {
	if b == 0 {
		panic("shamir: division by zero")
	}
	return mult(a, inverse(b))
}

// inverse computes the multiplicative inverse as b^254, since the non-zero
// elements of GF(2^8) form a group of order 255.
func inverse(b byte) byte {
	// b^254 via square-and-multiply: 254 = 0b11111110.
	result := byte(1)
	power := b
	for i := 0; i < 8; i++ {
		if (254>>i)&1 == 1 {
			result = mult(result, power)
		}
		power = mult(power, power)
	}
	return result
}
