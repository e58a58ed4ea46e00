// Package shamir implements Shamir's Secret Sharing over GF(2^8).
//
// A secret of arbitrary byte length is split into N shares such that any K of
// them reconstruct it exactly, while any subset of fewer than K shares carries
// zero information about the secret. Each byte of the secret is the constant
// term of an independent random polynomial of degree K-1; a share holds one
// evaluation of every polynomial, tagged with the evaluation point.
//
// # Share Format
//
// A raw share is len(secret)+1 bytes:
//
//	[y_0 ... y_(len-1)][x]
//
// where x is the share's non-zero evaluation point (the x-coordinate) and y_i
// is the evaluation of the polynomial for secret byte i. Because the
// x-coordinate travels inside the share, reconstruction is independent of
// share order and of which K-subset is supplied. For transport between the
// split and combine boundary, shares are lowercase hex strings
// (SplitHex/CombineHex); the encoding is fixed so shares can be copy-pasted
// by end users without reordering ambiguity.
//
// # Wrong-Secret Hazard
//
// Combine cannot tell whether the supplied shares meet the original
// threshold. Given fewer than K shares from a K>2 split it silently produces
// a wrong value - this is inherent to the scheme, not a defect. Callers that
// need to detect an insufficient subset must layer an external integrity
// check over the reconstructed secret.
//
// Split and Combine are pure: no I/O, no persistent state. Splitting is
// randomized (fresh coefficients per call); combining is deterministic for a
// fixed share subset.
package shamir
