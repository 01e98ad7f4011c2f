// Package crypto implements the per-session homophonic substitution cipher
// used to obscure chat traffic on the wire.
//
// Each plaintext byte value owns 8 interchangeable 16-bit slot codes; the 256
// slot groups partition the range [0, 2048) with no overlap. Encryption picks
// one of the 8 slots at random per byte, which hides plaintext frequency
// patterns better than a plain substitution table while keeping encoding O(1)
// per byte.
//
// This is an obfuscation layer, not a security boundary. The key is generated
// by the client and transmitted to the server in the clear before any other
// protection is in place, so an observer of the key exchange can decode the
// whole session. Strengthening the scheme would break wire compatibility and
// is deliberately out of scope.
package crypto
