// Package cryptoutils holds the cryptographic primitives octagon is built on.
//
// Peers use secp256k1 keys from go-ethereum. Sign and Verify bind every
// signature to a domain string so a signature over one kind of record cannot
// be replayed as another. DeriveKey and ExpandKey derive keys from a seed with
// HKDF-SHA256.
//
// SealToPublicKey and OpenWithPrivateKey encrypt to a peer's public key with
// ECIES; key shares and administrator shares are sealed this way.
// EncryptSymmetric is ChaCha20-Poly1305 with a random nonce.
//
// DeriveFromPassphrase stretches a human-entered secret such as a recovery
// key with Argon2id.
//
// Printable and ParseBase32 convert between bytes and the dash-grouped base32
// with a checksum used for recovery keys, wrapping keys and claim tokens:
//
//	s, _ := cryptoutils.Printable(key, 3)
//	// "ABCD-EFGH-..."
//	key, err := cryptoutils.ParseBase32(s, 3)
package cryptoutils
