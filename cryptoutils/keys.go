package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// PublicKeyLength is the length of an uncompressed secp256k1 public key.
const PublicKeyLength = 65

// SignatureLength is the length of a recoverable secp256k1 signature.
const SignatureLength = 65

// GenerateKey creates a fresh secp256k1 key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// DeriveKey derives a secp256k1 key deterministically from seed material and
// a label. Candidates outside the curve order are skipped by bumping a
// counter, so the result is always a valid scalar.
func DeriveKey(seed []byte, salt []byte, label string) (*ecdsa.PrivateKey, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed must be at least 16 bytes")
	}

	for counter := uint32(0); counter < 256; counter++ {
		info := make([]byte, 4, 4+len(label))
		binary.BigEndian.PutUint32(info, counter)
		info = append(info, label...)

		scalar := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, seed, salt, info), scalar); err != nil {
			return nil, fmt.Errorf("hkdf expansion failed: %w", err)
		}

		key, err := crypto.ToECDSA(scalar)
		if err == nil {
			return key, nil
		}
	}

	return nil, errors.New("could not derive a valid secp256k1 key")
}

// ExpandKey returns length bytes of HKDF-SHA256 output.
func ExpandKey(secret []byte, salt []byte, label string, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(label)), out); err != nil {
		return nil, fmt.Errorf("hkdf expansion failed: %w", err)
	}
	return out, nil
}

// PublicKeyBytes returns the uncompressed encoding of the key's public half.
func PublicKeyBytes(key *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSAPub(&key.PublicKey)
}

// ParsePublicKey parses an uncompressed secp256k1 public key.
func ParsePublicKey(pub []byte) (*ecdsa.PublicKey, error) {
	if len(pub) != PublicKeyLength {
		return nil, fmt.Errorf("invalid public key length %d", len(pub))
	}
	return crypto.UnmarshalPubkey(pub)
}

// PrivateKeyBytes returns the 32-byte scalar of the key.
func PrivateKeyBytes(key *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSA(key)
}

// ParsePrivateKey parses a 32-byte secp256k1 scalar.
func ParsePrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	return crypto.ToECDSA(d)
}

// SigningHash binds data to a domain separator so signatures over one kind of
// record can never be replayed as another.
func SigningHash(domain string, data []byte) []byte {
	return crypto.Keccak256([]byte(domain), []byte{0}, data)
}

// Sign signs data under a domain separator.
func Sign(key *ecdsa.PrivateKey, domain string, data []byte) ([]byte, error) {
	return crypto.Sign(SigningHash(domain, data), key)
}

// Verify checks a signature produced by Sign against an uncompressed public key.
func Verify(pub []byte, domain string, data []byte, sig []byte) bool {
	if len(sig) != SignatureLength || len(pub) != PublicKeyLength {
		return false
	}
	return crypto.VerifySignature(pub, SigningHash(domain, data), sig[:64])
}

// Keccak256 hashes the concatenation of its arguments.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
