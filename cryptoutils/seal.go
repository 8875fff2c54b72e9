package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/crypto/chacha20poly1305"
)

// SealToPublicKey encrypts data to an uncompressed secp256k1 public key using
// ECIES. The context is authenticated but not encrypted.
func SealToPublicKey(pub []byte, data []byte, context []byte) ([]byte, error) {
	publicKey, err := ParsePublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}

	ciphertext, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(publicKey), data, nil, context)
	if err != nil {
		return nil, fmt.Errorf("ecies encryption failed: %w", err)
	}
	return ciphertext, nil
}

// OpenWithPrivateKey decrypts data sealed with SealToPublicKey.
func OpenWithPrivateKey(key *ecdsa.PrivateKey, ciphertext []byte, context []byte) ([]byte, error) {
	plaintext, err := ecies.ImportECDSA(key).Decrypt(ciphertext, nil, context)
	if err != nil {
		return nil, fmt.Errorf("ecies decryption failed: %w", err)
	}
	return plaintext, nil
}

// SymmetricKeySize is the key size for EncryptSymmetric.
const SymmetricKeySize = chacha20poly1305.KeySize

// EncryptSymmetric encrypts with ChaCha20-Poly1305 under a random nonce.
// Format: [nonce (12 bytes)][ciphertext]
func EncryptSymmetric(key []byte, plaintext []byte, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// DecryptSymmetric reverses EncryptSymmetric.
func DecryptSymmetric(key []byte, ciphertext []byte, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := aead.Open(nil, ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
