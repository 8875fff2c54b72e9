package credential

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	josecipher "github.com/go-jose/go-jose/v4/cipher"
	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

const (
	// SecretSize is the size of the credential secret the keys derive from.
	SecretSize = 64
	// WrappingKeySize is the size of the AES key wrapping the secret.
	WrappingKeySize = 32
	// WrappedKeySize is the RFC 3394 output size for SecretSize.
	WrappedKeySize = SecretSize + 8
	// ClaimTokenSize is the size of the claim token.
	ClaimTokenSize = 16

	wrappingKeyChecksum = 3
	wrappedKeyChecksum  = 3
	claimTokenChecksum  = 4
)

// WrappedCredential is an inheritance key or custodian recovery key. The
// secret is wrapped under WrappingKey; the holder of the wrapping key and
// wrapped key (or of the claim token, once the wrapped key is escrowed) can
// reconstruct the key set.
type WrappedCredential struct {
	Kind        peer.Kind
	UUID        uuid.UUID
	WrappingKey []byte
	WrappedKey  []byte
	ClaimToken  []byte

	secret []byte
	keys   *KeySet
}

// NewInheritanceKey creates a fresh inheritance key.
func NewInheritanceKey(id uuid.UUID) (*WrappedCredential, error) {
	return New(peer.KindInheritance, id)
}

// NewCustodianRecoveryKey creates a fresh custodian recovery key.
func NewCustodianRecoveryKey(id uuid.UUID) (*WrappedCredential, error) {
	return New(peer.KindCustodian, id)
}

// New creates a credential of the given kind with a random secret, wrapping
// key and claim token.
func New(kind peer.Kind, id uuid.UUID) (*WrappedCredential, error) {
	if kind != peer.KindInheritance && kind != peer.KindCustodian {
		return nil, fmt.Errorf("%s is not a wrapped credential kind", kind)
	}

	secret := make([]byte, SecretSize)
	wrappingKey := make([]byte, WrappingKeySize)
	claimToken := make([]byte, ClaimTokenSize)
	for _, buf := range [][]byte{secret, wrappingKey, claimToken} {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("could not generate credential material: %w", err)
		}
	}

	wrapped, err := Wrap(secret, wrappingKey)
	if err != nil {
		return nil, err
	}

	w := &WrappedCredential{
		Kind:        kind,
		UUID:        id,
		WrappingKey: wrappingKey,
		WrappedKey:  wrapped,
		ClaimToken:  claimToken,
	}
	if err := w.setSecret(secret); err != nil {
		return nil, err
	}
	return w, nil
}

// Wrap wraps a secret under a 32-byte key with RFC 3394 AES key wrap.
func Wrap(secret []byte, wrappingKey []byte) ([]byte, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes", SecretSize)
	}
	if len(wrappingKey) != WrappingKeySize {
		return nil, fmt.Errorf("wrapping key must be %d bytes", WrappingKeySize)
	}

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return josecipher.KeyWrap(block, secret)
}

// Unwrap reconstructs a credential from its wrapping key and wrapped key.
// Wrong sizes are RecoveryKeyMalformed; an integrity failure is
// RecoveryKeyIncorrect.
func Unwrap(kind peer.Kind, id uuid.UUID, wrappingKey []byte, wrappedKey []byte) (*WrappedCredential, error) {
	secret, err := unwrapSecret(wrappingKey, wrappedKey)
	if err != nil {
		return nil, err
	}

	w := &WrappedCredential{
		Kind:        kind,
		UUID:        id,
		WrappingKey: clone(wrappingKey),
		WrappedKey:  clone(wrappedKey),
	}
	if err := w.setSecret(secret); err != nil {
		return nil, err
	}
	return w, nil
}

func unwrapSecret(wrappingKey []byte, wrappedKey []byte) ([]byte, error) {
	if len(wrappingKey) != WrappingKeySize {
		return nil, interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "wrapping key must be %d bytes, got %d", WrappingKeySize, len(wrappingKey))
	}
	if len(wrappedKey) != WrappedKeySize {
		return nil, interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "wrapped key must be %d bytes, got %d", WrappedKeySize, len(wrappedKey))
	}

	block, err := aes.NewCipher(wrappingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	secret, err := josecipher.KeyUnwrap(block, wrappedKey)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.CodeRecoveryKeyIncorrect, err, "could not unwrap credential")
	}
	return secret, nil
}

// Recreate returns the same key material under a new uuid, and therefore a
// new pseudo-peer ID. Reusing the old uuid is an error.
func Recreate(id uuid.UUID, old *WrappedCredential) (*WrappedCredential, error) {
	if id == old.UUID {
		return nil, errors.New("recreated credential must use a new uuid")
	}
	if !old.IsClaimed() {
		return nil, errors.New("credential has not been claimed")
	}

	w := &WrappedCredential{
		Kind:        old.Kind,
		UUID:        id,
		WrappingKey: clone(old.WrappingKey),
		WrappedKey:  clone(old.WrappedKey),
		ClaimToken:  clone(old.ClaimToken),
	}
	if err := w.setSecret(clone(old.secret)); err != nil {
		return nil, err
	}
	return w, nil
}

// CreateWithClaimTokenAndWrappingKey rebuilds a credential from the two
// fragments a beneficiary holds. It has no key set until Claim supplies the
// escrowed wrapped key.
func CreateWithClaimTokenAndWrappingKey(kind peer.Kind, id uuid.UUID, claimToken []byte, wrappingKey []byte) (*WrappedCredential, error) {
	if len(claimToken) != ClaimTokenSize {
		return nil, interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "claim token must be %d bytes", ClaimTokenSize)
	}
	if len(wrappingKey) != WrappingKeySize {
		return nil, interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "wrapping key must be %d bytes", WrappingKeySize)
	}

	return &WrappedCredential{
		Kind:        kind,
		UUID:        id,
		WrappingKey: clone(wrappingKey),
		ClaimToken:  clone(claimToken),
	}, nil
}

// Claim completes a credential created from a claim token.
func (w *WrappedCredential) Claim(wrappedKey []byte) error {
	secret, err := unwrapSecret(w.WrappingKey, wrappedKey)
	if err != nil {
		return err
	}
	w.WrappedKey = clone(wrappedKey)
	return w.setSecret(secret)
}

func (w *WrappedCredential) setSecret(secret []byte) error {
	keys, err := deriveKeySet(w.Kind, secret, w.UUID)
	if err != nil {
		return err
	}
	w.secret = secret
	w.keys = keys
	return nil
}

// IsClaimed reports whether the key set is available.
func (w *WrappedCredential) IsClaimed() bool {
	return w.keys != nil
}

// KeySet returns the credential's keys, or nil before Claim.
func (w *WrappedCredential) KeySet() *KeySet {
	return w.keys
}

// PeerID returns the pseudo-peer ID, or "" before Claim.
func (w *WrappedCredential) PeerID() interfaces.PeerID {
	if w.keys == nil {
		return ""
	}
	return w.keys.PeerID
}

// IsKeyEquals compares kind and key material in constant time. The UUID is
// not compared, so a recreated credential equals its original.
func (w *WrappedCredential) IsKeyEquals(other *WrappedCredential) bool {
	if other == nil || w.Kind != other.Kind {
		return false
	}
	return subtle.ConstantTimeCompare(w.secret, other.secret) == 1 &&
		subtle.ConstantTimeCompare(w.WrappingKey, other.WrappingKey) == 1 &&
		subtle.ConstantTimeCompare(w.WrappedKey, other.WrappedKey) == 1
}

// ClaimTokenHash is the escrow lookup key for the wrapped key.
func ClaimTokenHash(claimToken []byte) interfaces.ContentID {
	return interfaces.ContentID(sha256.Sum256(append([]byte("octagon-claim-token"), claimToken...)))
}

// WrappingKeyString is the printable wrapping key (14 groups).
func (w *WrappedCredential) WrappingKeyString() (string, error) {
	return cryptoutils.Printable(w.WrappingKey, wrappingKeyChecksum)
}

// WrappedKeyString is the printable wrapped key (30 groups).
func (w *WrappedCredential) WrappedKeyString() (string, error) {
	return cryptoutils.Printable(w.WrappedKey, wrappedKeyChecksum)
}

// ClaimTokenString is the printable claim token (8 groups).
func (w *WrappedCredential) ClaimTokenString() (string, error) {
	return cryptoutils.Printable(w.ClaimToken, claimTokenChecksum)
}

// ParseWrappingKeyString parses a printable wrapping key.
func ParseWrappingKeyString(s string) ([]byte, error) {
	return parseFixed(s, wrappingKeyChecksum, WrappingKeySize, "wrapping key")
}

// ParseWrappedKeyString parses a printable wrapped key.
func ParseWrappedKeyString(s string) ([]byte, error) {
	return parseFixed(s, wrappedKeyChecksum, WrappedKeySize, "wrapped key")
}

// ParseClaimTokenString parses a printable claim token.
func ParseClaimTokenString(s string) ([]byte, error) {
	return parseFixed(s, claimTokenChecksum, ClaimTokenSize, "claim token")
}

func parseFixed(s string, checksumSize int, size int, what string) ([]byte, error) {
	data, err := cryptoutils.ParseBase32(s, checksumSize)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.CodeRecoveryKeyMalformed, err, "invalid %s", what)
	}
	if len(data) != size {
		return nil, interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "%s must be %d bytes, got %d", what, size, len(data))
	}
	return data, nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
