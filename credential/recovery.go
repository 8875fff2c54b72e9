package credential

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

const (
	// RecoveryKeyEntropy is the number of random bytes in a recovery key.
	RecoveryKeyEntropy = 16
	// RecoveryKeyChecksum is the checksum size of the recovery key string.
	RecoveryKeyChecksum = 1

	recoverySeedSize = 64
)

// recoveryNamespace scopes name-based recovery key uuids.
var recoveryNamespace = uuid.MustParse("4c0a6c1e-3f4b-5d7e-9a1b-2c3d4e5f6a7b")

// GenerateRecoveryKey creates a new human-presentable recovery key, seven
// groups of four characters.
func GenerateRecoveryKey() (string, error) {
	entropy := make([]byte, RecoveryKeyEntropy)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("could not generate recovery key: %w", err)
	}
	return cryptoutils.Printable(entropy, RecoveryKeyChecksum)
}

// ParseRecoveryKey validates a recovery key string and returns its entropy.
// Any formatting or checksum problem is RecoveryKeyMalformed.
func ParseRecoveryKey(recoveryKey string) ([]byte, error) {
	entropy, err := cryptoutils.ParseBase32(recoveryKey, RecoveryKeyChecksum)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.CodeRecoveryKeyMalformed, err, "recovery key is not valid")
	}
	if len(entropy) != RecoveryKeyEntropy {
		return nil, interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "recovery key carries %d bytes, expected %d", len(entropy), RecoveryKeyEntropy)
	}
	return entropy, nil
}

// ValidateRecoveryKey checks a recovery key string without deriving keys.
func ValidateRecoveryKey(recoveryKey string) error {
	_, err := ParseRecoveryKey(recoveryKey)
	return err
}

// NewRecoveryKeySet derives the recovery key set for an account. The salt
// is the account's alt-DSID, so one string yields different keys per account.
func NewRecoveryKeySet(recoveryKey string, salt string) (*KeySet, error) {
	if salt == "" {
		return nil, errors.New("recovery key salt must not be empty")
	}

	entropy, err := ParseRecoveryKey(recoveryKey)
	if err != nil {
		return nil, err
	}

	seed := cryptoutils.DeriveFromPassphrase(entropy, []byte(salt), recoverySeedSize)
	ks, err := deriveKeySet(peer.KindRecovery, seed, uuid.Nil)
	if err != nil {
		return nil, err
	}
	ks.setUUID(RecoveryUUID(ks.SigningPublicKey()))
	return ks, nil
}

// RecoveryUUID is the name-based uuid of a recovery key, computable by any
// peer that sees the public key.
func RecoveryUUID(signingPublicKey []byte) uuid.UUID {
	return uuid.NewSHA1(recoveryNamespace, signingPublicKey)
}

// RecoveryPeerID is the pseudo-peer ID every observer derives for a
// recovery signing key.
func RecoveryPeerID(signingPublicKey []byte) interfaces.PeerID {
	return peer.DeriveCredentialPeerID(peer.KindRecovery, signingPublicKey, RecoveryUUID(signingPublicKey).String())
}
