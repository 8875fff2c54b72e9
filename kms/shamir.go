package kms

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/octagon-trust/cryptoutils"
)

const shareSigningDomain = "octagon.kms.share"

// ShamirKMS keeps the master key split into administrator-held shares. The
// master key is only ever reconstructed in memory.
type ShamirKMS struct {
	mu             sync.RWMutex
	masterKey      []byte
	isUnlocked     bool
	threshold      int
	receivedShares map[int][]byte

	// admin key fingerprint -> uncompressed secp256k1 public key
	adminPubKeys map[string][]byte
}

// ShamirConfig contains configuration parameters for creating a ShamirKMS instance.
type ShamirConfig struct {
	// Threshold is the minimum number of shares required to reconstruct the master key
	Threshold int
	// AdminPubKeys are the uncompressed secp256k1 public keys of the share holders
	AdminPubKeys [][]byte
}

// AdminFingerprint identifies an administrator by public key.
func AdminFingerprint(pubKey []byte) string {
	return hex.EncodeToString(cryptoutils.Keccak256(pubKey))
}

func registerAdmins(pubKeys [][]byte) (map[string][]byte, error) {
	admins := make(map[string][]byte, len(pubKeys))
	for _, pub := range pubKeys {
		if _, err := cryptoutils.ParsePublicKey(pub); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %x: %w", pub, err)
		}
		admins[AdminFingerprint(pub)] = append([]byte{}, pub...)
	}
	return admins, nil
}

// NewShamirKMS splits masterKey into one share per administrator. The
// returned KMS is unlocked; shares[i] belongs to config.AdminPubKeys[i].
func NewShamirKMS(masterKey []byte, config ShamirConfig) (*ShamirKMS, [][]byte, error) {
	shares, err := SplitMasterKey(masterKey, len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, nil, err
	}

	admins, err := registerAdmins(config.AdminPubKeys)
	if err != nil {
		return nil, nil, err
	}

	kms := &ShamirKMS{
		masterKey:      append([]byte{}, masterKey...),
		isUnlocked:     true,
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   admins,
	}
	return kms, shares, nil
}

// NewShamirKMSRecovery creates a locked KMS that waits for shares.
func NewShamirKMSRecovery(config ShamirConfig) (*ShamirKMS, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}

	admins, err := registerAdmins(config.AdminPubKeys)
	if err != nil {
		return nil, err
	}

	return &ShamirKMS{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   admins,
	}, nil
}

// SplitMasterKey splits a master key into total shares, any threshold of
// which reconstruct it.
func SplitMasterKey(masterKey []byte, total, threshold int) ([][]byte, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if total < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	shares, err := shamir.Split(masterKey, total, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}
	return shares, nil
}

// SubmitShare records an administrator's share after checking its signature.
// Reaching the threshold reconstructs the master key and unlocks the KMS.
func (k *ShamirKMS) SubmitShare(shareIndex int, share, signature, adminPubKey []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.isUnlocked {
		return errors.New("KMS is already unlocked")
	}

	registered, found := k.adminPubKeys[AdminFingerprint(adminPubKey)]
	if !found {
		return errors.New("unregistered admin public key")
	}
	if !bytes.Equal(registered, adminPubKey) {
		return errors.New("invalid pubkey passed for a matching fingerprint")
	}

	if !cryptoutils.Verify(adminPubKey, shareSigningDomain, share, signature) {
		return errors.New("invalid signature")
	}

	k.receivedShares[shareIndex] = append([]byte{}, share...)
	return k.tryReconstruct()
}

func (k *ShamirKMS) tryReconstruct() error {
	if len(k.receivedShares) < k.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(k.receivedShares))
	for _, share := range k.receivedShares {
		shares = append(shares, share)
	}

	masterKey, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	if len(masterKey) < MinMasterKeySize {
		return errors.New("reconstructed master key is too short")
	}

	k.masterKey = masterKey
	k.isUnlocked = true

	for i := range k.receivedShares {
		wipeBytes(k.receivedShares[i])
	}
	k.receivedShares = make(map[int][]byte)

	return nil
}

// IsUnlocked reports whether the master key has been reconstructed.
func (k *ShamirKMS) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.isUnlocked
}

// ReceivedShares is the number of shares submitted since the last unlock.
func (k *ShamirKMS) ReceivedShares() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.receivedShares)
}

// Threshold is the number of shares needed to unlock.
func (k *ShamirKMS) Threshold() int {
	return k.threshold
}

// SimpleKMS returns a key deriver over the reconstructed master key, or nil
// while locked.
func (k *ShamirKMS) SimpleKMS() *SimpleKMS {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return nil
	}
	return &SimpleKMS{masterKey: k.masterKey}
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SignShare signs a share with an administrator's key for SubmitShare.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return cryptoutils.Sign(privateKey, shareSigningDomain, share)
}
