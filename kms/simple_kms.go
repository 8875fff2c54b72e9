package kms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

// MinMasterKeySize is the minimum accepted master key length.
const MinMasterKeySize = 32

// SimpleKMS derives peer keys deterministically from a master key.
type SimpleKMS struct {
	masterKey []byte
	mu        sync.RWMutex
}

// NewSimpleKMS creates a new instance with the provided master key.
// The master key must be at least 32 bytes long.
func NewSimpleKMS(masterKey []byte) (*SimpleKMS, error) {
	if len(masterKey) < MinMasterKeySize {
		return nil, errors.New("master key must be at least 32 bytes")
	}

	return &SimpleKMS{masterKey: append([]byte{}, masterKey...)}, nil
}

// PeerKeys derives the key pair of the local peer of a container. Each
// nonce yields an unrelated identity.
func (k *SimpleKMS) PeerKeys(key interfaces.ContainerKey, nonce uint64) (*peer.Keys, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	salt := peerSalt(key, nonce)

	signing, err := cryptoutils.DeriveKey(k.masterKey, salt, "peer-signing")
	if err != nil {
		return nil, fmt.Errorf("could not derive signing key for %s: %w", key, err)
	}

	encryption, err := cryptoutils.DeriveKey(k.masterKey, salt, "peer-encryption")
	if err != nil {
		return nil, fmt.Errorf("could not derive encryption key for %s: %w", key, err)
	}

	return &peer.Keys{Signing: signing, Encryption: encryption}, nil
}

// peerSalt binds derived keys to the container and nonce. Lengths are
// prefixed so distinct (account, context) pairs never collide.
func peerSalt(key interfaces.ContainerKey, nonce uint64) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key.AccountID)))
	buf = append(buf, key.AccountID...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key.ContextID)))
	buf = append(buf, key.ContextID...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	return cryptoutils.Keccak256([]byte("octagon-peer-keys"), buf)
}
