// Package credential implements the account recovery credentials: the
// user-held recovery key, and the wrapped inheritance and custodian keys
// that can be handed to another person. Each credential owns a signing and
// an encryption key pair and appears in the trust graph as a pseudo-peer.
package credential

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

// KeySet is the key material and identity of one credential.
type KeySet struct {
	Kind       peer.Kind
	UUID       uuid.UUID
	Signing    *ecdsa.PrivateKey
	Encryption *ecdsa.PrivateKey
	PeerID     interfaces.PeerID
}

func deriveKeySet(kind peer.Kind, seed []byte, id uuid.UUID) (*KeySet, error) {
	salt := []byte("octagon-credential-" + kind.String())

	signing, err := cryptoutils.DeriveKey(seed, salt, "signing")
	if err != nil {
		return nil, fmt.Errorf("could not derive %s signing key: %w", kind, err)
	}

	encryption, err := cryptoutils.DeriveKey(seed, salt, "encryption")
	if err != nil {
		return nil, fmt.Errorf("could not derive %s encryption key: %w", kind, err)
	}

	ks := &KeySet{Kind: kind, Signing: signing, Encryption: encryption}
	ks.setUUID(id)
	return ks, nil
}

func (ks *KeySet) setUUID(id uuid.UUID) {
	ks.UUID = id
	ks.PeerID = peer.DeriveCredentialPeerID(ks.Kind, ks.SigningPublicKey(), id.String())
}

func (ks *KeySet) SigningPublicKey() []byte {
	return cryptoutils.PublicKeyBytes(ks.Signing)
}

func (ks *KeySet) EncryptionPublicKey() []byte {
	return cryptoutils.PublicKeyBytes(ks.Encryption)
}

// Keys returns the key pair in the form used for signing peer records.
func (ks *KeySet) Keys() *peer.Keys {
	return &peer.Keys{Signing: ks.Signing, Encryption: ks.Encryption}
}

// PermanentInfo describes the credential's pseudo-peer.
func (ks *KeySet) PermanentInfo() peer.PermanentInfo {
	return peer.PermanentInfo{
		PeerID:              ks.PeerID,
		Kind:                ks.Kind,
		SigningPublicKey:    ks.SigningPublicKey(),
		EncryptionPublicKey: ks.EncryptionPublicKey(),
		Epoch:               1,
		UUID:                ks.UUID.String(),
	}
}

// Identity is the pseudo-peer's self-signed permanent info, which proves
// possession of the credential.
func (ks *KeySet) Identity() (peer.Signed[peer.PermanentInfo], error) {
	return peer.Sign(ks.Signing, ks.PermanentInfo())
}

// Vouch signs a credential voucher admitting beneficiary.
func (ks *KeySet) Vouch(beneficiary interfaces.PeerID, version interfaces.PolicyVersion) (peer.SignedVoucher, error) {
	return peer.SignVoucher(ks.Signing, peer.Voucher{
		Beneficiary:   beneficiary,
		Sponsor:       ks.PeerID,
		PolicyVersion: version,
		Reason:        ks.Kind.String(),
	})
}
