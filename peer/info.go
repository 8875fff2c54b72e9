// Package peer defines the signed records each peer publishes to the change
// feed: its permanent identity, its stable (slowly changing) attributes and
// its dynamic trust opinion, plus the vouchers and key shares exchanged
// during admission.
package peer

import (
	"crypto/ecdsa"
	"fmt"
	"slices"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
)

// Kind distinguishes device peers from credential pseudo-peers.
type Kind uint8

const (
	KindDevice Kind = iota
	KindRecovery
	KindInheritance
	KindCustodian
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindRecovery:
		return "recovery"
	case KindInheritance:
		return "inheritance"
	case KindCustodian:
		return "custodian"
	default:
		return "unknown"
	}
}

// IsCredential reports whether the kind is a credential pseudo-peer.
func (k Kind) IsCredential() bool {
	return k != KindDevice
}

// Signing domains. Each record type is signed under its own domain.
const (
	domainPermanent = "octagon.peer.permanent"
	domainStable    = "octagon.peer.stable"
	domainDynamic   = "octagon.peer.dynamic"
	domainVoucher   = "octagon.peer.voucher"
	domainKeyShare  = "octagon.peer.keyshare"
)

// PermanentInfo never changes for the lifetime of a peer.
type PermanentInfo struct {
	PeerID              interfaces.PeerID `json:"peer_id" cbor:"1,keyasint"`
	Kind                Kind              `json:"kind" cbor:"2,keyasint"`
	SigningPublicKey    []byte            `json:"signing_public_key" cbor:"3,keyasint"`
	EncryptionPublicKey []byte            `json:"encryption_public_key" cbor:"4,keyasint"`
	Epoch               uint64            `json:"epoch" cbor:"5,keyasint"`
	MachineID           string            `json:"machine_id,omitempty" cbor:"6,keyasint,omitempty"`
	ModelID             string            `json:"model_id,omitempty" cbor:"7,keyasint,omitempty"`
	UUID                string            `json:"uuid,omitempty" cbor:"8,keyasint,omitempty"`
}

func (PermanentInfo) signingDomain() string { return domainPermanent }

// ExpectedPeerID derives the peer ID the permanent info must carry.
func (p *PermanentInfo) ExpectedPeerID() interfaces.PeerID {
	if p.Kind == KindDevice {
		return DerivePeerID(p.SigningPublicKey)
	}
	return DeriveCredentialPeerID(p.Kind, p.SigningPublicKey, p.UUID)
}

// StableInfo changes rarely and is versioned by a peer-local Clock.
type StableInfo struct {
	Clock                       uint64                    `json:"clock" cbor:"1,keyasint"`
	FrozenPolicyVersion         interfaces.PolicyVersion  `json:"frozen_policy_version" cbor:"2,keyasint"`
	FlexiblePolicyVersion       *interfaces.PolicyVersion `json:"flexible_policy_version,omitempty" cbor:"3,keyasint,omitempty"`
	PolicySecrets               map[string][]byte         `json:"policy_secrets,omitempty" cbor:"4,keyasint,omitempty"`
	RecoverySigningPublicKey    []byte                    `json:"recovery_signing_public_key,omitempty" cbor:"5,keyasint,omitempty"`
	RecoveryEncryptionPublicKey []byte                    `json:"recovery_encryption_public_key,omitempty" cbor:"6,keyasint,omitempty"`
	DeviceName                  string                    `json:"device_name,omitempty" cbor:"7,keyasint,omitempty"`
	SerialNumber                string                    `json:"serial_number,omitempty" cbor:"8,keyasint,omitempty"`
	OSVersion                   string                    `json:"os_version,omitempty" cbor:"9,keyasint,omitempty"`
}

func (StableInfo) signingDomain() string { return domainStable }

// EffectivePolicyVersion is the flexible version when set, else the frozen one.
func (s *StableInfo) EffectivePolicyVersion() interfaces.PolicyVersion {
	if s.FlexiblePolicyVersion != nil {
		return *s.FlexiblePolicyVersion
	}
	return s.FrozenPolicyVersion
}

// HasRecoveryKeys reports whether both recovery public keys are present.
func (s *StableInfo) HasRecoveryKeys() bool {
	return len(s.RecoverySigningPublicKey) > 0 && len(s.RecoveryEncryptionPublicKey) > 0
}

// Next returns a copy with the clock advanced.
func (s StableInfo) Next() StableInfo {
	s.Clock++
	return s
}

// CheckSuccessor returns an InvalidArgument error unless next may replace s.
// The frozen policy version never changes, and a flexible version once set
// is never unset or lowered.
func (s *StableInfo) CheckSuccessor(next *StableInfo) error {
	if next.FrozenPolicyVersion != s.FrozenPolicyVersion {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "frozen policy version changed from %s to %s",
			s.FrozenPolicyVersion, next.FrozenPolicyVersion)
	}
	if s.FlexiblePolicyVersion == nil {
		return nil
	}
	if next.FlexiblePolicyVersion == nil {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "flexible policy version %s was unset", *s.FlexiblePolicyVersion)
	}
	if next.FlexiblePolicyVersion.Number < s.FlexiblePolicyVersion.Number {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "flexible policy version lowered from %s to %s",
			*s.FlexiblePolicyVersion, *next.FlexiblePolicyVersion)
	}
	return nil
}

// DynamicInfo is the peer's current trust opinion.
type DynamicInfo struct {
	Clock        uint64              `json:"clock" cbor:"1,keyasint"`
	Included     []interfaces.PeerID `json:"included" cbor:"2,keyasint"`
	Excluded     []interfaces.PeerID `json:"excluded,omitempty" cbor:"3,keyasint,omitempty"`
	Preapprovals []string            `json:"preapprovals,omitempty" cbor:"4,keyasint,omitempty"`
}

func (DynamicInfo) signingDomain() string { return domainDynamic }

// Normalize sorts and deduplicates the sets so equal opinions encode equally.
func (d *DynamicInfo) Normalize() {
	d.Included = sortedUnique(d.Included)
	d.Excluded = sortedUnique(d.Excluded)
	d.Preapprovals = sortedUnique(d.Preapprovals)
}

// SameOpinion compares the sets, ignoring the clock.
func (d *DynamicInfo) SameOpinion(other *DynamicInfo) bool {
	return slices.Equal(d.Included, other.Included) &&
		slices.Equal(d.Excluded, other.Excluded) &&
		slices.Equal(d.Preapprovals, other.Preapprovals)
}

// Includes reports whether id is in the included set.
func (d *DynamicInfo) Includes(id interfaces.PeerID) bool {
	return slices.Contains(d.Included, id)
}

// Excludes reports whether id is in the excluded set.
func (d *DynamicInfo) Excludes(id interfaces.PeerID) bool {
	return slices.Contains(d.Excluded, id)
}

func sortedUnique[T ~string](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

// DerivePeerID derives a device peer ID from its signing public key.
func DerivePeerID(signingPublicKey []byte) interfaces.PeerID {
	id, _ := interfaces.NewPeerIDFromBytes(cryptoutils.Keccak256(signingPublicKey))
	return id
}

// DeriveCredentialPeerID derives a pseudo-peer ID. The uuid is part of the
// identity, so recreating a credential under a new uuid yields a new peer.
func DeriveCredentialPeerID(kind Kind, signingPublicKey []byte, uuid string) interfaces.PeerID {
	id, _ := interfaces.NewPeerIDFromBytes(cryptoutils.Keccak256([]byte{byte(kind)}, signingPublicKey, []byte(uuid)))
	return id
}

// PreapprovalFor is the value a peer lists to preapprove a signing key.
func PreapprovalFor(signingPublicKey []byte) string {
	return fmt.Sprintf("%x", cryptoutils.Keccak256(signingPublicKey))
}

type signable interface {
	PermanentInfo | StableInfo | DynamicInfo
	signingDomain() string
}

// Signed carries the deterministic encoding of an info record and the
// owner's signature over it.
type Signed[T signable] struct {
	Data []byte `json:"data" cbor:"1,keyasint"`
	Sig  []byte `json:"sig" cbor:"2,keyasint"`
}

// Sign encodes and signs an info record.
func Sign[T signable](key *ecdsa.PrivateKey, info T) (Signed[T], error) {
	data, err := codec.Marshal(info)
	if err != nil {
		return Signed[T]{}, fmt.Errorf("could not encode %T: %w", info, err)
	}

	sig, err := cryptoutils.Sign(key, info.signingDomain(), data)
	if err != nil {
		return Signed[T]{}, fmt.Errorf("could not sign %T: %w", info, err)
	}

	return Signed[T]{Data: data, Sig: sig}, nil
}

// Decode returns the record without checking the signature.
func (s Signed[T]) Decode() (*T, error) {
	var v T
	if err := codec.Unmarshal(s.Data, &v); err != nil {
		return nil, fmt.Errorf("could not decode %T: %w", v, err)
	}
	return &v, nil
}

// Verify checks the signature against pub and decodes the record.
func (s Signed[T]) Verify(pub []byte) (*T, error) {
	var zero T
	if !cryptoutils.Verify(pub, zero.signingDomain(), s.Data, s.Sig) {
		return nil, interfaces.NewError(interfaces.CodeInvalidSignature, "bad %T signature", zero)
	}
	return s.Decode()
}

// IsZero reports whether the envelope is empty.
func (s Signed[T]) IsZero() bool {
	return len(s.Data) == 0 && len(s.Sig) == 0
}

// Keys are a peer's private keys.
type Keys struct {
	Signing    *ecdsa.PrivateKey
	Encryption *ecdsa.PrivateKey
}

// GenerateKeys creates fresh signing and encryption keys.
func GenerateKeys() (*Keys, error) {
	signing, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, err
	}
	encryption, err := cryptoutils.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Keys{Signing: signing, Encryption: encryption}, nil
}

func (k *Keys) SigningPublicKey() []byte {
	return cryptoutils.PublicKeyBytes(k.Signing)
}

func (k *Keys) EncryptionPublicKey() []byte {
	return cryptoutils.PublicKeyBytes(k.Encryption)
}

// PeerID returns the device peer ID for these keys.
func (k *Keys) PeerID() interfaces.PeerID {
	return DerivePeerID(k.SigningPublicKey())
}
