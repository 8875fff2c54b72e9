package peer

import (
	"crypto/sha256"
	"fmt"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/interfaces"
)

// Revision is one change-feed entry: a peer's permanent info together with
// the stable and dynamic infos and vouchers it was published with.
// Credential pseudo-peers carry only permanent info.
type Revision struct {
	Permanent Signed[PermanentInfo] `json:"permanent" cbor:"1,keyasint"`
	Stable    *Signed[StableInfo]   `json:"stable,omitempty" cbor:"2,keyasint,omitempty"`
	Dynamic   *Signed[DynamicInfo]  `json:"dynamic,omitempty" cbor:"3,keyasint,omitempty"`
	Vouchers  []SignedVoucher       `json:"vouchers,omitempty" cbor:"4,keyasint,omitempty"`
}

// Hash identifies a revision's exact content.
func (r *Revision) Hash() interfaces.ContentID {
	return interfaces.ContentID(sha256.Sum256(codec.MustMarshal(r)))
}

// Verified is a revision whose signatures and identity have been checked.
type Verified struct {
	Permanent *PermanentInfo
	Stable    *StableInfo
	Dynamic   *DynamicInfo
	Raw       *Revision
}

// PeerID returns the verified peer ID.
func (v *Verified) PeerID() interfaces.PeerID {
	return v.Permanent.PeerID
}

// Verify checks the permanent info is self-signed with a key matching its
// peer ID, and that stable and dynamic infos are signed by the same key.
// Vouchers are checked by the trust graph, which knows the sponsors.
func (r *Revision) Verify() (*Verified, error) {
	perm, err := r.Permanent.Decode()
	if err != nil {
		return nil, err
	}

	if _, err := r.Permanent.Verify(perm.SigningPublicKey); err != nil {
		return nil, fmt.Errorf("permanent info of %s: %w", perm.PeerID.Short(), err)
	}

	if expected := perm.ExpectedPeerID(); expected != perm.PeerID {
		return nil, interfaces.NewError(interfaces.CodeInvalidArgument, "peer id %s does not match its %s key (expected %s)", perm.PeerID.Short(), perm.Kind, expected.Short())
	}

	verified := &Verified{Permanent: perm, Raw: r}

	if perm.Kind.IsCredential() {
		if r.Stable != nil || r.Dynamic != nil {
			return nil, interfaces.NewError(interfaces.CodeInvalidArgument, "%s pseudo-peer %s carries trust records", perm.Kind, perm.PeerID.Short())
		}
		return verified, nil
	}

	if r.Stable != nil {
		verified.Stable, err = r.Stable.Verify(perm.SigningPublicKey)
		if err != nil {
			return nil, fmt.Errorf("stable info of %s: %w", perm.PeerID.Short(), err)
		}
	}

	if r.Dynamic != nil {
		verified.Dynamic, err = r.Dynamic.Verify(perm.SigningPublicKey)
		if err != nil {
			return nil, fmt.Errorf("dynamic info of %s: %w", perm.PeerID.Short(), err)
		}
	}

	return verified, nil
}

// NewDeviceIdentity signs the permanent info for a device.
func NewDeviceIdentity(keys *Keys, epoch uint64, device interfaces.DeviceInfo) (Signed[PermanentInfo], *PermanentInfo, error) {
	perm := PermanentInfo{
		PeerID:              keys.PeerID(),
		Kind:                KindDevice,
		SigningPublicKey:    keys.SigningPublicKey(),
		EncryptionPublicKey: keys.EncryptionPublicKey(),
		Epoch:               epoch,
		MachineID:           device.MachineID,
		ModelID:             device.ModelID,
	}

	signed, err := Sign(keys.Signing, perm)
	if err != nil {
		return Signed[PermanentInfo]{}, nil, err
	}
	return signed, &perm, nil
}
