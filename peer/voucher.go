package peer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
)

// Voucher is a sponsor's signed statement admitting a beneficiary under a
// policy version.
type Voucher struct {
	Beneficiary   interfaces.PeerID        `json:"beneficiary" cbor:"1,keyasint"`
	Sponsor       interfaces.PeerID        `json:"sponsor" cbor:"2,keyasint"`
	PolicyVersion interfaces.PolicyVersion `json:"policy_version" cbor:"3,keyasint"`
	Reason        string                   `json:"reason,omitempty" cbor:"4,keyasint,omitempty"`
}

// SignedVoucher is a voucher with the sponsor's signature over its
// statement.
type SignedVoucher struct {
	Voucher Voucher `json:"voucher" cbor:"1,keyasint"`
	Sig     []byte  `json:"sig" cbor:"2,keyasint"`
}

// Statement computes the canonical bytes a sponsor signs.
func (v Voucher) Statement() ([]byte, error) {
	stringTy, _ := abi.NewType("string", "", nil)
	uintTy, _ := abi.NewType("uint64", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)

	arguments := abi.Arguments{
		{Type: stringTy},
		{Type: stringTy},
		{Type: uintTy},
		{Type: bytes32Ty},
		{Type: stringTy},
	}

	packed, err := arguments.Pack(
		string(v.Beneficiary),
		string(v.Sponsor),
		v.PolicyVersion.Number,
		[32]byte(v.PolicyVersion.Hash),
		v.Reason,
	)
	if err != nil {
		return nil, fmt.Errorf("could not pack voucher statement: %w", err)
	}
	return packed, nil
}

// SignVoucher signs a voucher with the sponsor's signing key.
func SignVoucher(key *ecdsa.PrivateKey, v Voucher) (SignedVoucher, error) {
	statement, err := v.Statement()
	if err != nil {
		return SignedVoucher{}, err
	}

	sig, err := cryptoutils.Sign(key, domainVoucher, statement)
	if err != nil {
		return SignedVoucher{}, fmt.Errorf("could not sign voucher: %w", err)
	}
	return SignedVoucher{Voucher: v, Sig: sig}, nil
}

// Verify checks the voucher against the sponsor's signing key.
func (sv SignedVoucher) Verify(sponsorSigningKey []byte) error {
	statement, err := sv.Voucher.Statement()
	if err != nil {
		return err
	}
	if !cryptoutils.Verify(sponsorSigningKey, domainVoucher, statement, sv.Sig) {
		return interfaces.NewError(interfaces.CodeInvalidSignature, "voucher for %s by %s", sv.Voucher.Beneficiary.Short(), sv.Voucher.Sponsor.Short())
	}
	return nil
}

// ID identifies a voucher for deduplication.
func (sv SignedVoucher) ID() string {
	return fmt.Sprintf("%x", cryptoutils.Keccak256(sv.Sig))
}
