// Package feed defines the remote change feed the trust engine synchronizes
// with, an in-memory implementation with full server-side validation, and a
// retrying decorator for the read paths.
package feed

import (
	"context"

	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
)

// Batch is the result of one fetch.
type Batch struct {
	// Revisions are the peer revisions appended since the requested cursor.
	Revisions []peer.Revision `json:"revisions" cbor:"1,keyasint"`
	// KeyShares are shares addressed to the fetching peer.
	KeyShares []peer.KeyShare `json:"key_shares,omitempty" cbor:"2,keyasint,omitempty"`
	// Cursor is the position to fetch from next time.
	Cursor uint64 `json:"cursor" cbor:"3,keyasint"`
	// Reset is set when the account was reset after the requested cursor;
	// Revisions then hold the complete new account state.
	Reset bool `json:"reset,omitempty" cbor:"4,keyasint,omitempty"`
}

// JoinRequest is a candidate's signed bundle.
type JoinRequest struct {
	Revision  peer.Revision   `json:"revision"`
	KeyShares []peer.KeyShare `json:"key_shares,omitempty"`
}

// Feed is the remote store of an account's trust graph. Mutations are
// acknowledged once durable; they become visible to every peer on its next
// fetch. Rejections carry an *interfaces.Error with a stable code.
type Feed interface {
	// FetchChanges returns revisions appended after cursor and the key
	// shares addressed to receiver.
	FetchChanges(ctx context.Context, key interfaces.ContainerKey, cursor uint64, receiver interfaces.PeerID) (*Batch, error)

	// FetchPolicyDocuments returns the requested documents the server
	// holds. Unknown versions are omitted.
	FetchPolicyDocuments(ctx context.Context, versions []interfaces.PolicyVersion) ([]*policy.Document, error)

	// PrevailingPolicy returns the version new peers freeze.
	PrevailingPolicy(ctx context.Context) (interfaces.PolicyVersion, error)

	// Establish creates the account's trust graph with a first peer.
	Establish(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) error

	// Join admits a candidate carrying a valid voucher.
	Join(ctx context.Context, key interfaces.ContainerKey, req JoinRequest) (interfaces.PeerID, error)

	// Update publishes a member's new stable and dynamic infos.
	Update(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) error

	// Reset discards the account's trust graph.
	Reset(ctx context.Context, key interfaces.ContainerKey) error

	// SetRecoveryKey registers the account recovery key.
	SetRecoveryKey(ctx context.Context, key interfaces.ContainerKey, sender interfaces.PeerID, signingKey, encryptionKey []byte) error

	// RemoveRecoveryKey unregisters the recovery key; its pseudo-peer can
	// never be registered again.
	RemoveRecoveryKey(ctx context.Context, key interfaces.ContainerKey, sender interfaces.PeerID) error

	// CheckRecoveryKey reports whether the recovery pseudo-peer is the one
	// registered for the account.
	CheckRecoveryKey(ctx context.Context, key interfaces.ContainerKey, recoveryPeer interfaces.PeerID) error

	// AddCredential registers an inheritance or custodian pseudo-peer from
	// its self-signed identity.
	AddCredential(ctx context.Context, key interfaces.ContainerKey, identity peer.Revision) error

	// RemoveCredential unregisters a pseudo-peer permanently.
	RemoveCredential(ctx context.Context, key interfaces.ContainerKey, id interfaces.PeerID) error

	// CheckCredential reports whether a pseudo-peer is registered and trusted.
	CheckCredential(ctx context.Context, key interfaces.ContainerKey, id interfaces.PeerID) error

	// EscrowWrappedKey stores a wrapped credential under its claim token hash.
	EscrowWrappedKey(ctx context.Context, key interfaces.ContainerKey, tokenHash interfaces.ContentID, wrappedKey []byte) error

	// ClaimWrappedKey returns an escrowed wrapped credential.
	ClaimWrappedKey(ctx context.Context, key interfaces.ContainerKey, tokenHash interfaces.ContentID) ([]byte, error)

	// UploadKeyShares stores key shares for their receivers.
	UploadKeyShares(ctx context.Context, key interfaces.ContainerKey, shares []peer.KeyShare) error
}
