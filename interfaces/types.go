// Package interfaces defines the core interfaces and types shared by the
// trust engine packages. It provides the contract between components without
// implementation details.
package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PeerID identifies a peer in an account's trust graph. Device peers derive it
// from their signing key, credential pseudo-peers from their key set.
type PeerID string

// NewPeerIDFromBytes creates a peer ID from a 32-byte digest.
func NewPeerIDFromBytes(digest []byte) (PeerID, error) {
	if len(digest) != 32 {
		return "", errors.New("invalid peer id length: must be 32 bytes")
	}
	return PeerID(hex.EncodeToString(digest)), nil
}

// String returns the hex representation of the peer ID.
func (id PeerID) String() string {
	return string(id)
}

// Validate checks the peer ID is a 64-character hex string.
func (id PeerID) Validate() error {
	if len(id) != 64 {
		return fmt.Errorf("invalid peer id %q: must be 64 hex characters", string(id))
	}
	if _, err := hex.DecodeString(string(id)); err != nil {
		return fmt.Errorf("invalid peer id %q: %w", string(id), err)
	}
	return nil
}

// Short returns an abbreviated form for logging.
func (id PeerID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// PolicyVersion identifies a policy document by number and content hash.
type PolicyVersion struct {
	Number uint64    `json:"number" cbor:"1,keyasint"`
	Hash   ContentID `json:"hash" cbor:"2,keyasint"`
}

// String returns a compact representation used in logs.
func (v PolicyVersion) String() string {
	return fmt.Sprintf("v%d:%s", v.Number, v.Hash.String()[:16])
}

// IsZero reports whether the version is unset.
func (v PolicyVersion) IsZero() bool {
	return v.Number == 0 && v.Hash == ContentID{}
}

// ParsePolicyVersion parses the "<number>:<hex hash>" form used on the
// command line.
func ParsePolicyVersion(s string) (PolicyVersion, error) {
	num, hash, found := strings.Cut(s, ":")
	if !found {
		return PolicyVersion{}, fmt.Errorf("invalid policy version %q: expected <number>:<hash>", s)
	}

	var number uint64
	if _, err := fmt.Sscanf(num, "%d", &number); err != nil {
		return PolicyVersion{}, fmt.Errorf("invalid policy version number %q: %w", num, err)
	}

	id, err := ParseContentID(hash)
	if err != nil {
		return PolicyVersion{}, err
	}

	return PolicyVersion{Number: number, Hash: id}, nil
}

// AccountID is the opaque alt-DSID of the account that owns a trust graph.
type AccountID string

// ContainerKey addresses one trust graph materialization.
type ContainerKey struct {
	AccountID AccountID `json:"account_id"`
	ContextID string    `json:"context_id"`
}

// String returns "account/context".
func (k ContainerKey) String() string {
	return string(k.AccountID) + "/" + k.ContextID
}

// DefaultContextID is the context used when a caller does not name one.
const DefaultContextID = "defaultContext"
