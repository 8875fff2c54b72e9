package container

import (
	"context"
	"log/slog"

	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
)

// KeySource derives the local peer's keys. The nonce changes whenever the
// container is reset so a new identity is used afterwards.
type KeySource interface {
	PeerKeys(key interfaces.ContainerKey, nonce uint64) (*peer.Keys, error)
}

// DeviceListProvider reports the machine IDs registered to an account.
type DeviceListProvider interface {
	AllowedMachineIDs(ctx context.Context, account interfaces.AccountID) (map[string]bool, error)
}

type Config struct {
	Key  interfaces.ContainerKey
	Feed feed.Feed
	Keys KeySource

	// Metadata persists the cursor, the model snapshot and the identity.
	// Without it the container starts from scratch after every restart.
	Metadata interfaces.MetadataStore

	// Policies defaults to the built-in documents.
	Policies *policy.Cache

	Consumer interfaces.KeyShareConsumer
	Shares   interfaces.KeyShareProvider
	Devices  DeviceListProvider

	Retry *feed.RetryConfig

	// SOSEnabled publishes preapprovals for legacy circle peers on join.
	SOSEnabled bool
	// LimitedPeer devices cannot originate trust mutations.
	LimitedPeer bool

	Log *slog.Logger
}
