package container

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/trustgraph"
)

// Prepared is the local identity created by Prepare and not yet replaced by
// a reset.
type Prepared struct {
	PeerID    interfaces.PeerID               `json:"peer_id" cbor:"1,keyasint"`
	Permanent peer.Signed[peer.PermanentInfo] `json:"permanent" cbor:"2,keyasint"`
	Stable    peer.Signed[peer.StableInfo]    `json:"stable" cbor:"3,keyasint"`
}

type metadata struct {
	Nonce     uint64    `cbor:"1,keyasint"`
	Cursor    uint64    `cbor:"2,keyasint"`
	Inherited bool      `cbor:"3,keyasint,omitempty"`
	Prepared  *Prepared `cbor:"4,keyasint,omitempty"`
	Snapshot  []byte    `cbor:"5,keyasint,omitempty"`
	Departed  bool      `cbor:"6,keyasint,omitempty"`
}

func (c *Container) loadMetadata(ctx context.Context) error {
	if c.cfg.Metadata == nil {
		return nil
	}

	data, err := c.cfg.Metadata.Load(ctx, c.key.String())
	if errors.Is(err, interfaces.ErrContentNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not load container metadata: %w", err)
	}

	var meta metadata
	if err := codec.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("could not decode container metadata: %w", err)
	}
	c.meta = meta

	if len(meta.Snapshot) == 0 {
		c.meta.Cursor = 0
		return nil
	}

	model, err := trustgraph.Restore(c.log, meta.Snapshot)
	if err != nil {
		c.log.Warn("discarding unreadable model snapshot, refetching from scratch", "err", err)
		c.meta.Cursor = 0
		return nil
	}
	c.model = model
	return nil
}

func (c *Container) saveMetadata(ctx context.Context) error {
	if c.cfg.Metadata == nil {
		return nil
	}

	snapshot, err := c.model.Snapshot()
	if err != nil {
		return err
	}
	c.meta.Snapshot = snapshot

	data, err := codec.Marshal(&c.meta)
	if err != nil {
		return fmt.Errorf("could not encode container metadata: %w", err)
	}
	if err := c.cfg.Metadata.Save(ctx, c.key.String(), data); err != nil {
		return fmt.Errorf("could not save container metadata: %w", err)
	}
	return nil
}
