package container

import (
	"context"
	"log/slog"
	"slices"

	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/trustgraph"
)

// Reset discards the account's trust graph on the server and the local
// identity. Operations queued or running when Reset is called complete with
// ErrOperationSuperseded. The next Prepare creates a new identity.
func (c *Container) Reset(ctx context.Context) error {
	return c.supersede(ctx, "reset", func(ctx context.Context) error {
		if err := c.feed.Reset(ctx, c.key); err != nil {
			return err
		}
		c.discardLocal()
		c.log.Info("container reset", slog.Uint64("nonce", c.meta.Nonce))
		return c.saveMetadata(ctx)
	})
}

// Forget drops the local state without touching the server, as when the
// account signs out.
func (c *Container) Forget(ctx context.Context) error {
	return c.supersede(ctx, "forget", func(ctx context.Context) error {
		c.discardLocal()
		if c.cfg.Metadata == nil {
			return nil
		}
		return c.cfg.Metadata.Delete(ctx, c.key.String())
	})
}

func (c *Container) discardLocal() {
	c.meta = metadata{Nonce: c.meta.Nonce + 1}
	c.model = trustgraph.NewModel(c.log)
	c.keys = nil
	c.eval = nil
	c.lastUpdate = nil
}

// Leave publishes an opinion excluding the local peer. Other peers stop
// trusting it on their next fetch.
func (c *Container) Leave(ctx context.Context) error {
	return c.do(ctx, "leave", func(ctx context.Context) error {
		if err := c.requireTrusted(); err != nil {
			return err
		}

		st, _ := c.selfState()
		dynamic := peer.DynamicInfo{
			Clock:    st.Dynamic.Clock + 1,
			Excluded: append(slices.Clone(c.eval.Excluded), c.self()),
		}
		dynamic.Normalize()

		signed, err := peer.Sign(c.keys.Signing, dynamic)
		if err != nil {
			return err
		}
		rev := peer.Revision{Permanent: st.SignedPermanent, Stable: st.SignedStable, Dynamic: &signed}

		if err := c.current(); err != nil {
			return err
		}
		if err := c.feed.Update(ctx, c.key, rev); err != nil {
			return err
		}
		if _, err := c.model.Apply(&rev); err != nil {
			return err
		}

		c.meta.Departed = true
		c.refreshEvaluation(ctx)
		c.log.Info("left trust graph", slog.String("peer", c.self().Short()))
		if err := c.saveMetadata(ctx); err != nil {
			return err
		}
		c.notifyPolicy()
		return nil
	})
}

// Status is the local peer's membership as the container sees it.
type Status struct {
	PeerID       interfaces.PeerID `json:"peer_id,omitempty"`
	Prepared     bool              `json:"prepared"`
	Member       bool              `json:"member"`
	Trusted      bool              `json:"trusted"`
	SelfExcluded bool              `json:"self_excluded,omitempty"`
	Inherited    bool              `json:"inherited,omitempty"`
	Departed     bool              `json:"departed,omitempty"`
	Cursor       uint64            `json:"cursor"`
}

// Status reports the local peer's membership.
func (c *Container) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.do(ctx, "status", func(context.Context) error {
		_, member := c.selfState()
		s = Status{
			PeerID:    c.self(),
			Prepared:  c.meta.Prepared != nil,
			Member:    member,
			Trusted:   member && c.trusted(),
			Inherited: c.meta.Inherited,
			Departed:  c.meta.Departed,
			Cursor:    c.meta.Cursor,
		}
		if c.eval != nil {
			s.SelfExcluded = c.eval.SelfExcluded
		}
		return nil
	})
	return s, err
}

// PolicyUpdate returns what the key-share consumer was last told, computed
// afresh. ok is false before the local peer has stable info.
func (c *Container) PolicyUpdate(ctx context.Context) (update interfaces.PolicyUpdate, ok bool, err error) {
	err = c.do(ctx, "policy-update", func(context.Context) error {
		update, ok = c.policyUpdate()
		return nil
	})
	return update, ok, err
}

// SelfDump is the local peer's records.
type SelfDump struct {
	PeerID    interfaces.PeerID   `json:"peer_id"`
	Permanent *peer.PermanentInfo `json:"permanent_info"`
	Stable    *peer.StableInfo    `json:"stable_info,omitempty"`
	Dynamic   *peer.DynamicInfo   `json:"dynamic_info,omitempty"`
}

// PeerDump is one other peer's records.
type PeerDump struct {
	PeerID    interfaces.PeerID   `json:"peer_id"`
	Kind      string              `json:"kind"`
	Permanent *peer.PermanentInfo `json:"permanent_info"`
	Stable    *peer.StableInfo    `json:"stable_info,omitempty"`
	Dynamic   *peer.DynamicInfo   `json:"dynamic_info,omitempty"`
}

// Dump is a read-only snapshot for diagnostics.
type Dump struct {
	Key       interfaces.ContainerKey `json:"key"`
	Cursor    uint64                  `json:"cursor"`
	Inherited bool                    `json:"inherited"`
	Self      *SelfDump               `json:"self,omitempty"`
	Peers     []PeerDump              `json:"peers"`
	Vouchers  []peer.SignedVoucher    `json:"vouchers"`
	Included  []interfaces.PeerID     `json:"included,omitempty"`
	Excluded  []interfaces.PeerID     `json:"excluded,omitempty"`

	RecoverySigningPublicKey    []byte `json:"recovery_signing_public_key,omitempty"`
	RecoveryEncryptionPublicKey []byte `json:"recovery_encryption_public_key,omitempty"`
}

// Dump snapshots the container.
func (c *Container) Dump(ctx context.Context) (*Dump, error) {
	var d *Dump
	err := c.do(ctx, "dump", func(context.Context) error {
		d = &Dump{
			Key:       c.key,
			Cursor:    c.meta.Cursor,
			Inherited: c.meta.Inherited,
			Vouchers:  c.model.Vouchers(),
		}

		for _, id := range c.model.PeerIDs() {
			st, _ := c.model.Peer(id)
			if id == c.self() {
				d.Self = &SelfDump{PeerID: id, Permanent: st.Permanent, Stable: st.Stable, Dynamic: st.Dynamic}
				continue
			}
			d.Peers = append(d.Peers, PeerDump{
				PeerID:    id,
				Kind:      st.Permanent.Kind.String(),
				Permanent: st.Permanent,
				Stable:    st.Stable,
				Dynamic:   st.Dynamic,
			})
		}

		if d.Self == nil && c.meta.Prepared != nil {
			perm, err := c.meta.Prepared.Permanent.Decode()
			if err != nil {
				return err
			}
			stable, err := c.meta.Prepared.Stable.Decode()
			if err != nil {
				return err
			}
			d.Self = &SelfDump{PeerID: c.self(), Permanent: perm, Stable: stable}
		}

		if c.eval != nil {
			d.Included = slices.Clone(c.eval.Included)
			d.Excluded = slices.Clone(c.eval.Excluded)
			d.RecoverySigningPublicKey = slices.Clone(c.eval.RecoverySigningPublicKey)
			d.RecoveryEncryptionPublicKey = slices.Clone(c.eval.RecoveryEncryptionPublicKey)
		}
		return nil
	})
	return d, err
}
