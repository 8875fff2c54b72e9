package container

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/trustgraph"
)

// SetRecoveryKey registers a recovery key for the account and publishes its
// public keys in the local stable info. A previously set recovery key is
// excluded.
func (c *Container) SetRecoveryKey(ctx context.Context, recoveryKey string) error {
	if err := credential.ValidateRecoveryKey(recoveryKey); err != nil {
		return err
	}

	return c.do(ctx, "set-recovery-key", func(ctx context.Context) error {
		if err := c.requireWriter("set recovery key"); err != nil {
			return err
		}
		if err := c.requireTrusted(); err != nil {
			return err
		}

		keys, err := credential.NewRecoveryKeySet(recoveryKey, string(c.key.AccountID))
		if err != nil {
			return err
		}

		if err := c.current(); err != nil {
			return err
		}
		if err := c.feed.SetRecoveryKey(ctx, c.key, c.self(), keys.SigningPublicKey(), keys.EncryptionPublicKey()); err != nil {
			return err
		}

		st, _ := c.selfState()
		next := st.Stable.Next()

		var exclude []interfaces.PeerID
		if next.HasRecoveryKeys() && !bytes.Equal(next.RecoverySigningPublicKey, keys.SigningPublicKey()) {
			exclude = append(exclude, credential.RecoveryPeerID(next.RecoverySigningPublicKey))
		}
		next.RecoverySigningPublicKey = keys.SigningPublicKey()
		next.RecoveryEncryptionPublicKey = keys.EncryptionPublicKey()

		if _, err := c.publish(ctx, &next, trustgraph.Options{Exclude: exclude}); err != nil {
			return err
		}
		c.log.Info("recovery key set", slog.String("recovery_peer", keys.PeerID.Short()))
		return c.saveMetadata(ctx)
	})
}

// RemoveRecoveryKey unregisters the account recovery key. Its pseudo-peer
// is excluded for good; the same recovery key can never be set again.
func (c *Container) RemoveRecoveryKey(ctx context.Context) error {
	return c.do(ctx, "remove-recovery-key", func(ctx context.Context) error {
		if err := c.requireWriter("remove recovery key"); err != nil {
			return err
		}
		if err := c.requireTrusted(); err != nil {
			return err
		}

		st, _ := c.selfState()
		var recoveryPeer interfaces.PeerID
		switch {
		case st.Stable.HasRecoveryKeys():
			recoveryPeer = credential.RecoveryPeerID(st.Stable.RecoverySigningPublicKey)
		case c.eval != nil:
			recoveryPeer = c.eval.RecoveryPeerID
		}

		if err := c.current(); err != nil {
			return err
		}
		if err := c.feed.RemoveRecoveryKey(ctx, c.key, c.self()); err != nil {
			return err
		}

		next := st.Stable.Next()
		next.RecoverySigningPublicKey = nil
		next.RecoveryEncryptionPublicKey = nil

		var opts trustgraph.Options
		if recoveryPeer != "" {
			opts.Exclude = []interfaces.PeerID{recoveryPeer}
		}
		if _, err := c.publish(ctx, &next, opts); err != nil {
			return err
		}
		c.log.Info("recovery key removed", slog.String("recovery_peer", recoveryPeer.Short()))
		return c.saveMetadata(ctx)
	})
}

// CheckRecoveryKey reports whether recoveryKey is the account's registered
// and trusted recovery key.
func (c *Container) CheckRecoveryKey(ctx context.Context, recoveryKey string) error {
	if err := credential.ValidateRecoveryKey(recoveryKey); err != nil {
		return err
	}

	keys, err := credential.NewRecoveryKeySet(recoveryKey, string(c.key.AccountID))
	if err != nil {
		return err
	}
	return c.do(ctx, "check-recovery-key", func(ctx context.Context) error {
		return c.feed.CheckRecoveryKey(ctx, c.key, keys.PeerID)
	})
}

// JoinWithRecoveryKey joins using a voucher signed by the recovery key.
func (c *Container) JoinWithRecoveryKey(ctx context.Context, recoveryKey string) (interfaces.PeerID, error) {
	if err := credential.ValidateRecoveryKey(recoveryKey); err != nil {
		return "", err
	}
	keys, err := credential.NewRecoveryKeySet(recoveryKey, string(c.key.AccountID))
	if err != nil {
		return "", err
	}

	var id interfaces.PeerID
	err = c.do(ctx, "join-with-recovery-key", func(ctx context.Context) error {
		err := c.joinWithCredential(ctx, keys, false, func() []interfaces.PeerID {
			return c.devicesWith(func(st *trustgraph.PeerState) bool {
				return st.Stable != nil && bytes.Equal(st.Stable.RecoverySigningPublicKey, keys.SigningPublicKey())
			})
		}, func(ctx context.Context) error {
			return c.feed.CheckRecoveryKey(ctx, c.key, keys.PeerID)
		})
		id = c.self()
		return err
	})
	observe("join-with-recovery-key", err)
	if err != nil {
		return "", err
	}
	return id, nil
}

// joinWithCredential joins with a voucher signed by a credential
// pseudo-peer. holders lists the devices that vouch for the credential;
// when there are none, check explains why.
func (c *Container) joinWithCredential(ctx context.Context, keys *credential.KeySet, inherited bool, holders func() []interfaces.PeerID, check func(ctx context.Context) error) error {
	if c.meta.Prepared == nil {
		return interfaces.ErrNotPrepared
	}
	stable, err := c.meta.Prepared.Stable.Decode()
	if err != nil {
		return err
	}

	sv, err := keys.Vouch(c.self(), stable.FrozenPolicyVersion)
	if err != nil {
		return err
	}

	return c.joinLocked(ctx, joinParams{
		vouchers:  []peer.SignedVoucher{sv},
		inherited: inherited,
		resolveInclude: func(ctx context.Context) ([]interfaces.PeerID, error) {
			include := holders()
			if len(include) > 0 {
				return include, nil
			}
			if err := check(ctx); err != nil {
				return nil, err
			}
			return nil, interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "no trusted device vouches for %s %s", keys.Kind, keys.PeerID.Short())
		},
	})
}

func (c *Container) devicesWith(match func(st *trustgraph.PeerState) bool) []interfaces.PeerID {
	var ids []interfaces.PeerID
	for _, id := range c.model.PeerIDs() {
		st, _ := c.model.Peer(id)
		if st.Permanent.Kind == peer.KindDevice && match(st) {
			ids = append(ids, id)
		}
	}
	return ids
}

// findCredential returns the pseudo-peer of a registered credential.
func (c *Container) findCredential(kind peer.Kind, id uuid.UUID) (interfaces.PeerID, error) {
	for _, pid := range c.model.PeerIDs() {
		st, _ := c.model.Peer(pid)
		if st.Permanent.Kind == kind && st.Permanent.UUID == id.String() {
			return pid, nil
		}
	}
	return "", interfaces.NewError(interfaces.CodeNotEnrolled, "no %s with uuid %s", kind, id)
}

// CreateInheritanceKey generates and registers a new inheritance key. A nil
// uuid picks a random one.
func (c *Container) CreateInheritanceKey(ctx context.Context, id uuid.UUID) (*credential.WrappedCredential, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	w, err := credential.NewInheritanceKey(id)
	if err != nil {
		return nil, err
	}
	if err := c.StoreInheritanceKey(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// StoreInheritanceKey registers an existing inheritance key, for example
// one produced by credential.Recreate, and escrows its wrapped key under the
// claim token.
func (c *Container) StoreInheritanceKey(ctx context.Context, w *credential.WrappedCredential) error {
	if w.Kind != peer.KindInheritance {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "%s is not an inheritance key", w.Kind)
	}
	return c.do(ctx, "store-inheritance-key", func(ctx context.Context) error {
		return c.storeCredential(ctx, w, true)
	})
}

// CreateCustodianRecoveryKey generates and registers a custodian recovery
// key. A nil uuid picks a random one.
func (c *Container) CreateCustodianRecoveryKey(ctx context.Context, id uuid.UUID) (*credential.WrappedCredential, error) {
	if id == uuid.Nil {
		id = uuid.New()
	}
	w, err := credential.NewCustodianRecoveryKey(id)
	if err != nil {
		return nil, err
	}
	err = c.do(ctx, "create-custodian-recovery-key", func(ctx context.Context) error {
		return c.storeCredential(ctx, w, false)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (c *Container) storeCredential(ctx context.Context, w *credential.WrappedCredential, escrow bool) error {
	if err := c.requireWriter("store " + w.Kind.String()); err != nil {
		return err
	}
	if err := c.requireTrusted(); err != nil {
		return err
	}
	if !w.IsClaimed() {
		return interfaces.NewError(interfaces.CodeInvalidArgument, "%s %s has no key material", w.Kind, w.UUID)
	}

	identity, err := w.KeySet().Identity()
	if err != nil {
		return err
	}
	rev := peer.Revision{Permanent: identity}

	if err := c.current(); err != nil {
		return err
	}
	if err := c.feed.AddCredential(ctx, c.key, rev); err != nil {
		return err
	}
	if escrow {
		if err := c.feed.EscrowWrappedKey(ctx, c.key, credential.ClaimTokenHash(w.ClaimToken), w.WrappedKey); err != nil {
			return err
		}
	}

	if _, err := c.model.Apply(&rev); err != nil {
		return err
	}
	if _, err := c.publish(ctx, nil, trustgraph.Options{Include: []interfaces.PeerID{w.PeerID()}}); err != nil {
		return err
	}
	c.log.Info("credential stored", slog.String("kind", w.Kind.String()), slog.String("peer", w.PeerID().Short()))
	return c.saveMetadata(ctx)
}

// RemoveInheritanceKey unregisters an inheritance key and excludes its
// pseudo-peer.
func (c *Container) RemoveInheritanceKey(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, "remove-inheritance-key", func(ctx context.Context) error {
		return c.removeCredential(ctx, peer.KindInheritance, id)
	})
}

// RemoveCustodianRecoveryKey unregisters a custodian recovery key and
// excludes its pseudo-peer.
func (c *Container) RemoveCustodianRecoveryKey(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, "remove-custodian-recovery-key", func(ctx context.Context) error {
		return c.removeCredential(ctx, peer.KindCustodian, id)
	})
}

func (c *Container) removeCredential(ctx context.Context, kind peer.Kind, id uuid.UUID) error {
	if err := c.requireWriter("remove " + kind.String()); err != nil {
		return err
	}
	if err := c.requireTrusted(); err != nil {
		return err
	}

	pid, err := c.findCredential(kind, id)
	if err != nil {
		return err
	}

	if err := c.current(); err != nil {
		return err
	}
	if err := c.feed.RemoveCredential(ctx, c.key, pid); err != nil {
		return err
	}
	if _, err := c.publish(ctx, nil, trustgraph.Options{Exclude: []interfaces.PeerID{pid}}); err != nil {
		return err
	}
	c.log.Info("credential removed", slog.String("kind", kind.String()), slog.String("peer", pid.Short()))
	return c.saveMetadata(ctx)
}

// CheckInheritanceKey reports whether an inheritance key is registered and
// trusted.
func (c *Container) CheckInheritanceKey(ctx context.Context, id uuid.UUID) error {
	return c.checkCredential(ctx, peer.KindInheritance, id)
}

// CheckCustodianRecoveryKey reports whether a custodian recovery key is
// registered and trusted.
func (c *Container) CheckCustodianRecoveryKey(ctx context.Context, id uuid.UUID) error {
	return c.checkCredential(ctx, peer.KindCustodian, id)
}

func (c *Container) checkCredential(ctx context.Context, kind peer.Kind, id uuid.UUID) error {
	return c.do(ctx, "check-"+kind.String(), func(ctx context.Context) error {
		pid, err := c.findCredential(kind, id)
		if err != nil {
			return err
		}
		if c.eval != nil && c.eval.Excludes(pid) {
			return interfaces.NewError(interfaces.CodeUntrustedRecoveryKeys, "%s %s is excluded", kind, pid.Short())
		}
		return c.feed.CheckCredential(ctx, c.key, pid)
	})
}

// ClaimInheritanceKey reconstructs an inheritance key from the claim token
// and wrapping key held by the beneficiary and the wrapped key escrowed on
// the server.
func (c *Container) ClaimInheritanceKey(ctx context.Context, id uuid.UUID, claimToken, wrappingKey []byte) (*credential.WrappedCredential, error) {
	w, err := credential.CreateWithClaimTokenAndWrappingKey(peer.KindInheritance, id, claimToken, wrappingKey)
	if err != nil {
		return nil, err
	}

	err = c.do(ctx, "claim-inheritance-key", func(ctx context.Context) error {
		wrapped, err := c.feed.ClaimWrappedKey(ctx, c.key, credential.ClaimTokenHash(claimToken))
		if err != nil {
			return err
		}
		return w.Claim(wrapped)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// JoinWithInheritanceKey joins as a read-only beneficiary of the account.
func (c *Container) JoinWithInheritanceKey(ctx context.Context, w *credential.WrappedCredential) (interfaces.PeerID, error) {
	return c.joinWithWrapped(ctx, "join-with-inheritance-key", peer.KindInheritance, w, true)
}

// JoinWithCustodianRecoveryKey joins using a custodian's recovery key.
func (c *Container) JoinWithCustodianRecoveryKey(ctx context.Context, w *credential.WrappedCredential) (interfaces.PeerID, error) {
	return c.joinWithWrapped(ctx, "join-with-custodian-recovery-key", peer.KindCustodian, w, false)
}

func (c *Container) joinWithWrapped(ctx context.Context, op string, kind peer.Kind, w *credential.WrappedCredential, inherited bool) (interfaces.PeerID, error) {
	if w.Kind != kind {
		return "", interfaces.NewError(interfaces.CodeInvalidArgument, "%s is not a %s", w.Kind, kind)
	}
	if !w.IsClaimed() {
		return "", interfaces.NewError(interfaces.CodeRecoveryKeyMalformed, "%s %s has not been claimed", kind, w.UUID)
	}
	keys := w.KeySet()

	var id interfaces.PeerID
	err := c.do(ctx, op, func(ctx context.Context) error {
		err := c.joinWithCredential(ctx, keys, inherited, func() []interfaces.PeerID {
			return c.devicesWith(func(st *trustgraph.PeerState) bool {
				return st.Dynamic != nil && st.Dynamic.Includes(keys.PeerID)
			})
		}, func(ctx context.Context) error {
			return c.feed.CheckCredential(ctx, c.key, keys.PeerID)
		})
		id = c.self()
		return err
	})
	observe(op, err)
	if err != nil {
		return "", err
	}
	return id, nil
}
