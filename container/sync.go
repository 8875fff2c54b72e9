package container

import (
	"context"
	"log/slog"
	"slices"

	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/metrics"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/ruteri/octagon-trust/trustgraph"
)

// SyncResult summarizes one FetchChanges call.
type SyncResult struct {
	// Applied is the number of revisions that changed the local model.
	Applied int `json:"applied"`
	// Reset is set when the account was reset remotely.
	Reset bool `json:"reset,omitempty"`
	// Updated is set when the local peer published a new opinion.
	Updated bool `json:"updated,omitempty"`
	// Cursor is the new change-feed position.
	Cursor uint64 `json:"cursor"`
}

// FetchChanges applies the change feed since the stored cursor, re-evaluates
// trust and publishes the local peer's opinion if it changed.
func (c *Container) FetchChanges(ctx context.Context) (*SyncResult, error) {
	if err := c.waitHold(ctx); err != nil {
		return nil, err
	}

	var res *SyncResult
	err := c.do(ctx, "fetch", func(ctx context.Context) error {
		var err error
		res, err = c.fetchLocked(ctx)
		return err
	})
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.FetchesTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// FetchPolicyDocuments fetches the given versions into the local cache and
// returns the documents now available.
func (c *Container) FetchPolicyDocuments(ctx context.Context, versions []interfaces.PolicyVersion) ([]*policy.Document, error) {
	var docs []*policy.Document
	err := c.do(ctx, "fetch-policies", func(ctx context.Context) error {
		if err := c.fetchPolicies(ctx, versions); err != nil {
			return err
		}
		for _, v := range versions {
			if d, ok := c.cfg.Policies.Lookup(v); ok {
				docs = append(docs, d)
			}
		}
		return nil
	})
	return docs, err
}

func (c *Container) fetchPolicies(ctx context.Context, versions []interfaces.PolicyVersion) error {
	var missing []interfaces.PolicyVersion
	for _, v := range versions {
		if _, err := c.cfg.Policies.Resolve(ctx, v); err != nil {
			missing = append(missing, v)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	docs, err := c.feed.FetchPolicyDocuments(ctx, missing)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := c.cfg.Policies.Add(ctx, d); err != nil {
			c.log.Warn("discarding invalid policy document", slog.String("version", d.Version.String()), "err", err)
		}
	}
	return nil
}

func (c *Container) fetchLocked(ctx context.Context) (*SyncResult, error) {
	batch, err := c.feed.FetchChanges(ctx, c.key, c.meta.Cursor, c.self())
	if err != nil {
		return nil, err
	}
	if err := c.current(); err != nil {
		return nil, err
	}

	res := &SyncResult{Reset: batch.Reset, Cursor: batch.Cursor}
	if batch.Reset {
		c.log.Info("account was reset remotely, rebuilding model")
		c.model = trustgraph.NewModel(c.log)
		c.eval = nil
	}

	for i := range batch.Revisions {
		changed, err := c.model.Apply(&batch.Revisions[i])
		if err != nil {
			c.log.Warn("skipping invalid revision", "err", err)
			continue
		}
		if changed {
			res.Applied++
		}
	}
	metrics.RevisionsAppliedTotal.Add(float64(res.Applied))

	if _, ok := c.selfState(); ok {
		updated, err := c.reconcile(ctx)
		if err != nil {
			return nil, err
		}
		res.Updated = updated
		c.deliverShares(batch.KeyShares)
	}

	c.meta.Cursor = batch.Cursor
	if err := c.saveMetadata(ctx); err != nil {
		return nil, err
	}
	c.notifyPolicy()
	return res, nil
}

// reconcile re-evaluates trust over the model and brings the local peer's
// published records in line with it.
func (c *Container) reconcile(ctx context.Context) (bool, error) {
	eval, err := c.evaluate(ctx, c.model, trustgraph.Options{})
	if err != nil {
		return false, err
	}

	if len(eval.Unresolved) > 0 {
		if err := c.fetchPolicies(ctx, eval.Unresolved); err != nil {
			c.log.Warn("could not fetch unresolved policies", "err", err)
		} else if eval, err = c.evaluate(ctx, c.model, trustgraph.Options{}); err != nil {
			return false, err
		}
		if len(eval.Ignored) > 0 {
			c.log.Info("ignoring peers with unknown policy", slog.Int("peers", len(eval.Ignored)))
		}
	}
	c.eval = eval

	if eval.SelfExcluded {
		c.log.Warn("local peer is excluded by the trust graph")
		return false, nil
	}
	if c.meta.Departed {
		return false, nil
	}

	var stable *peer.StableInfo
	if !c.meta.Inherited {
		stable = c.adoptRecoveryKeys(eval)
	}

	return c.publish(ctx, stable, trustgraph.Options{})
}

// adoptRecoveryKeys returns the local stable info updated to the account's
// recovery key, or nil when nothing changes. A recovery key another trusted
// peer excluded is dropped.
func (c *Container) adoptRecoveryKeys(eval *trustgraph.Evaluation) *peer.StableInfo {
	st, _ := c.selfState()
	if st.Stable == nil {
		return nil
	}

	next := *st.Stable
	changed := false

	if next.HasRecoveryKeys() && eval.Excludes(credential.RecoveryPeerID(next.RecoverySigningPublicKey)) {
		next.RecoverySigningPublicKey = nil
		next.RecoveryEncryptionPublicKey = nil
		changed = true
	}

	if !next.HasRecoveryKeys() && eval.RecoveryPeerID != "" && !eval.Excludes(eval.RecoveryPeerID) {
		next.RecoverySigningPublicKey = slices.Clone(eval.RecoverySigningPublicKey)
		next.RecoveryEncryptionPublicKey = slices.Clone(eval.RecoveryEncryptionPublicKey)
		changed = true
	}

	if !changed {
		return nil
	}
	next = next.Next()
	return &next
}

// publish re-evaluates trust with the given stable info (nil keeps the
// current one) and pushes the local peer's records when they changed. The
// model is only touched after the server acknowledged the update.
func (c *Container) publish(ctx context.Context, stable *peer.StableInfo, opts trustgraph.Options) (bool, error) {
	st, ok := c.selfState()
	if !ok {
		return false, interfaces.ErrNotTrusted
	}

	rev := peer.Revision{Permanent: st.SignedPermanent, Stable: st.SignedStable}
	scratch := c.model
	if stable != nil {
		signed, err := peer.Sign(c.keys.Signing, *stable)
		if err != nil {
			return false, err
		}
		rev.Stable = &signed

		scratch, err = c.model.Clone()
		if err != nil {
			return false, err
		}
		if _, err := scratch.Apply(&peer.Revision{Permanent: st.SignedPermanent, Stable: &signed}); err != nil {
			return false, err
		}
	}

	eval, err := c.evaluate(ctx, scratch, opts)
	if err != nil {
		return false, err
	}

	var clock uint64
	var preapprovals []string
	if st.Dynamic != nil {
		clock, preapprovals = st.Dynamic.Clock, st.Dynamic.Preapprovals
	}
	dynamic := eval.DynamicInfo(clock+1, preapprovals)
	if stable == nil && st.Dynamic != nil && st.Dynamic.SameOpinion(&dynamic) {
		return false, nil
	}

	signed, err := peer.Sign(c.keys.Signing, dynamic)
	if err != nil {
		return false, err
	}
	rev.Dynamic = &signed

	if err := c.current(); err != nil {
		return false, err
	}
	if err := c.feed.Update(ctx, c.key, rev); err != nil {
		return false, err
	}
	metrics.TrustUpdatesTotal.Inc()

	var previous *peer.DynamicInfo
	if st.Dynamic != nil {
		d := *st.Dynamic
		previous = &d
	}
	if _, err := c.model.Apply(&rev); err != nil {
		return false, err
	}
	c.refreshEvaluation(ctx)
	c.log.Info("published trust update",
		slog.Uint64("clock", dynamic.Clock),
		slog.Int("included", len(dynamic.Included)),
		slog.Int("excluded", len(dynamic.Excluded)))

	c.shareWithNewPeers(ctx, previous)
	return true, nil
}

// shareWithNewPeers uploads view keys for devices the local peer sponsored
// and now trusts for the first time.
func (c *Container) shareWithNewPeers(ctx context.Context, previous *peer.DynamicInfo) {
	if c.cfg.Shares == nil || c.eval == nil || c.cfg.LimitedPeer || c.meta.Inherited {
		return
	}

	var shares []peer.KeyShare
	for _, id := range c.eval.Included {
		if id == c.self() || (previous != nil && previous.Includes(id)) {
			continue
		}
		sponsored := slices.ContainsFunc(c.model.VouchersFor(id), func(sv peer.SignedVoucher) bool {
			return sv.Voucher.Sponsor == c.self()
		})
		if !sponsored {
			continue
		}

		st, ok := c.model.Peer(id)
		if !ok || st.Permanent.Kind != peer.KindDevice {
			continue
		}
		sealed, err := c.sealShares(st.Permanent, c.viewsFor(id, st))
		if err != nil {
			c.log.Warn("could not prepare key shares", slog.String("peer", id.Short()), "err", err)
			continue
		}
		shares = append(shares, sealed...)
	}

	if len(shares) == 0 {
		return
	}
	if err := c.feed.UploadKeyShares(ctx, c.key, shares); err != nil {
		c.log.Warn("could not upload key shares, joiners stay unkeyed until the next attempt", "err", err)
	}
}

func (c *Container) viewsFor(id interfaces.PeerID, st *trustgraph.PeerState) []string {
	rules, ok := c.eval.Rules(id)
	if !ok {
		return nil
	}
	category, err := rules.CategoryForModel(st.Permanent.ModelID)
	if err != nil {
		return nil
	}
	return rules.ViewsForCategory(category)
}

func (c *Container) sealShares(receiver *peer.PermanentInfo, views []string) ([]peer.KeyShare, error) {
	if c.cfg.Shares == nil || len(views) == 0 {
		return nil, nil
	}

	keys, err := c.cfg.Shares.ViewKeys(views)
	if err != nil {
		return nil, err
	}

	shares := make([]peer.KeyShare, 0, len(keys))
	for _, k := range keys {
		ks, err := peer.SealKeyShare(c.keys, receiver, k)
		if err != nil {
			return nil, err
		}
		shares = append(shares, ks)
	}
	return shares, nil
}

// deliverShares opens key shares sent by trusted peers and hands them to the
// consumer.
func (c *Container) deliverShares(shares []peer.KeyShare) {
	if c.cfg.Consumer == nil || len(shares) == 0 {
		return
	}

	var keys []interfaces.ViewKey
	for _, ks := range shares {
		if ks.Receiver != c.self() {
			continue
		}
		if c.eval == nil || !c.eval.Includes(ks.Sender) {
			c.log.Debug("ignoring key share from untrusted sender", slog.String("sender", ks.Sender.Short()))
			continue
		}
		sender, ok := c.model.Peer(ks.Sender)
		if !ok {
			continue
		}
		k, err := ks.Open(c.keys, sender.Permanent.SigningPublicKey)
		if err != nil {
			c.log.Warn("could not open key share", slog.String("sender", ks.Sender.Short()), "err", err)
			continue
		}
		keys = append(keys, k)
	}

	if len(keys) > 0 {
		c.cfg.Consumer.KeySharesReceived(keys)
	}
}

// policyUpdate describes the local peer's effective policy and role.
func (c *Container) policyUpdate() (interfaces.PolicyUpdate, bool) {
	st, ok := c.selfState()
	if !ok || st.Stable == nil {
		return interfaces.PolicyUpdate{}, false
	}

	update := interfaces.PolicyUpdate{
		Version:            st.Stable.EffectivePolicyVersion(),
		IsInheritedAccount: c.meta.Inherited,
	}
	if !c.trusted() {
		return update, true
	}

	if doc, ok := c.cfg.Policies.Lookup(update.Version); ok {
		if rules, err := doc.Resolve(st.Stable.PolicySecrets); err == nil {
			if category, err := rules.CategoryForModel(st.Permanent.ModelID); err == nil {
				update.AllowedViews = rules.ViewsForCategory(category)
			}
		}
	}
	return update, true
}

func (c *Container) notifyPolicy() {
	update, ok := c.policyUpdate()
	if !ok {
		return
	}
	if c.lastUpdate != nil && samePolicyUpdate(c.lastUpdate, &update) {
		return
	}
	c.lastUpdate = &update
	if c.cfg.Consumer != nil {
		c.cfg.Consumer.PolicyChanged(update)
	}
}

func samePolicyUpdate(a, b *interfaces.PolicyUpdate) bool {
	return a.Version == b.Version && a.IsInheritedAccount == b.IsInheritedAccount && slices.Equal(a.AllowedViews, b.AllowedViews)
}
