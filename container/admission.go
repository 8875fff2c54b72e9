package container

import (
	"context"
	"log/slog"
	"maps"

	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/metrics"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/trustgraph"
)

// PrepareRequest describes the local device for Prepare.
type PrepareRequest struct {
	Device interfaces.DeviceInfo `json:"device"`
	// PolicyVersion is the newest policy the device understands. It becomes
	// the flexible version when it is known locally and not older than the
	// prevailing one.
	PolicyVersion *interfaces.PolicyVersion `json:"policy_version,omitempty"`
	PolicySecrets map[string][]byte        `json:"policy_secrets,omitempty"`
	Epoch         uint64                   `json:"epoch,omitempty"`
}

// VouchRequest carries a candidate's prepared identity.
type VouchRequest struct {
	Permanent peer.Signed[peer.PermanentInfo] `json:"permanent"`
	Stable    peer.Signed[peer.StableInfo]    `json:"stable"`
}

// VouchResult is what a sponsor hands back to the candidate.
type VouchResult struct {
	Voucher   peer.SignedVoucher `json:"voucher"`
	KeyShares []peer.KeyShare    `json:"key_shares,omitempty"`
}

// JoinRequest is a candidate's join with a voucher it received.
type JoinRequest struct {
	Voucher peer.SignedVoucher `json:"voucher"`
	// KeyShares are the shares the sponsor returned with the voucher.
	KeyShares []peer.KeyShare `json:"key_shares,omitempty"`
	// PreapprovedKeys are signing keys of legacy circle peers to preapprove.
	// They are only published when SOS is enabled.
	PreapprovedKeys [][]byte `json:"preapproved_keys,omitempty"`
}

func observe(step string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = interfaces.CodeOf(err).String()
	}
	metrics.AdmissionsTotal.WithLabelValues(step, outcome).Inc()
}

// Prepare creates the local identity. The frozen policy version is the
// server's prevailing one regardless of what the device requests.
func (c *Container) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	var prepared *Prepared
	err := c.do(ctx, "prepare", func(ctx context.Context) error {
		var err error
		prepared, err = c.prepareLocked(ctx, req)
		return err
	})
	observe("prepare", err)
	return prepared, err
}

func (c *Container) prepareLocked(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	if _, ok := c.selfState(); ok && c.trusted() {
		return nil, interfaces.NewError(interfaces.CodeAlreadyEstablished, "%s is already a member of %s", c.self().Short(), c.key)
	}

	prevailing, err := c.feed.PrevailingPolicy(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.fetchPolicies(ctx, []interfaces.PolicyVersion{prevailing}); err != nil {
		return nil, err
	}
	effective, err := c.cfg.Policies.Resolve(ctx, prevailing)
	if err != nil {
		return nil, err
	}

	stable := peer.StableInfo{
		Clock:               1,
		FrozenPolicyVersion: prevailing,
		PolicySecrets:       maps.Clone(req.PolicySecrets),
		DeviceName:          req.Device.DeviceName,
		SerialNumber:        req.Device.SerialNumber,
		OSVersion:           req.Device.OSVersion,
	}

	if req.PolicyVersion != nil && *req.PolicyVersion != prevailing {
		doc, ok := c.cfg.Policies.Lookup(*req.PolicyVersion)
		if ok && req.PolicyVersion.Number >= prevailing.Number {
			v := *req.PolicyVersion
			stable.FlexiblePolicyVersion = &v
			effective = doc
		} else {
			c.log.Info("requested policy not usable, following the prevailing policy",
				slog.String("requested", req.PolicyVersion.String()),
				slog.String("prevailing", prevailing.String()))
		}
	}

	if _, err := effective.CategoryForModel(req.Device.ModelID, req.PolicySecrets); err != nil {
		if interfaces.CodeOf(err) == interfaces.CodeModelNotFound {
			return nil, err
		}
		return nil, interfaces.WrapError(interfaces.CodeModelNotFound, err, "model %q cannot be categorized", req.Device.ModelID)
	}

	keys, err := c.cfg.Keys.PeerKeys(c.key, c.meta.Nonce)
	if err != nil {
		return nil, err
	}

	epoch := req.Epoch
	if epoch == 0 {
		epoch = 1
	}
	signedPerm, perm, err := peer.NewDeviceIdentity(keys, epoch, req.Device)
	if err != nil {
		return nil, err
	}
	signedStable, err := peer.Sign(keys.Signing, stable)
	if err != nil {
		return nil, err
	}

	if err := c.current(); err != nil {
		return nil, err
	}
	c.keys = keys
	c.meta.Prepared = &Prepared{PeerID: perm.PeerID, Permanent: signedPerm, Stable: signedStable}
	c.meta.Departed = false
	if err := c.saveMetadata(ctx); err != nil {
		return nil, err
	}

	c.log.Info("prepared local identity",
		slog.String("peer", perm.PeerID.Short()),
		slog.String("frozen", prevailing.String()),
		slog.String("effective", effective.Version.String()))
	return c.meta.Prepared, nil
}

// Establish creates the account's trust graph with the prepared local peer
// as its only member.
func (c *Container) Establish(ctx context.Context) error {
	err := c.do(ctx, "establish", func(ctx context.Context) error {
		if c.meta.Prepared == nil {
			return interfaces.ErrNotPrepared
		}

		dynamic := peer.DynamicInfo{Clock: 1, Included: []interfaces.PeerID{c.self()}}
		signedDynamic, err := peer.Sign(c.keys.Signing, dynamic)
		if err != nil {
			return err
		}
		stable := c.meta.Prepared.Stable
		rev := peer.Revision{Permanent: c.meta.Prepared.Permanent, Stable: &stable, Dynamic: &signedDynamic}

		if err := c.current(); err != nil {
			return err
		}
		if err := c.feed.Establish(ctx, c.key, rev); err != nil {
			return err
		}

		if _, err := c.model.Apply(&rev); err != nil {
			return err
		}
		c.meta.Inherited = false
		c.meta.Departed = false
		c.refreshEvaluation(ctx)
		c.log.Info("established trust graph", slog.String("peer", c.self().Short()))

		if _, err := c.fetchLocked(ctx); err != nil {
			c.log.Warn("fetch after establish failed", "err", err)
			return c.saveMetadata(ctx)
		}
		return nil
	})
	observe("establish", err)
	return err
}

// Vouch admits a candidate under the candidate's frozen policy version. The
// sponsor must be able to resolve that version; an unknown one is a hard
// error here even though the trust graph merely ignores such peers.
func (c *Container) Vouch(ctx context.Context, req VouchRequest) (*VouchResult, error) {
	var res *VouchResult
	err := c.do(ctx, "vouch", func(ctx context.Context) error {
		var err error
		res, err = c.vouchLocked(ctx, req)
		return err
	})
	observe("vouch", err)
	return res, err
}

func (c *Container) vouchLocked(ctx context.Context, req VouchRequest) (*VouchResult, error) {
	if err := c.requireWriter("vouch"); err != nil {
		return nil, err
	}
	if err := c.requireTrusted(); err != nil {
		return nil, err
	}

	stable := req.Stable
	candidate, err := (&peer.Revision{Permanent: req.Permanent, Stable: &stable}).Verify()
	if err != nil {
		return nil, err
	}
	if candidate.Permanent.Kind != peer.KindDevice {
		return nil, interfaces.NewError(interfaces.CodeInvalidArgument, "cannot vouch for %s pseudo-peer", candidate.Permanent.Kind)
	}
	if c.eval.Excludes(candidate.PeerID()) {
		return nil, interfaces.NewError(interfaces.CodeNotTrusted, "candidate %s is excluded", candidate.PeerID().Short())
	}

	version := candidate.Stable.FrozenPolicyVersion
	if err := c.fetchPolicies(ctx, []interfaces.PolicyVersion{version}); err != nil {
		c.log.Warn("could not fetch candidate policy", slog.String("version", version.String()), "err", err)
	}
	doc, err := c.cfg.Policies.Resolve(ctx, version)
	if err != nil {
		return nil, err
	}

	self, _ := c.selfState()
	secrets := make(map[string][]byte)
	maps.Copy(secrets, self.Stable.PolicySecrets)
	maps.Copy(secrets, candidate.Stable.PolicySecrets)

	rules, err := doc.Resolve(secrets)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.CodeModelNotFound, err, "policy secrets do not open %s", version)
	}
	candidateCategory, err := rules.CategoryForModel(candidate.Permanent.ModelID)
	if err != nil {
		return nil, err
	}
	sponsorCategory, err := rules.CategoryForModel(self.Permanent.ModelID)
	if err != nil {
		return nil, err
	}
	if !rules.CanIntroduce(sponsorCategory, candidateCategory) {
		return nil, interfaces.NewError(interfaces.CodeIntroductionNotAllowed, "%s may not introduce %s under %s", sponsorCategory, candidateCategory, version)
	}

	sv, err := peer.SignVoucher(c.keys.Signing, peer.Voucher{
		Beneficiary:   candidate.PeerID(),
		Sponsor:       c.self(),
		PolicyVersion: version,
	})
	if err != nil {
		return nil, err
	}

	shares, err := c.sealShares(candidate.Permanent, rules.ViewsForCategory(candidateCategory))
	if err != nil {
		c.log.Warn("vouching without key shares", slog.String("candidate", candidate.PeerID().Short()), "err", err)
		shares = nil
	}

	c.log.Info("vouched for candidate",
		slog.String("candidate", candidate.PeerID().Short()),
		slog.String("category", candidateCategory))
	return &VouchResult{Voucher: sv, KeyShares: shares}, nil
}

// Join submits the prepared identity with a sponsor's voucher.
func (c *Container) Join(ctx context.Context, req JoinRequest) (interfaces.PeerID, error) {
	var preapprovals []string
	if c.cfg.SOSEnabled {
		for _, key := range req.PreapprovedKeys {
			preapprovals = append(preapprovals, peer.PreapprovalFor(key))
		}
	}

	var id interfaces.PeerID
	err := c.do(ctx, "join", func(ctx context.Context) error {
		err := c.joinLocked(ctx, joinParams{
			vouchers:     []peer.SignedVoucher{req.Voucher},
			include:      []interfaces.PeerID{req.Voucher.Voucher.Sponsor},
			shares:       req.KeyShares,
			preapprovals: preapprovals,
		})
		id = c.self()
		return err
	})
	observe("join", err)
	if err != nil {
		return "", err
	}
	return id, nil
}

type joinParams struct {
	vouchers     []peer.SignedVoucher
	include      []interfaces.PeerID
	shares       []peer.KeyShare
	preapprovals []string
	inherited    bool

	// resolveInclude computes include from the freshly fetched model.
	resolveInclude func(ctx context.Context) ([]interfaces.PeerID, error)
}

func (c *Container) joinLocked(ctx context.Context, p joinParams) error {
	if c.meta.Prepared == nil {
		return interfaces.ErrNotPrepared
	}
	if _, ok := c.selfState(); ok && c.trusted() {
		return interfaces.NewError(interfaces.CodeAlreadyEstablished, "%s is already a member of %s", c.self().Short(), c.key)
	}

	if _, err := c.fetchLocked(ctx); err != nil {
		return err
	}

	if p.resolveInclude != nil {
		include, err := p.resolveInclude(ctx)
		if err != nil {
			return err
		}
		p.include = include
	}

	stable := c.meta.Prepared.Stable
	rev := peer.Revision{Permanent: c.meta.Prepared.Permanent, Stable: &stable, Vouchers: p.vouchers}

	scratch, err := c.model.Clone()
	if err != nil {
		return err
	}
	if _, err := scratch.Apply(&rev); err != nil {
		return err
	}
	eval, err := c.evaluate(ctx, scratch, trustgraph.Options{Include: p.include})
	if err != nil {
		return err
	}

	clock := uint64(1)
	if st, ok := c.selfState(); ok && st.Dynamic != nil {
		clock = st.Dynamic.Clock + 1
	}
	dynamic := eval.DynamicInfo(clock, p.preapprovals)
	signedDynamic, err := peer.Sign(c.keys.Signing, dynamic)
	if err != nil {
		return err
	}
	rev.Dynamic = &signedDynamic

	var outgoing []peer.KeyShare
	if !c.cfg.LimitedPeer && !p.inherited {
		for _, id := range eval.Included {
			st, ok := scratch.Peer(id)
			if id == c.self() || !ok || st.Permanent.Kind != peer.KindDevice {
				continue
			}
			rules, ok := eval.Rules(id)
			if !ok {
				continue
			}
			category, err := rules.CategoryForModel(st.Permanent.ModelID)
			if err != nil {
				continue
			}
			sealed, err := c.sealShares(st.Permanent, rules.ViewsForCategory(category))
			if err != nil {
				c.log.Warn("joining without key shares for peer", slog.String("peer", id.Short()), "err", err)
				continue
			}
			outgoing = append(outgoing, sealed...)
		}
	}

	if err := c.current(); err != nil {
		return err
	}
	if _, err := c.feed.Join(ctx, c.key, feed.JoinRequest{Revision: rev, KeyShares: outgoing}); err != nil {
		return err
	}

	if _, err := c.model.Apply(&rev); err != nil {
		return err
	}
	c.meta.Inherited = p.inherited
	c.meta.Departed = false
	c.refreshEvaluation(ctx)
	c.deliverShares(p.shares)
	c.log.Info("joined trust graph",
		slog.String("peer", c.self().Short()),
		slog.Int("trusted", len(dynamic.Included)),
		slog.Bool("inherited", p.inherited))

	if _, err := c.fetchLocked(ctx); err != nil {
		c.log.Warn("fetch after join failed", "err", err)
		return c.saveMetadata(ctx)
	}
	return nil
}
