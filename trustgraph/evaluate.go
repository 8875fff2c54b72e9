package trustgraph

import (
	"bytes"
	"maps"
	"slices"

	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
)

// PolicyLookup returns the locally available policy documents.
type PolicyLookup interface {
	Lookup(v interfaces.PolicyVersion) (*policy.Document, bool)
}

// Options adjusts an evaluation.
type Options struct {
	// AllowedMachineIDs restricts which devices may be newly trusted. A nil
	// map disables the check.
	AllowedMachineIDs map[string]bool

	// Include lists peers self vouches for directly in addition to its
	// published inclusions, e.g. a sponsor while joining.
	Include []interfaces.PeerID

	// Exclude lists peers self starts distrusting, e.g. a removed credential.
	Exclude []interfaces.PeerID
}

// Evaluation is the trust opinion of one peer over the model.
type Evaluation struct {
	Self interfaces.PeerID

	// Included is the reachable trusted set, self included, sorted.
	Included []interfaces.PeerID
	// Excluded is every peer distrusted by self or by a trusted peer, sorted.
	Excluded []interfaces.PeerID
	// SelfExcluded is set when a trusted peer (or self) excludes self.
	SelfExcluded bool

	// Unresolved lists policy versions that kept a peer out of the graph.
	Unresolved []interfaces.PolicyVersion
	// Ignored lists peers whose policy could not be evaluated.
	Ignored []interfaces.PeerID

	// Recovery keys the account currently agrees on, if any.
	RecoverySigningPublicKey    []byte
	RecoveryEncryptionPublicKey []byte
	RecoveryPeerID              interfaces.PeerID

	rules map[interfaces.PeerID]policy.Rules
}

// Includes reports whether id is trusted.
func (e *Evaluation) Includes(id interfaces.PeerID) bool {
	_, found := slices.BinarySearch(e.Included, id)
	return found
}

// Excludes reports whether id is distrusted.
func (e *Evaluation) Excludes(id interfaces.PeerID) bool {
	_, found := slices.BinarySearch(e.Excluded, id)
	return found
}

// Rules returns the resolved policy rules of a trusted device peer.
func (e *Evaluation) Rules(id interfaces.PeerID) (policy.Rules, bool) {
	r, ok := e.rules[id]
	return r, ok
}

// DynamicInfo turns the evaluation into the next dynamic info of self.
func (e *Evaluation) DynamicInfo(clock uint64, preapprovals []string) peer.DynamicInfo {
	d := peer.DynamicInfo{
		Clock:        clock,
		Included:     slices.Clone(e.Included),
		Excluded:     slices.Clone(e.Excluded),
		Preapprovals: slices.Clone(preapprovals),
	}
	d.Normalize()
	return d
}

type evaluator struct {
	model    *Model
	policies PolicyLookup
	opts     Options
	self     interfaces.PeerID
	previous *peer.DynamicInfo

	rules      map[interfaces.PeerID]policy.Rules
	unresolved map[interfaces.PeerID]interfaces.PolicyVersion

	// signing keys of recovery pseudo-peers derived from stable infos
	recoveryKeys map[interfaces.PeerID][]byte
}

// Evaluate computes self's trust opinion. Trust flows from self along the
// inclusion edges of trusted device peers, along valid vouchers signed by
// trusted peers, and to the recovery pseudo-peers named in trusted peers'
// stable infos. Peers whose policy cannot be resolved are never newly
// trusted and their edges are not followed. Exclusions by any trusted
// peer take precedence over inclusions.
func (m *Model) Evaluate(self interfaces.PeerID, policies PolicyLookup, opts Options) (*Evaluation, error) {
	st, ok := m.peers[self]
	if !ok || st.Permanent.Kind != peer.KindDevice {
		return nil, interfaces.NewError(interfaces.CodeNoSuchPeer, "self %s is not a known device", self.Short())
	}

	ev := &evaluator{
		model:        m,
		policies:     policies,
		opts:         opts,
		self:         self,
		previous:     st.Dynamic,
		rules:        make(map[interfaces.PeerID]policy.Rules),
		unresolved:   make(map[interfaces.PeerID]interfaces.PolicyVersion),
		recoveryKeys: make(map[interfaces.PeerID][]byte),
	}
	if ev.previous == nil {
		ev.previous = &peer.DynamicInfo{}
	}

	excluded := make(map[interfaces.PeerID]bool)
	for _, id := range ev.previous.Excluded {
		excluded[id] = true
	}
	for _, id := range opts.Exclude {
		excluded[id] = true
	}

	var reached map[interfaces.PeerID]bool
	for {
		reached = ev.reach(excluded)

		grown := false
		for id := range reached {
			if d := ev.opinion(id); d != nil {
				for _, x := range d.Excluded {
					if !excluded[x] {
						excluded[x] = true
						grown = true
					}
				}
			}
		}
		if !grown {
			break
		}
	}

	out := &Evaluation{Self: self, rules: make(map[interfaces.PeerID]policy.Rules)}
	for id := range reached {
		if id != self && excluded[id] {
			continue
		}
		out.Included = append(out.Included, id)
		if r, ok := ev.rules[id]; ok {
			out.rules[id] = r
		}
	}
	for id := range excluded {
		if id == self {
			out.SelfExcluded = true
			continue
		}
		out.Excluded = append(out.Excluded, id)
	}
	slices.Sort(out.Included)
	slices.Sort(out.Excluded)

	versions := make(map[interfaces.PolicyVersion]bool)
	for id, v := range ev.unresolved {
		if id != self {
			out.Ignored = append(out.Ignored, id)
		}
		versions[v] = true
	}
	slices.Sort(out.Ignored)
	out.Unresolved = slices.SortedFunc(maps.Keys(versions), func(a, b interfaces.PolicyVersion) int {
		if a.Number != b.Number {
			if a.Number < b.Number {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.Hash[:], b.Hash[:])
	})

	ev.pickRecoveryKeys(out, reached, excluded)
	return out, nil
}

// opinion returns the dynamic info of a peer whose edges are followed.
func (ev *evaluator) opinion(id interfaces.PeerID) *peer.DynamicInfo {
	st, ok := ev.model.peers[id]
	if !ok || st.Permanent.Kind != peer.KindDevice || st.Dynamic == nil {
		return nil
	}
	if id != ev.self && !ev.resolvable(id) {
		return nil
	}
	return st.Dynamic
}

func (ev *evaluator) reach(excluded map[interfaces.PeerID]bool) map[interfaces.PeerID]bool {
	reached := map[interfaces.PeerID]bool{ev.self: true}
	queue := []interfaces.PeerID{ev.self}
	ev.resolvable(ev.self)

	consider := func(id interfaces.PeerID) {
		if reached[id] || excluded[id] || !ev.admissible(id) {
			return
		}
		reached[id] = true
		queue = append(queue, id)
	}

	for _, id := range ev.opts.Include {
		consider(id)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if d := ev.opinion(id); d != nil {
			for _, included := range d.Included {
				consider(included)
			}
			for _, candidate := range ev.preapproved(d.Preapprovals) {
				consider(candidate)
			}
			if st := ev.model.peers[id]; st.Stable != nil && st.Stable.HasRecoveryKeys() {
				rid := credential.RecoveryPeerID(st.Stable.RecoverySigningPublicKey)
				ev.recoveryKeys[rid] = st.Stable.RecoverySigningPublicKey
				if !reached[rid] && !excluded[rid] {
					reached[rid] = true
					queue = append(queue, rid)
				}
			}
		}

		signingKey, ok := ev.signingKey(id)
		if !ok {
			continue
		}
		for _, sv := range ev.model.Vouchers() {
			if sv.Voucher.Sponsor != id || reached[sv.Voucher.Beneficiary] {
				continue
			}
			if ev.voucherValid(sv, signingKey) {
				consider(sv.Voucher.Beneficiary)
			}
		}
	}
	return reached
}

// admissible decides whether a peer reached through an edge may join the
// trusted set.
func (ev *evaluator) admissible(id interfaces.PeerID) bool {
	st, ok := ev.model.peers[id]
	if !ok {
		return false
	}
	if st.Permanent.Kind.IsCredential() {
		return true
	}

	previouslyTrusted := ev.previous.Includes(id)
	if ev.opts.AllowedMachineIDs != nil && !ev.opts.AllowedMachineIDs[st.Permanent.MachineID] && !previouslyTrusted {
		return false
	}
	if !ev.resolvable(id) {
		return previouslyTrusted
	}
	return true
}

func (ev *evaluator) signingKey(id interfaces.PeerID) ([]byte, bool) {
	if st, ok := ev.model.peers[id]; ok {
		return st.Permanent.SigningPublicKey, true
	}
	key, ok := ev.recoveryKeys[id]
	return key, ok
}

// resolvable resolves and caches a device peer's effective rules.
func (ev *evaluator) resolvable(id interfaces.PeerID) bool {
	if _, ok := ev.rules[id]; ok {
		return true
	}
	if _, ok := ev.unresolved[id]; ok {
		return false
	}

	st, ok := ev.model.peers[id]
	if !ok || st.Stable == nil {
		return false
	}

	version := st.Stable.EffectivePolicyVersion()
	doc, ok := ev.policies.Lookup(version)
	if !ok {
		ev.unresolved[id] = version
		return false
	}

	rules, err := doc.Resolve(st.Stable.PolicySecrets)
	if err != nil {
		ev.unresolved[id] = version
		return false
	}
	ev.rules[id] = rules
	return true
}

func (ev *evaluator) preapproved(preapprovals []string) []interfaces.PeerID {
	if len(preapprovals) == 0 {
		return nil
	}
	var out []interfaces.PeerID
	for _, id := range ev.model.PeerIDs() {
		st := ev.model.peers[id]
		if st.Permanent.Kind == peer.KindDevice && slices.Contains(preapprovals, peer.PreapprovalFor(st.Permanent.SigningPublicKey)) {
			out = append(out, id)
		}
	}
	return out
}

// voucherValid checks a voucher issued by a reached sponsor. Device
// sponsors must be allowed to introduce the beneficiary's category under
// the beneficiary's policy; credential sponsors admit any device.
func (ev *evaluator) voucherValid(sv peer.SignedVoucher, sponsorKey []byte) bool {
	if sv.Verify(sponsorKey) != nil {
		return false
	}

	candidate, ok := ev.model.peers[sv.Voucher.Beneficiary]
	if !ok || candidate.Permanent.Kind != peer.KindDevice || candidate.Stable == nil {
		return false
	}
	if _, ok := ev.policies.Lookup(sv.Voucher.PolicyVersion); !ok {
		return false
	}

	sponsor, ok := ev.model.peers[sv.Voucher.Sponsor]
	if !ok || sponsor.Permanent.Kind.IsCredential() {
		return true
	}
	if sponsor.Stable == nil {
		return false
	}

	doc, ok := ev.policies.Lookup(candidate.Stable.EffectivePolicyVersion())
	if !ok {
		return true // admissible() records the unresolved version
	}

	secrets := make(map[string][]byte)
	maps.Copy(secrets, sponsor.Stable.PolicySecrets)
	maps.Copy(secrets, candidate.Stable.PolicySecrets)

	rules, err := doc.Resolve(secrets)
	if err != nil {
		return false
	}
	candidateCategory, err := rules.CategoryForModel(candidate.Permanent.ModelID)
	if err != nil {
		return false
	}
	sponsorCategory, err := rules.CategoryForModel(sponsor.Permanent.ModelID)
	if err != nil {
		return false
	}
	return rules.CanIntroduce(sponsorCategory, candidateCategory)
}

// pickRecoveryKeys selects the account-level recovery key: the one carried
// by the trusted device with the newest stable info, ties broken by peer ID.
// Excluded recovery keys are never selected.
func (ev *evaluator) pickRecoveryKeys(out *Evaluation, reached, excluded map[interfaces.PeerID]bool) {
	var best *peer.StableInfo
	var bestID interfaces.PeerID

	for _, id := range out.Included {
		if !reached[id] {
			continue
		}
		st, ok := ev.model.peers[id]
		if !ok || st.Permanent.Kind != peer.KindDevice || st.Stable == nil || !st.Stable.HasRecoveryKeys() {
			continue
		}
		if excluded[credential.RecoveryPeerID(st.Stable.RecoverySigningPublicKey)] {
			continue
		}
		if best == nil || st.Stable.Clock > best.Clock || (st.Stable.Clock == best.Clock && id < bestID) {
			best, bestID = st.Stable, id
		}
	}

	if best == nil {
		return
	}
	out.RecoverySigningPublicKey = slices.Clone(best.RecoverySigningPublicKey)
	out.RecoveryEncryptionPublicKey = slices.Clone(best.RecoveryEncryptionPublicKey)
	out.RecoveryPeerID = credential.RecoveryPeerID(best.RecoverySigningPublicKey)
}
