package trustgraph

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testPeer struct {
	t      *testing.T
	keys   *peer.Keys
	perm   peer.Signed[peer.PermanentInfo]
	id     interfaces.PeerID
	stable peer.StableInfo
	clock  uint64
}

func newTestPeer(t *testing.T, model string, machineID string) *testPeer {
	keys, err := peer.GenerateKeys()
	require.NoError(t, err)

	perm, info, err := peer.NewDeviceIdentity(keys, 1, interfaces.DeviceInfo{ModelID: model, MachineID: machineID})
	require.NoError(t, err)

	return &testPeer{
		t:    t,
		keys: keys,
		perm: perm,
		id:   info.PeerID,
		stable: peer.StableInfo{
			Clock:               1,
			FrozenPolicyVersion: policy.Prevailing().Version,
		},
	}
}

func (p *testPeer) signedStable() *peer.Signed[peer.StableInfo] {
	s, err := peer.Sign(p.keys.Signing, p.stable)
	require.NoError(p.t, err)
	return &s
}

func (p *testPeer) revision(included []interfaces.PeerID, excluded []interfaces.PeerID, vouchers ...peer.SignedVoucher) *peer.Revision {
	p.clock++
	dyn := peer.DynamicInfo{Clock: p.clock, Included: included, Excluded: excluded}
	dyn.Normalize()

	d, err := peer.Sign(p.keys.Signing, dyn)
	require.NoError(p.t, err)

	return &peer.Revision{Permanent: p.perm, Stable: p.signedStable(), Dynamic: &d, Vouchers: vouchers}
}

func (p *testPeer) vouch(beneficiary *testPeer) peer.SignedVoucher {
	sv, err := peer.SignVoucher(p.keys.Signing, peer.Voucher{
		Beneficiary:   beneficiary.id,
		Sponsor:       p.id,
		PolicyVersion: beneficiary.stable.FrozenPolicyVersion,
	})
	require.NoError(p.t, err)
	return sv
}

func apply(t *testing.T, m *Model, revs ...*peer.Revision) {
	for _, rev := range revs {
		_, err := m.Apply(rev)
		require.NoError(t, err)
	}
}

func TestApplyIdempotent(t *testing.T) {
	a := newTestPeer(t, "iPhone15,2", "m-a")
	b := newTestPeer(t, "Mac14,2", "m-b")

	revs := []*peer.Revision{
		a.revision([]interfaces.PeerID{a.id}, nil),
		b.revision([]interfaces.PeerID{a.id, b.id}, nil, a.vouch(b)),
		a.revision([]interfaces.PeerID{a.id, b.id}, nil),
	}

	once := NewModel(testLogger())
	apply(t, once, revs...)
	onceBytes, err := once.Snapshot()
	require.NoError(t, err)

	twice := NewModel(testLogger())
	apply(t, twice, revs...)
	for _, rev := range revs {
		changed, err := twice.Apply(rev)
		require.NoError(t, err)
		assert.False(t, changed, "reapplying a known revision must be a no-op")
	}
	twiceBytes, err := twice.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, onceBytes, twiceBytes)
}

func TestApplyOrderIndependent(t *testing.T) {
	a := newTestPeer(t, "iPhone15,2", "m-a")
	first := a.revision([]interfaces.PeerID{a.id}, nil)
	a.stable.DeviceName = "renamed"
	a.stable.Clock = 2
	second := a.revision([]interfaces.PeerID{a.id}, nil)

	forward := NewModel(testLogger())
	apply(t, forward, first, second)
	backward := NewModel(testLogger())
	apply(t, backward, second, first)

	fwd, err := forward.Snapshot()
	require.NoError(t, err)
	bwd, err := backward.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, fwd, bwd)

	st, ok := backward.Peer(a.id)
	require.True(t, ok)
	assert.Equal(t, uint64(2), st.Stable.Clock, "the newer stable info wins")
	assert.Equal(t, "renamed", st.Stable.DeviceName)
	assert.Equal(t, uint64(2), st.Dynamic.Clock)

	history := backward.History(a.id)
	require.Len(t, history, 2, "superseded stable and dynamic revisions are kept")
	clocks := map[string]uint64{}
	for _, e := range history {
		clocks[e.Record] = e.Clock
	}
	assert.Equal(t, map[string]uint64{recordStable: 1, recordDynamic: 1}, clocks)
}

func TestStableInfoCannotChangeFrozenPolicy(t *testing.T) {
	a := newTestPeer(t, "iPhone15,2", "m-a")
	m := NewModel(testLogger())
	apply(t, m, a.revision([]interfaces.PeerID{a.id}, nil))

	original := a.stable.FrozenPolicyVersion
	a.stable.Clock = 2
	a.stable.FrozenPolicyVersion = interfaces.PolicyVersion{Number: 99, Hash: interfaces.ComputeID([]byte("v99"))}
	_, err := m.Apply(a.revision([]interfaces.PeerID{a.id}, nil))
	require.NoError(t, err)

	st, ok := m.Peer(a.id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Stable.Clock)
	assert.Equal(t, original, st.Stable.FrozenPolicyVersion)
	assert.Equal(t, uint64(2), st.Dynamic.Clock, "the dynamic info of the same revision still applies")

	var archived bool
	for _, e := range m.History(a.id) {
		if e.Record == recordStable && e.Clock == 2 {
			archived = true
		}
	}
	assert.True(t, archived, "the rejected stable info is kept in the history")
}

func TestStableInfoCannotLowerFlexiblePolicy(t *testing.T) {
	v6 := interfaces.PolicyVersion{Number: 6, Hash: interfaces.ComputeID([]byte("v6"))}
	v7 := interfaces.PolicyVersion{Number: 7, Hash: interfaces.ComputeID([]byte("v7"))}

	a := newTestPeer(t, "iPhone15,2", "m-a")
	a.stable.FlexiblePolicyVersion = &v7
	m := NewModel(testLogger())
	apply(t, m, a.revision([]interfaces.PeerID{a.id}, nil))

	a.stable.Clock = 2
	a.stable.FlexiblePolicyVersion = &v6
	apply(t, m, a.revision([]interfaces.PeerID{a.id}, nil))

	a.stable.Clock = 3
	a.stable.FlexiblePolicyVersion = nil
	apply(t, m, a.revision([]interfaces.PeerID{a.id}, nil))

	st, ok := m.Peer(a.id)
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Stable.Clock)
	assert.Equal(t, v7, st.Stable.EffectivePolicyVersion())

	a.stable.Clock = 4
	v8 := interfaces.PolicyVersion{Number: 8, Hash: interfaces.ComputeID([]byte("v8"))}
	a.stable.FlexiblePolicyVersion = &v8
	apply(t, m, a.revision([]interfaces.PeerID{a.id}, nil))

	st, _ = m.Peer(a.id)
	assert.Equal(t, uint64(4), st.Stable.Clock)
	assert.Equal(t, v8, st.Stable.EffectivePolicyVersion())
}

func TestEqualClockTieBreak(t *testing.T) {
	a := newTestPeer(t, "iPhone15,2", "m-a")
	left := a.revision([]interfaces.PeerID{a.id}, nil)
	a.stable.SerialNumber = "conflicting"
	a.clock--
	right := a.revision([]interfaces.PeerID{a.id}, nil)

	m1 := NewModel(testLogger())
	apply(t, m1, left, right)
	m2 := NewModel(testLogger())
	apply(t, m2, right, left)

	s1, _ := m1.Peer(a.id)
	s2, _ := m2.Peer(a.id)
	assert.Equal(t, s1.SignedStable.Data, s2.SignedStable.Data, "both observers pick the same winner")
	assert.Equal(t, s1.SignedDynamic.Data, s2.SignedDynamic.Data)
	assert.Len(t, m1.History(a.id), 1, "only the losing stable info is archived")
}

func TestApplyRejectsForgedRevision(t *testing.T) {
	a := newTestPeer(t, "iPhone15,2", "m-a")
	b := newTestPeer(t, "iPhone15,2", "m-b")

	rev := a.revision([]interfaces.PeerID{a.id}, nil)
	rev.Stable = b.signedStable()

	m := NewModel(testLogger())
	_, err := m.Apply(rev)
	require.ErrorIs(t, err, interfaces.ErrInvalidSignature)
	assert.Empty(t, m.PeerIDs())
}

func TestSnapshotRestore(t *testing.T) {
	a := newTestPeer(t, "iPhone15,2", "m-a")
	b := newTestPeer(t, "Mac14,2", "m-b")

	m := NewModel(testLogger())
	apply(t, m,
		a.revision([]interfaces.PeerID{a.id}, nil),
		b.revision([]interfaces.PeerID{a.id, b.id}, nil, a.vouch(b)),
		a.revision([]interfaces.PeerID{a.id, b.id}, nil),
	)

	data, err := m.Snapshot()
	require.NoError(t, err)

	restored, err := Restore(testLogger(), data)
	require.NoError(t, err)

	again, err := restored.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, data, again)
	assert.Equal(t, m.PeerIDs(), restored.PeerIDs())
	assert.Len(t, restored.VouchersFor(b.id), 1)

	clone, err := m.Clone()
	require.NoError(t, err)
	c := newTestPeer(t, "iPhone15,2", "m-c")
	apply(t, clone, c.revision([]interfaces.PeerID{c.id}, nil))
	assert.Len(t, clone.PeerIDs(), 3)
	assert.Len(t, m.PeerIDs(), 2, "clones are independent")
}

func TestCredentialPseudoPeerRevision(t *testing.T) {
	ik, err := credential.NewInheritanceKey(uuid.New())
	require.NoError(t, err)
	identity, err := ik.KeySet().Identity()
	require.NoError(t, err)

	m := NewModel(testLogger())
	changed, err := m.Apply(&peer.Revision{Permanent: identity})
	require.NoError(t, err)
	assert.True(t, changed)

	st, ok := m.Peer(ik.PeerID())
	require.True(t, ok)
	assert.Equal(t, peer.KindInheritance, st.Permanent.Kind)
	assert.Nil(t, st.Dynamic)
}
