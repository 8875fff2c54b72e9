package container

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = interfaces.ContainerKey{AccountID: "alt-dsid-1", ContextID: interfaces.DefaultContextID}

var fastRetry = feed.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingConsumer struct {
	mu      sync.Mutex
	updates []interfaces.PolicyUpdate
	keys    []interfaces.ViewKey
}

func (r *recordingConsumer) PolicyChanged(update interfaces.PolicyUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recordingConsumer) KeySharesReceived(keys []interfaces.ViewKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
}

func (r *recordingConsumer) lastUpdate() (interfaces.PolicyUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return interfaces.PolicyUpdate{}, false
	}
	return r.updates[len(r.updates)-1], true
}

func (r *recordingConsumer) views() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var views []string
	for _, k := range r.keys {
		if !slices.Contains(views, k.View) {
			views = append(views, k.View)
		}
	}
	slices.Sort(views)
	return views
}

type staticShares struct{}

func (staticShares) ViewKeys(views []string) ([]interfaces.ViewKey, error) {
	keys := make([]interfaces.ViewKey, 0, len(views))
	for _, v := range views {
		k := sha256.Sum256([]byte(v))
		keys = append(keys, interfaces.ViewKey{View: v, KeyID: "tlk-" + v, Key: k[:]})
	}
	return keys, nil
}

type testDevice struct {
	*Container
	cfg      Config
	consumer *recordingConsumer
	prepared *Prepared
}

func newTestDevice(t *testing.T, f feed.Feed, mutate ...func(*Config)) *testDevice {
	t.Helper()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	keys, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	store, err := storage.NewFileMetadataStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	consumer := &recordingConsumer{}
	cfg := Config{
		Key:      testAccount,
		Feed:     f,
		Keys:     keys,
		Metadata: store,
		Policies: policy.NewBuiltinCache(testLogger()),
		Consumer: consumer,
		Shares:   staticShares{},
		Retry:    &fastRetry,
		Log:      testLogger(),
	}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := New(t.Context(), cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return &testDevice{Container: c, cfg: cfg, consumer: consumer}
}

func (d *testDevice) prepare(t *testing.T, model string) {
	t.Helper()
	p, err := d.Prepare(t.Context(), PrepareRequest{Device: interfaces.DeviceInfo{
		ModelID:    model,
		MachineID:  "machine-" + model,
		DeviceName: model,
	}})
	require.NoError(t, err)
	d.prepared = p
}

func (d *testDevice) id() interfaces.PeerID {
	return d.prepared.PeerID
}

func (d *testDevice) fetch(t *testing.T) *SyncResult {
	t.Helper()
	res, err := d.FetchChanges(t.Context())
	require.NoError(t, err)
	return res
}

func (d *testDevice) dump(t *testing.T) *Dump {
	t.Helper()
	dump, err := d.Dump(t.Context())
	require.NoError(t, err)
	return dump
}

func (d *testDevice) trusts(t *testing.T, id interfaces.PeerID) bool {
	return slices.Contains(d.dump(t).Included, id)
}

func (d *testDevice) excludes(t *testing.T, id interfaces.PeerID) bool {
	return slices.Contains(d.dump(t).Excluded, id)
}

func (d *testDevice) snapshot(t *testing.T) []byte {
	t.Helper()
	var data []byte
	require.NoError(t, d.do(t.Context(), "snapshot", func(context.Context) error {
		var err error
		data, err = d.model.Snapshot()
		return err
	}))
	return data
}

func establishDevice(t *testing.T, server *feed.Memory) *testDevice {
	t.Helper()
	a := newTestDevice(t, server)
	a.prepare(t, "iPhone15,2")
	require.NoError(t, a.Establish(t.Context()))
	return a
}

func joinVia(t *testing.T, sponsor, candidate *testDevice) {
	t.Helper()
	res, err := sponsor.Vouch(t.Context(), VouchRequest{Permanent: candidate.prepared.Permanent, Stable: candidate.prepared.Stable})
	require.NoError(t, err)
	id, err := candidate.Join(t.Context(), JoinRequest{Voucher: res.Voucher, KeyShares: res.KeyShares})
	require.NoError(t, err)
	require.Equal(t, candidate.id(), id)
}

func TestEstablishAndJoin(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	status, err := a.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Trusted)
	assert.Equal(t, []interfaces.PeerID{a.id()}, server.Members(testAccount))

	update, ok := a.consumer.lastUpdate()
	require.True(t, ok)
	assert.Equal(t, policy.Prevailing().Version, update.Version)
	assert.Contains(t, update.AllowedViews, policy.ViewPasswords)
	assert.False(t, update.IsInheritedAccount)

	b := newTestDevice(t, server)
	b.prepare(t, "Mac14,2")
	joinVia(t, a, b)

	assert.True(t, b.trusts(t, a.id()))
	assert.True(t, b.trusts(t, b.id()))
	assert.Contains(t, b.consumer.views(), policy.ViewPasswords, "shares handed over with the voucher")

	before := server.UpdateCount(testAccount, a.id())
	res := a.fetch(t)
	assert.True(t, res.Updated)
	assert.Equal(t, before+1, server.UpdateCount(testAccount, a.id()))
	assert.True(t, a.trusts(t, b.id()))

	res = a.fetch(t)
	assert.False(t, res.Updated, "no new opinion, no update")
	assert.Equal(t, before+1, server.UpdateCount(testAccount, a.id()))
}

func TestEstablishRequiresPreparation(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := newTestDevice(t, server)
	require.ErrorIs(t, a.Establish(t.Context()), interfaces.ErrNotPrepared)

	establishDevice(t, server)
	a.prepare(t, "iPhone15,2")
	require.ErrorIs(t, a.Establish(t.Context()), interfaces.ErrAlreadyEstablished)
}

func TestPrepareFreezesPrevailingPolicy(t *testing.T) {
	server := feed.NewMemory(testLogger())

	next, err := policy.Prevailing().Clone(7, map[string][]string{"Spatial": {policy.CategoryFull}}, nil, nil)
	require.NoError(t, err)

	b := newTestDevice(t, server)
	require.NoError(t, b.cfg.Policies.Add(t.Context(), next))

	version := next.Version
	p, err := b.Prepare(t.Context(), PrepareRequest{
		Device:        interfaces.DeviceInfo{ModelID: "iPhone16,1"},
		PolicyVersion: &version,
	})
	require.NoError(t, err)

	stable, err := p.Stable.Decode()
	require.NoError(t, err)
	assert.Equal(t, policy.Prevailing().Version, stable.FrozenPolicyVersion, "frozen to the server's prevailing policy")
	require.NotNil(t, stable.FlexiblePolicyVersion)
	assert.Equal(t, next.Version, *stable.FlexiblePolicyVersion)

	// A version the device cannot resolve is not adopted.
	c := newTestDevice(t, server)
	p, err = c.Prepare(t.Context(), PrepareRequest{
		Device:        interfaces.DeviceInfo{ModelID: "iPhone16,1"},
		PolicyVersion: &version,
	})
	require.NoError(t, err)
	stable, err = p.Stable.Decode()
	require.NoError(t, err)
	assert.Nil(t, stable.FlexiblePolicyVersion)

	_, err = c.Prepare(t.Context(), PrepareRequest{Device: interfaces.DeviceInfo{ModelID: "Toaster1,1"}})
	require.ErrorIs(t, err, interfaces.ErrModelNotFound)
}

func TestPolicyForwardCompatibility(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	next, err := policy.Prevailing().Clone(7, map[string][]string{"Spatial": {policy.CategoryFull}}, nil, nil)
	require.NoError(t, err)

	// b knows v7 from its own build; neither a nor the server do.
	b := newTestDevice(t, server)
	require.NoError(t, b.cfg.Policies.Add(t.Context(), next))
	version := next.Version
	p, err := b.Prepare(t.Context(), PrepareRequest{
		Device:        interfaces.DeviceInfo{ModelID: "iPhone16,1"},
		PolicyVersion: &version,
	})
	require.NoError(t, err)
	b.prepared = p
	joinVia(t, a, b)

	before := server.UpdateCount(testAccount, a.id())
	res := a.fetch(t)
	assert.False(t, res.Updated)
	assert.Equal(t, before, server.UpdateCount(testAccount, a.id()), "no opinion about a peer whose policy is unknown")
	assert.False(t, a.trusts(t, b.id()))

	require.NoError(t, server.AddPolicy(next))

	res = a.fetch(t)
	assert.True(t, res.Updated)
	assert.Equal(t, before+1, server.UpdateCount(testAccount, a.id()), "exactly one update once the policy resolves")
	assert.True(t, a.trusts(t, b.id()))

	a.fetch(t)
	assert.Equal(t, before+1, server.UpdateCount(testAccount, a.id()))
}

func TestVouchRedactedModel(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	redaction, err := policy.NewRedaction("spatial-hardware", secret, policy.Rules{
		ModelToCategory: []policy.CategoryRule{{Prefix: "RealityDevice", Category: policy.CategoryFull}},
	})
	require.NoError(t, err)
	redacted, err := policy.Prevailing().Clone(7, nil, nil, []policy.Redaction{redaction})
	require.NoError(t, err)
	require.NoError(t, server.AddPolicy(redacted))
	require.NoError(t, server.SetPrevailing(redacted.Version))

	keys, err := peer.GenerateKeys()
	require.NoError(t, err)
	perm, _, err := peer.NewDeviceIdentity(keys, 1, interfaces.DeviceInfo{ModelID: "RealityDevice14,1"})
	require.NoError(t, err)

	candidate := func(secrets map[string][]byte) VouchRequest {
		stable, err := peer.Sign(keys.Signing, peer.StableInfo{Clock: 1, FrozenPolicyVersion: redacted.Version, PolicySecrets: secrets})
		require.NoError(t, err)
		return VouchRequest{Permanent: perm, Stable: stable}
	}

	_, err = a.Vouch(t.Context(), candidate(nil))
	require.ErrorIs(t, err, interfaces.ErrModelNotFound)

	res, err := a.Vouch(t.Context(), candidate(map[string][]byte{"spatial-hardware": secret}))
	require.NoError(t, err)
	assert.Equal(t, keys.PeerID(), res.Voucher.Voucher.Beneficiary)
	assert.Equal(t, a.id(), res.Voucher.Voucher.Sponsor)
	assert.Equal(t, redacted.Version, res.Voucher.Voucher.PolicyVersion)
	sponsor, err := a.prepared.Permanent.Decode()
	require.NoError(t, err)
	assert.NoError(t, res.Voucher.Verify(sponsor.SigningPublicKey))
}

func TestVouchPolicyErrors(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	keys, err := peer.GenerateKeys()
	require.NoError(t, err)
	perm, _, err := peer.NewDeviceIdentity(keys, 1, interfaces.DeviceInfo{ModelID: "iPhone16,1"})
	require.NoError(t, err)

	unknown := interfaces.PolicyVersion{Number: 42, Hash: interfaces.ComputeID([]byte("nope"))}
	stable, err := peer.Sign(keys.Signing, peer.StableInfo{Clock: 1, FrozenPolicyVersion: unknown})
	require.NoError(t, err)
	_, err = a.Vouch(t.Context(), VouchRequest{Permanent: perm, Stable: stable})
	require.ErrorIs(t, err, interfaces.ErrPolicyUnknown)

	// A watch may not introduce a phone.
	w := newTestDevice(t, server)
	w.prepare(t, "Watch6,1")
	joinVia(t, a, w)

	stable, err = peer.Sign(keys.Signing, peer.StableInfo{Clock: 1, FrozenPolicyVersion: policy.Prevailing().Version})
	require.NoError(t, err)
	_, err = w.Vouch(t.Context(), VouchRequest{Permanent: perm, Stable: stable})
	require.ErrorIs(t, err, interfaces.ErrIntroductionNotAllowed)

	// Signatures are checked before anything else.
	other, err := peer.GenerateKeys()
	require.NoError(t, err)
	forged, err := peer.Sign(other.Signing, peer.StableInfo{Clock: 1, FrozenPolicyVersion: policy.Prevailing().Version})
	require.NoError(t, err)
	_, err = a.Vouch(t.Context(), VouchRequest{Permanent: perm, Stable: forged})
	require.Error(t, err)
}

func TestLimitedPeerCannotVouch(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	limited := newTestDevice(t, server, func(cfg *Config) { cfg.LimitedPeer = true })
	limited.prepare(t, "AppleTV11,1")
	joinVia(t, a, limited)

	b := newTestDevice(t, server)
	b.prepare(t, "AudioAccessory5,1")
	_, err := limited.Vouch(t.Context(), VouchRequest{Permanent: b.prepared.Permanent, Stable: b.prepared.Stable})
	require.ErrorIs(t, err, interfaces.ErrOperationUnavailableOnLimitedPeer)

	err = limited.SetRecoveryKey(t.Context(), mustRecoveryKey(t))
	require.ErrorIs(t, err, interfaces.ErrOperationUnavailableOnLimitedPeer)
}

func TestTransientFetchFailuresAreRetried(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	server.FailNext("FetchChanges", 2)
	a.fetch(t)

	server.FailNext("FetchChanges", 3)
	_, err := a.FetchChanges(t.Context())
	require.Error(t, err)
	assert.True(t, interfaces.IsTransient(err))
	assert.ErrorIs(t, err, interfaces.ErrTransientFailure)
}

func TestFailedUpdateKeepsCursor(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	b := newTestDevice(t, server)
	b.prepare(t, "iPad13,1")
	joinVia(t, a, b)

	cursor := a.dump(t).Cursor
	updates := server.UpdateCount(testAccount, a.id())
	server.FailNext("Update", 1)
	_, err := a.FetchChanges(t.Context())
	require.ErrorIs(t, err, interfaces.ErrTransientFailure)
	assert.Equal(t, cursor, a.dump(t).Cursor)
	assert.Equal(t, updates, server.UpdateCount(testAccount, a.id()))

	res := a.fetch(t)
	assert.True(t, res.Updated)
	assert.Equal(t, updates+1, server.UpdateCount(testAccount, a.id()))
	assert.True(t, a.trusts(t, b.id()))
}

func TestRefetchIsIdempotent(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	b := newTestDevice(t, server)
	b.prepare(t, "iPad13,1")
	joinVia(t, a, b)
	a.fetch(t)
	b.fetch(t)
	a.fetch(t)

	before := a.snapshot(t)
	require.NoError(t, a.do(t.Context(), "rewind", func(context.Context) error {
		a.meta.Cursor = 0
		return nil
	}))
	res := a.fetch(t)
	assert.Zero(t, res.Applied)
	assert.False(t, res.Updated)
	assert.Equal(t, before, a.snapshot(t))
}

func TestRestartConverges(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	b := newTestDevice(t, server)
	b.prepare(t, "iPad13,1")
	joinVia(t, a, b)
	a.fetch(t)
	b.fetch(t)
	a.fetch(t)

	before := a.snapshot(t)
	updates := server.UpdateCount(testAccount, a.id())
	a.Close()

	reopened, err := New(t.Context(), a.cfg)
	require.NoError(t, err)
	t.Cleanup(reopened.Close)
	restarted := &testDevice{Container: reopened, cfg: a.cfg, consumer: a.consumer, prepared: a.prepared}

	assert.Equal(t, before, restarted.snapshot(t))
	res := restarted.fetch(t)
	assert.False(t, res.Updated)
	assert.Equal(t, updates, server.UpdateCount(testAccount, a.id()))
	assert.True(t, restarted.trusts(t, b.id()))

	// An observer that lost all metadata rebuilds the same graph.
	observer := newTestDevice(t, server, func(cfg *Config) { cfg.Metadata = nil })
	observer.fetch(t)
	assert.Equal(t, before, observer.snapshot(t))
}

type blockingFeed struct {
	feed.Feed
	entered chan struct{}
}

func (f *blockingFeed) Join(ctx context.Context, key interfaces.ContainerKey, req feed.JoinRequest) (interfaces.PeerID, error) {
	close(f.entered)
	<-ctx.Done()
	return "", ctx.Err()
}

func TestResetSupersedesInFlightJoin(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	blocking := &blockingFeed{Feed: server, entered: make(chan struct{})}
	b := newTestDevice(t, blocking)
	b.prepare(t, "iPad13,1")

	res, err := a.Vouch(t.Context(), VouchRequest{Permanent: b.prepared.Permanent, Stable: b.prepared.Stable})
	require.NoError(t, err)

	joined := make(chan error, 1)
	go func() {
		_, err := b.Join(t.Context(), JoinRequest{Voucher: res.Voucher})
		joined <- err
	}()

	<-blocking.entered
	require.NoError(t, b.Reset(t.Context()))
	require.ErrorIs(t, <-joined, interfaces.ErrOperationSuperseded)

	status, err := b.Status(t.Context())
	require.NoError(t, err)
	assert.False(t, status.Prepared)
	assert.False(t, status.Member)

	// The reset identity is a new peer.
	b.prepare(t, "iPad13,1")
	assert.NotEqual(t, res.Voucher.Voucher.Beneficiary, b.id())
}

func TestHoldStallsFetch(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	release := a.Hold()
	done := make(chan error, 1)
	go func() {
		_, err := a.FetchChanges(t.Context())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("fetch completed while held")
	case <-time.After(50 * time.Millisecond):
	}

	// Other operations still run.
	_, err := a.Status(t.Context())
	require.NoError(t, err)

	release()
	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not resume after release")
	}

	ctx, cancel := context.WithCancel(t.Context())
	release = a.Hold()
	defer release()
	cancel()
	_, err = a.FetchChanges(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLeave(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	b := newTestDevice(t, server)
	b.prepare(t, "iPad13,1")
	joinVia(t, a, b)
	a.fetch(t)

	require.NoError(t, b.Leave(t.Context()))
	status, err := b.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Departed)
	assert.False(t, status.Trusted)

	a.fetch(t)
	assert.False(t, a.trusts(t, b.id()))
	assert.True(t, a.excludes(t, b.id()))
}

func TestDump(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	b := newTestDevice(t, server)
	b.prepare(t, "iPad13,1")

	dump := b.dump(t)
	require.NotNil(t, dump.Self, "prepared identity is dumped before joining")
	assert.Equal(t, b.id(), dump.Self.PeerID)
	assert.Nil(t, dump.Self.Dynamic)

	joinVia(t, a, b)
	a.fetch(t)

	dump = a.dump(t)
	require.NotNil(t, dump.Self)
	assert.Equal(t, a.id(), dump.Self.PeerID)
	require.NotNil(t, dump.Self.Stable)
	require.NotNil(t, dump.Self.Dynamic)
	assert.Contains(t, dump.Self.Dynamic.Included, b.id())
	require.Len(t, dump.Peers, 1)
	assert.Equal(t, b.id(), dump.Peers[0].PeerID)
	assert.Len(t, dump.Vouchers, 1)
}
