package octagon

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAccount interfaces.AccountID = "alt-dsid-1"

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) PolicyChanged(update interfaces.PolicyUpdate) {
	m.Called(update)
}

func (m *mockConsumer) KeySharesReceived(keys []interfaces.ViewKey) {
	m.Called(keys)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, server feed.Feed) (*Machine, *mockConsumer) {
	t.Helper()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	keys, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)
	store, err := storage.NewFileMetadataStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	registry := container.NewRegistry(func(ctx context.Context, key interfaces.ContainerKey) (*container.Container, error) {
		return container.New(ctx, container.Config{
			Key:      key,
			Feed:     server,
			Keys:     keys,
			Metadata: store,
			Retry:    &feed.RetryConfig{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
			Log:      testLogger(),
		})
	})
	t.Cleanup(registry.Clear)

	consumer := &mockConsumer{}
	consumer.On("PolicyChanged", mock.Anything).Return()

	m, err := New(Config{Registry: registry, Consumer: consumer, Log: testLogger()})
	require.NoError(t, err)
	return m, consumer
}

func device(model string) container.PrepareRequest {
	return container.PrepareRequest{Device: interfaces.DeviceInfo{ModelID: model, MachineID: "machine-" + model}}
}

func lastUpdate(t *testing.T, c *mockConsumer) interfaces.PolicyUpdate {
	t.Helper()
	var last interfaces.PolicyUpdate
	found := false
	for _, call := range c.Calls {
		if call.Method == "PolicyChanged" {
			last = call.Arguments.Get(0).(interfaces.PolicyUpdate)
			found = true
		}
	}
	require.True(t, found, "no policy update delivered")
	return last
}

func TestMachineLifecycle(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a, consumerA := newTestMachine(t, server)

	assert.Equal(t, StateNoAccount, a.State())
	_, err := a.Container()
	require.ErrorIs(t, err, ErrNoAccount)
	require.ErrorIs(t, a.Establish(t.Context(), device("iPhone15,2")), ErrNoAccount)

	require.NoError(t, a.AccountAvailable(t.Context(), testAccount))
	assert.Equal(t, StateUntrusted, a.State())

	require.NoError(t, a.Establish(t.Context(), device("iPhone15,2")))
	assert.Equal(t, StateReady, a.State())

	update := lastUpdate(t, consumerA)
	assert.Equal(t, policy.Prevailing().Version, update.Version)
	assert.Contains(t, update.AllowedViews, policy.ViewPasswords)
	assert.False(t, update.IsInheritedAccount)

	err = a.Establish(t.Context(), device("iPhone15,2"))
	require.ErrorIs(t, err, interfaces.ErrAlreadyEstablished)

	b, consumerB := newTestMachine(t, server)
	require.NoError(t, b.AccountAvailable(t.Context(), testAccount))
	prepared, err := b.Prepare(t.Context(), device("Mac14,2"))
	require.NoError(t, err)

	ca, err := a.Container()
	require.NoError(t, err)
	vouch, err := ca.Vouch(t.Context(), container.VouchRequest{Permanent: prepared.Permanent, Stable: prepared.Stable})
	require.NoError(t, err)

	require.NoError(t, b.Join(t.Context(), container.JoinRequest{Voucher: vouch.Voucher, KeyShares: vouch.KeyShares}))
	assert.Equal(t, StateReady, b.State())
	assert.NotEmpty(t, lastUpdate(t, consumerB).AllowedViews)

	res, err := a.Fetch(t.Context())
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, StateReady, a.State())

	// A peer that left is excluded on its next fetch.
	cb, err := b.Container()
	require.NoError(t, err)
	require.NoError(t, cb.Leave(t.Context()))
	_, err = b.Fetch(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateUntrusted, b.State())
	assert.Empty(t, lastUpdate(t, consumerB).AllowedViews)

	require.NoError(t, a.AccountSignedOut(t.Context()))
	assert.Equal(t, StateNoAccount, a.State())
	assert.Equal(t, interfaces.PolicyUpdate{}, lastUpdate(t, consumerA))

	// The old identity is gone after signing back in.
	require.NoError(t, a.AccountAvailable(t.Context(), testAccount))
	assert.Equal(t, StateUntrusted, a.State())
}

func TestMachineInherited(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a, _ := newTestMachine(t, server)
	require.NoError(t, a.AccountAvailable(t.Context(), testAccount))
	require.NoError(t, a.Establish(t.Context(), device("iPhone15,2")))

	ca, err := a.Container()
	require.NoError(t, err)
	w, err := ca.CreateInheritanceKey(t.Context(), uuid.Nil)
	require.NoError(t, err)

	d, consumerD := newTestMachine(t, server)
	require.NoError(t, d.AccountAvailable(t.Context(), testAccount))
	cd, err := d.Container()
	require.NoError(t, err)
	claimed, err := cd.ClaimInheritanceKey(t.Context(), w.UUID, w.ClaimToken, w.WrappingKey)
	require.NoError(t, err)

	require.NoError(t, d.JoinWithInheritanceKey(t.Context(), device("iPhone15,2"), claimed))
	assert.Equal(t, StateInherited, d.State())
	assert.True(t, lastUpdate(t, consumerD).IsInheritedAccount)

	err = d.Establish(t.Context(), device("iPhone15,2"))
	require.ErrorIs(t, err, interfaces.ErrAlreadyEstablished)

	// Signing out clears the inherited flag.
	require.NoError(t, d.AccountSignedOut(t.Context()))
	require.NoError(t, d.AccountAvailable(t.Context(), testAccount))
	assert.Equal(t, StateUntrusted, d.State())
	cd, err = d.Container()
	require.NoError(t, err)
	status, err := cd.Status(t.Context())
	require.NoError(t, err)
	assert.False(t, status.Inherited)
}

func TestMachineResetAndEstablish(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a, _ := newTestMachine(t, server)
	require.NoError(t, a.AccountAvailable(t.Context(), testAccount))
	require.NoError(t, a.Establish(t.Context(), device("iPhone15,2")))

	ca, err := a.Container()
	require.NoError(t, err)
	before, err := ca.Status(t.Context())
	require.NoError(t, err)

	require.NoError(t, a.ResetAndEstablish(t.Context(), device("iPhone15,2")))
	assert.Equal(t, StateReady, a.State())

	after, err := ca.Status(t.Context())
	require.NoError(t, err)
	assert.NotEqual(t, before.PeerID, after.PeerID)
	assert.Equal(t, []interfaces.PeerID{after.PeerID}, server.Members(interfaces.ContainerKey{AccountID: testAccount, ContextID: interfaces.DefaultContextID}))

	require.NoError(t, a.Reset(t.Context()))
	assert.Equal(t, StateUntrusted, a.State())
}

func TestWaitForState(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a, _ := newTestMachine(t, server)

	reached := make(chan State, 1)
	go func() {
		s, err := a.WaitForState(t.Context(), StateReady, StateInherited)
		if err == nil {
			reached <- s
		}
		close(reached)
	}()

	require.NoError(t, a.AccountAvailable(t.Context(), testAccount))
	require.NoError(t, a.Establish(t.Context(), device("iPhone15,2")))

	select {
	case s := <-reached:
		assert.Equal(t, StateReady, s)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForState did not return")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	s, err := a.WaitForState(ctx, StateNoAccount)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateReady, s)
}

func TestHoldBlocksFetch(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a, _ := newTestMachine(t, server)
	_, err := a.Hold()
	require.ErrorIs(t, err, ErrNoAccount)

	require.NoError(t, a.AccountAvailable(t.Context(), testAccount))
	require.NoError(t, a.Establish(t.Context(), device("iPhone15,2")))

	release, err := a.Hold()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Fetch(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	_, err = a.Fetch(t.Context())
	require.NoError(t, err)
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateNoAccount: "NoAccount",
		StateUntrusted: "Untrusted",
		StateReady:     "Ready",
		StateInherited: "Inherited",
		State(42):      "Unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}
