package container

import (
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/credential"
	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRecoveryKey(t *testing.T) string {
	t.Helper()
	rk, err := credential.GenerateRecoveryKey()
	require.NoError(t, err)
	return rk
}

func TestRecoveryKeyLifecycle(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	b := newTestDevice(t, server)
	b.prepare(t, "iPad13,1")
	joinVia(t, a, b)
	a.fetch(t)

	rk := mustRecoveryKey(t)
	require.NoError(t, a.SetRecoveryKey(t.Context(), rk))
	require.NoError(t, a.CheckRecoveryKey(t.Context(), rk))

	b.fetch(t)
	dump := b.dump(t)
	require.NotNil(t, dump.Self.Stable)
	assert.NotEmpty(t, dump.Self.Stable.RecoverySigningPublicKey, "account recovery key adopted")
	assert.Equal(t, dump.Self.Stable.RecoverySigningPublicKey, dump.RecoverySigningPublicKey)

	keys, err := credential.NewRecoveryKeySet(rk, string(testAccount.AccountID))
	require.NoError(t, err)
	rid := keys.PeerID

	require.NoError(t, a.RemoveRecoveryKey(t.Context()))
	b.fetch(t)

	dump = b.dump(t)
	assert.Contains(t, dump.Excluded, rid)
	assert.Empty(t, dump.Self.Stable.RecoverySigningPublicKey)
	assert.Empty(t, dump.RecoverySigningPublicKey)
	assert.True(t, b.trusts(t, a.id()))

	// A removed recovery key stays removed.
	err = a.SetRecoveryKey(t.Context(), rk)
	require.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)
	err = a.CheckRecoveryKey(t.Context(), rk)
	require.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)

	// A fresh one can be set.
	require.NoError(t, a.SetRecoveryKey(t.Context(), mustRecoveryKey(t)))
}

func TestReplacingRecoveryKeyExcludesPrevious(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	first := mustRecoveryKey(t)
	require.NoError(t, a.SetRecoveryKey(t.Context(), first))
	second := mustRecoveryKey(t)
	require.NoError(t, a.SetRecoveryKey(t.Context(), second))

	keys, err := credential.NewRecoveryKeySet(first, string(testAccount.AccountID))
	require.NoError(t, err)
	assert.True(t, a.excludes(t, keys.PeerID))

	// a removed key is reported as untrusted before it is reported as wrong
	err = a.CheckRecoveryKey(t.Context(), first)
	require.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)
	err = a.CheckRecoveryKey(t.Context(), mustRecoveryKey(t))
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyIncorrect)
	require.NoError(t, a.CheckRecoveryKey(t.Context(), second))
}

func TestJoinWithRecoveryKey(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)
	rk := mustRecoveryKey(t)
	require.NoError(t, a.SetRecoveryKey(t.Context(), rk))

	c := newTestDevice(t, server)
	c.prepare(t, "Mac14,2")

	_, err := c.JoinWithRecoveryKey(t.Context(), "not a recovery key")
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)

	_, err = c.JoinWithRecoveryKey(t.Context(), mustRecoveryKey(t))
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyIncorrect)

	id, err := c.JoinWithRecoveryKey(t.Context(), rk)
	require.NoError(t, err)
	assert.Equal(t, c.id(), id)
	assert.True(t, c.trusts(t, a.id()))

	a.fetch(t)
	assert.True(t, a.trusts(t, c.id()))

	status, err := c.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Trusted)
	assert.False(t, status.Inherited)
}

func TestInheritanceKey(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	w, err := a.CreateInheritanceKey(t.Context(), uuid.Nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, w.UUID)
	require.NoError(t, a.CheckInheritanceKey(t.Context(), w.UUID))
	assert.True(t, a.trusts(t, w.PeerID()))

	d := newTestDevice(t, server)
	d.prepare(t, "iPhone15,2")

	claimed, err := d.ClaimInheritanceKey(t.Context(), w.UUID, w.ClaimToken, w.WrappingKey)
	require.NoError(t, err)
	assert.True(t, claimed.IsKeyEquals(w))

	_, err = d.JoinWithCustodianRecoveryKey(t.Context(), claimed)
	require.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	id, err := d.JoinWithInheritanceKey(t.Context(), claimed)
	require.NoError(t, err)
	assert.Equal(t, d.id(), id)

	status, err := d.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Trusted)
	assert.True(t, status.Inherited)

	update, ok := d.consumer.lastUpdate()
	require.True(t, ok)
	assert.True(t, update.IsInheritedAccount)

	other := newTestDevice(t, server)
	other.prepare(t, "iPad13,1")
	_, err = d.Vouch(t.Context(), VouchRequest{Permanent: other.prepared.Permanent, Stable: other.prepared.Stable})
	require.ErrorIs(t, err, interfaces.ErrOperationUnavailableOnLimitedPeer)
	err = d.SetRecoveryKey(t.Context(), mustRecoveryKey(t))
	require.ErrorIs(t, err, interfaces.ErrOperationUnavailableOnLimitedPeer)

	a.fetch(t)
	assert.True(t, a.trusts(t, d.id()))

	require.NoError(t, a.RemoveInheritanceKey(t.Context(), w.UUID))
	err = a.CheckInheritanceKey(t.Context(), w.UUID)
	require.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)

	err = a.RemoveInheritanceKey(t.Context(), uuid.New())
	require.ErrorIs(t, err, interfaces.ErrNotEnrolled)
}

func TestRecreatedInheritanceKey(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	w, err := a.CreateInheritanceKey(t.Context(), uuid.Nil)
	require.NoError(t, err)

	_, err = credential.Recreate(w.UUID, w)
	require.Error(t, err)

	recreated, err := credential.Recreate(uuid.New(), w)
	require.NoError(t, err)
	assert.True(t, recreated.IsKeyEquals(w))
	assert.NotEqual(t, w.PeerID(), recreated.PeerID())
	assert.Equal(t, w.WrappedKey, recreated.WrappedKey)

	require.NoError(t, a.StoreInheritanceKey(t.Context(), recreated))
	require.NoError(t, a.CheckInheritanceKey(t.Context(), recreated.UUID))
	assert.True(t, a.trusts(t, w.PeerID()))
	assert.True(t, a.trusts(t, recreated.PeerID()))

	_, err = a.CreateCustodianRecoveryKey(t.Context(), uuid.Nil)
	require.NoError(t, err)
	custodian, err := credential.NewCustodianRecoveryKey(uuid.New())
	require.NoError(t, err)
	require.ErrorIs(t, a.StoreInheritanceKey(t.Context(), custodian), interfaces.ErrInvalidArgument)
}

func TestCustodianRecoveryKey(t *testing.T) {
	server := feed.NewMemory(testLogger())
	a := establishDevice(t, server)

	w, err := a.CreateCustodianRecoveryKey(t.Context(), uuid.Nil)
	require.NoError(t, err)
	require.NoError(t, a.CheckCustodianRecoveryKey(t.Context(), w.UUID))

	e := newTestDevice(t, server)
	e.prepare(t, "Mac14,2")
	_, err = e.JoinWithCustodianRecoveryKey(t.Context(), w)
	require.NoError(t, err)

	status, err := e.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, status.Trusted)
	assert.False(t, status.Inherited)

	a.fetch(t)
	assert.True(t, a.trusts(t, e.id()))

	require.NoError(t, a.RemoveCustodianRecoveryKey(t.Context(), w.UUID))
	err = a.CheckCustodianRecoveryKey(t.Context(), w.UUID)
	require.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)

	f := newTestDevice(t, server)
	f.prepare(t, "Mac14,2")
	_, err = f.JoinWithCustodianRecoveryKey(t.Context(), w)
	require.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)

	_, err = a.CreateCustodianRecoveryKey(t.Context(), uuid.Nil)
	require.NoError(t, err)
}
