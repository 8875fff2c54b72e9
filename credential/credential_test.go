package credential

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/stretchr/testify/require"
)

func TestRecoveryKeyGeneration(t *testing.T) {
	rk, err := GenerateRecoveryKey()
	require.NoError(t, err)
	require.Len(t, strings.Split(rk, "-"), 7)
	require.NoError(t, ValidateRecoveryKey(rk))
	require.NoError(t, ValidateRecoveryKey(strings.ToLower(rk)))

	other, err := GenerateRecoveryKey()
	require.NoError(t, err)
	require.NotEqual(t, rk, other)
}

func TestRecoveryKeyMalformed(t *testing.T) {
	rk, err := GenerateRecoveryKey()
	require.NoError(t, err)

	short, err := cryptoutils.Printable([]byte{1, 2, 3, 4}, RecoveryKeyChecksum)
	require.NoError(t, err)

	for _, bad := range []string{"", "not a key", rk[:len(rk)-5], short} {
		err := ValidateRecoveryKey(bad)
		require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed, bad)
		require.True(t, interfaces.IsKind(err, interfaces.KindRecovery))
	}
}

func TestRecoveryKeySet(t *testing.T) {
	rk, err := GenerateRecoveryKey()
	require.NoError(t, err)

	a, err := NewRecoveryKeySet(rk, "alt-dsid-1")
	require.NoError(t, err)
	b, err := NewRecoveryKeySet(rk, "alt-dsid-1")
	require.NoError(t, err)
	c, err := NewRecoveryKeySet(rk, "alt-dsid-2")
	require.NoError(t, err)

	require.Equal(t, a.SigningPublicKey(), b.SigningPublicKey())
	require.Equal(t, a.EncryptionPublicKey(), b.EncryptionPublicKey())
	require.Equal(t, a.PeerID, b.PeerID)
	require.NotEqual(t, a.SigningPublicKey(), c.SigningPublicKey())
	require.NotEqual(t, a.SigningPublicKey(), a.EncryptionPublicKey())

	require.Equal(t, peer.KindRecovery, a.Kind)
	require.Equal(t, RecoveryUUID(a.SigningPublicKey()), a.UUID)
	require.Equal(t, RecoveryPeerID(a.SigningPublicKey()), a.PeerID)

	_, err = NewRecoveryKeySet("garbage", "alt-dsid-1")
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)

	_, err = NewRecoveryKeySet(rk, "")
	require.Error(t, err)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	ik, err := NewInheritanceKey(uuid.New())
	require.NoError(t, err)
	require.Len(t, ik.WrappedKey, WrappedKeySize)
	require.Len(t, ik.WrappedKey, 72)
	require.Len(t, ik.WrappingKey, 32)
	require.Len(t, ik.ClaimToken, 16)
	require.True(t, ik.IsClaimed())

	unwrapped, err := Unwrap(peer.KindInheritance, ik.UUID, ik.WrappingKey, ik.WrappedKey)
	require.NoError(t, err)
	require.Equal(t, ik.KeySet().SigningPublicKey(), unwrapped.KeySet().SigningPublicKey())
	require.Equal(t, ik.PeerID(), unwrapped.PeerID())

	wrongKey := make([]byte, WrappingKeySize)
	_, err = Unwrap(peer.KindInheritance, ik.UUID, wrongKey, ik.WrappedKey)
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyIncorrect)

	_, err = Unwrap(peer.KindInheritance, ik.UUID, ik.WrappingKey[:16], ik.WrappedKey)
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)

	_, err = Unwrap(peer.KindInheritance, ik.UUID, ik.WrappingKey, ik.WrappedKey[:64])
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)

	_, err = New(peer.KindDevice, uuid.New())
	require.Error(t, err)
}

func TestRecreate(t *testing.T) {
	old, err := NewCustodianRecoveryKey(uuid.New())
	require.NoError(t, err)

	newID := uuid.New()
	recreated, err := Recreate(newID, old)
	require.NoError(t, err)

	require.Equal(t, newID, recreated.UUID)
	require.Equal(t, old.WrappingKey, recreated.WrappingKey)
	require.Equal(t, old.WrappedKey, recreated.WrappedKey)
	require.Equal(t, old.ClaimToken, recreated.ClaimToken)
	require.Equal(t, old.KeySet().SigningPublicKey(), recreated.KeySet().SigningPublicKey())
	require.Equal(t, old.KeySet().EncryptionPublicKey(), recreated.KeySet().EncryptionPublicKey())
	require.NotEqual(t, old.PeerID(), recreated.PeerID())
	require.True(t, old.IsKeyEquals(recreated))
	require.True(t, recreated.IsKeyEquals(old))

	_, err = Recreate(old.UUID, old)
	require.Error(t, err)
}

func TestClaimFlow(t *testing.T) {
	ik, err := NewInheritanceKey(uuid.New())
	require.NoError(t, err)

	pending, err := CreateWithClaimTokenAndWrappingKey(peer.KindInheritance, ik.UUID, ik.ClaimToken, ik.WrappingKey)
	require.NoError(t, err)
	require.False(t, pending.IsClaimed())
	require.Nil(t, pending.KeySet())
	require.Empty(t, pending.PeerID())
	require.Equal(t, ClaimTokenHash(ik.ClaimToken), ClaimTokenHash(pending.ClaimToken))

	_, err = Recreate(uuid.New(), pending)
	require.Error(t, err)

	require.NoError(t, pending.Claim(ik.WrappedKey))
	require.True(t, pending.IsClaimed())
	require.Equal(t, ik.PeerID(), pending.PeerID())
	require.True(t, ik.IsKeyEquals(pending))

	_, err = CreateWithClaimTokenAndWrappingKey(peer.KindInheritance, ik.UUID, ik.ClaimToken[:8], ik.WrappingKey)
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)
}

func TestPrintableStrings(t *testing.T) {
	ik, err := NewInheritanceKey(uuid.New())
	require.NoError(t, err)

	wrapping, err := ik.WrappingKeyString()
	require.NoError(t, err)
	require.Len(t, strings.Split(wrapping, "-"), 14)

	wrapped, err := ik.WrappedKeyString()
	require.NoError(t, err)
	require.Len(t, strings.Split(wrapped, "-"), 30)

	token, err := ik.ClaimTokenString()
	require.NoError(t, err)
	require.Len(t, strings.Split(token, "-"), 8)

	parsedWrapping, err := ParseWrappingKeyString(wrapping)
	require.NoError(t, err)
	parsedWrapped, err := ParseWrappedKeyString(wrapped)
	require.NoError(t, err)
	parsedToken, err := ParseClaimTokenString(token)
	require.NoError(t, err)
	require.Equal(t, ik.ClaimToken, parsedToken)

	rebuilt, err := Unwrap(peer.KindInheritance, ik.UUID, parsedWrapping, parsedWrapped)
	require.NoError(t, err)
	require.True(t, ik.IsKeyEquals(rebuilt))

	_, err = ParseWrappingKeyString(token)
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)
	_, err = ParseWrappedKeyString("AAAA")
	require.ErrorIs(t, err, interfaces.ErrRecoveryKeyMalformed)
}

func TestCredentialIdentityAndVoucher(t *testing.T) {
	ik, err := NewInheritanceKey(uuid.New())
	require.NoError(t, err)
	ks := ik.KeySet()

	identity, err := ks.Identity()
	require.NoError(t, err)
	verified, err := (&peer.Revision{Permanent: identity}).Verify()
	require.NoError(t, err)
	require.Equal(t, ks.PeerID, verified.PeerID())
	require.Equal(t, peer.KindInheritance, verified.Permanent.Kind)

	beneficiary, err := peer.GenerateKeys()
	require.NoError(t, err)
	sv, err := ks.Vouch(beneficiary.PeerID(), policy.Prevailing().Version)
	require.NoError(t, err)
	require.Equal(t, ks.PeerID, sv.Voucher.Sponsor)
	require.NoError(t, sv.Verify(ks.SigningPublicKey()))
}
