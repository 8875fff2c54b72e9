package feed

import (
	"testing"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchivingStoresAcceptedRevisions(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	f := NewArchiving(NewMemory(testLogger()), backend, testLogger())

	a := newDevice(t)
	rev := a.revision(nil)
	require.NoError(t, f.Establish(t.Context(), testAccount, rev))

	data, err := codec.Marshal(rev)
	require.NoError(t, err)
	archived, err := ReadArchived(t.Context(), backend, interfaces.ComputeID(data))
	require.NoError(t, err)
	v, err := archived.Verify()
	require.NoError(t, err)
	assert.Equal(t, a.id(), v.PeerID())

	// Rejected mutations are not archived.
	second := a.revision(nil)
	require.ErrorIs(t, f.Establish(t.Context(), testAccount, second), interfaces.ErrAlreadyEstablished)
	data, err = codec.Marshal(second)
	require.NoError(t, err)
	_, err = ReadArchived(t.Context(), backend, interfaces.ComputeID(data))
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}
