package storage

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileBackend(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(t.Context()))

	data := []byte("policy document bytes")
	id, err := backend.Store(t.Context(), data, interfaces.PolicyDocumentType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)

	got, err := backend.Fetch(t.Context(), id, interfaces.PolicyDocumentType)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// content types are separate namespaces
	_, err = backend.Fetch(t.Context(), id, interfaces.RevisionArchiveType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Store(t.Context(), data, interfaces.ContentType(99))
	assert.Error(t, err)
}

func TestFileMetadataStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileMetadataStore(dir, testLogger())
	require.NoError(t, err)

	key := "dsid-1/defaultContext"
	_, err = store.Load(t.Context(), key)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, store.Save(t.Context(), key, []byte("v1")))
	require.NoError(t, store.Save(t.Context(), key, []byte("v2")))

	got, err := store.Load(t.Context(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "keys with separators stay inside the store directory")

	_, err = store.Load(t.Context(), "dsid-1/otherContext")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	require.NoError(t, store.Delete(t.Context(), key))
	require.NoError(t, store.Delete(t.Context(), key))
	_, err = store.Load(t.Context(), key)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	assert.Error(t, store.Save(t.Context(), "", []byte("x")))
}

func TestStorageBackendFactory(t *testing.T) {
	dir := t.TempDir()
	factory := NewStorageBackendFactory(testLogger())

	loc, err := interfaces.NewStorageBackendLocation("file://" + filepath.Join(dir, "content"))
	require.NoError(t, err)
	backend, err := factory.StorageBackendFor(loc)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	metaLoc, err := interfaces.NewStorageBackendLocation("file://" + filepath.Join(dir, "meta"))
	require.NoError(t, err)
	meta, err := factory.MetadataStoreFor(metaLoc)
	require.NoError(t, err)
	assert.IsType(t, &FileMetadataStore{}, meta)

	s3Loc, err := interfaces.NewStorageBackendLocation("s3://bucket/prefix")
	require.NoError(t, err)
	_, err = factory.MetadataStoreFor(s3Loc)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	badVault, err := interfaces.NewStorageBackendLocation("vault://vault.local:8200/")
	require.NoError(t, err)
	_, err = factory.StorageBackendFor(badVault)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{loc, badVault})
	require.NoError(t, err)
	id, err := multi.Store(t.Context(), []byte("x"), interfaces.RevisionArchiveType)
	require.NoError(t, err)
	got, err := multi.Fetch(t.Context(), id, interfaces.RevisionArchiveType)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}
