package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruteri/octagon-trust/api"
	"github.com/ruteri/octagon-trust/api/feedhandler"
	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, f feed.Feed, keys container.KeySource) *container.Registry {
	t.Helper()
	dir := t.TempDir()
	registry := container.NewRegistry(func(ctx context.Context, key interfaces.ContainerKey) (*container.Container, error) {
		store, err := storage.NewFileMetadataStore(dir, testLogger())
		if err != nil {
			return nil, err
		}
		return container.New(ctx, container.Config{Key: key, Feed: f, Keys: keys, Metadata: store, Log: testLogger()})
	})
	t.Cleanup(registry.Clear)
	return registry
}

func newTestServer(t *testing.T, handlers Handlers) *httptest.Server {
	t.Helper()
	srv, err := New(&api.HTTPServerConfig{Log: testLogger()}, handlers)
	require.NoError(t, err)
	server := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(server.Close)
	return server
}

func get(t *testing.T, server *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := server.Client().Get(server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func post(t *testing.T, server *httptest.Server, path, body string, out any) int {
	t.Helper()
	resp, err := server.Client().Post(server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndDrain(t *testing.T) {
	server := newTestServer(t, Handlers{})

	code, body := get(t, server, "/livez")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "alive")

	code, _ = get(t, server, "/readyz")
	assert.Equal(t, http.StatusOK, code)

	code, body = get(t, server, "/drain")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"draining"`)
	code, _ = get(t, server, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, body = get(t, server, "/drain")
	assert.Contains(t, body, "already draining")

	_, body = get(t, server, "/undrain")
	assert.Contains(t, body, `"ready"`)
	code, _ = get(t, server, "/readyz")
	assert.Equal(t, http.StatusOK, code)
}

func TestReadinessWhileLocked(t *testing.T) {
	_, pubs := generateAdmins(t, 2)
	admin, err := NewAdminHandler(testLogger(), pubs)
	require.NoError(t, err)

	server := newTestServer(t, Handlers{Admin: admin})
	code, body := get(t, server, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "locked")

	code, body = get(t, server, "/admin/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "initial")
}

func TestHostedDevices(t *testing.T) {
	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	keys, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)

	memory := feed.NewMemory(testLogger())
	registry := newTestRegistry(t, memory, keys)
	server := newTestServer(t, Handlers{
		Feed:    feedhandler.NewHandler(memory, testLogger()),
		Devices: NewHandler(registry, testLogger()),
	})

	code, _ := get(t, server, "/api/dump/alt-dsid-1/defaultContext")
	assert.Equal(t, http.StatusNotFound, code)

	assert.Equal(t, http.StatusBadRequest, post(t, server, "/api/devices/alt-dsid-1/defaultContext/establish", "{", nil))

	var status container.Status
	require.Equal(t, http.StatusOK, post(t, server, "/api/devices/alt-dsid-1/defaultContext/establish",
		`{"device":{"model_id":"iPhone15,2","machine_id":"m1"}}`, &status))
	assert.True(t, status.Trusted)
	assert.NotEmpty(t, status.PeerID)

	assert.Equal(t, http.StatusConflict, post(t, server, "/api/devices/alt-dsid-1/defaultContext/establish",
		`{"device":{"model_id":"iPhone15,2","machine_id":"m1"}}`, nil))

	var res container.SyncResult
	require.Equal(t, http.StatusOK, post(t, server, "/api/devices/alt-dsid-1/defaultContext/fetch", "", &res))

	code, body := get(t, server, "/api/dump/alt-dsid-1/defaultContext")
	require.Equal(t, http.StatusOK, code)
	var dump struct {
		Self *struct {
			PeerID interfaces.PeerID `json:"peer_id"`
		} `json:"self"`
		Included []interfaces.PeerID `json:"included"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &dump))
	require.NotNil(t, dump.Self)
	assert.Equal(t, status.PeerID, dump.Self.PeerID)
	assert.Contains(t, dump.Included, status.PeerID)

	code, body = get(t, server, "/api/devices")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "alt-dsid-1")

	// The feed is served next to the devices.
	client := feedhandler.NewClient(server.URL, server.Client())
	batch, err := client.FetchChanges(t.Context(), interfaces.ContainerKey{AccountID: "alt-dsid-1", ContextID: interfaces.DefaultContextID}, 0, "")
	require.NoError(t, err)
	assert.NotEmpty(t, batch.Revisions)
}
