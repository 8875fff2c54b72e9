package feedhandler

import (
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/miekg/dns"
	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/policy"
	"github.com/ruteri/octagon-trust/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = interfaces.ContainerKey{AccountID: "alt-dsid-1", ContextID: interfaces.DefaultContextID}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*feed.Memory, *Client) {
	t.Helper()
	memory := feed.NewMemory(testLogger())

	r := chi.NewRouter()
	NewHandler(memory, testLogger()).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return memory, NewClient(server.URL, server.Client())
}

func newContainer(t *testing.T, f feed.Feed) *container.Container {
	t.Helper()

	masterKey := make([]byte, 32)
	_, err := rand.Read(masterKey)
	require.NoError(t, err)
	keys, err := kms.NewSimpleKMS(masterKey)
	require.NoError(t, err)
	store, err := storage.NewFileMetadataStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	c, err := container.New(t.Context(), container.Config{
		Key:      testAccount,
		Feed:     f,
		Keys:     keys,
		Metadata: store,
		Retry:    &feed.RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Log:      testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func device(model string) container.PrepareRequest {
	return container.PrepareRequest{Device: interfaces.DeviceInfo{ModelID: model, MachineID: "machine-" + model}}
}

func TestContainersOverHTTP(t *testing.T) {
	memory, client := newTestServer(t)

	a := newContainer(t, client)
	_, err := a.Prepare(t.Context(), device("iPhone15,2"))
	require.NoError(t, err)
	require.NoError(t, a.Establish(t.Context()))
	require.ErrorIs(t, a.Establish(t.Context()), interfaces.ErrAlreadyEstablished)

	b := newContainer(t, client)
	prepared, err := b.Prepare(t.Context(), device("Mac14,2"))
	require.NoError(t, err)

	res, err := a.Vouch(t.Context(), container.VouchRequest{Permanent: prepared.Permanent, Stable: prepared.Stable})
	require.NoError(t, err)
	id, err := b.Join(t.Context(), container.JoinRequest{Voucher: res.Voucher, KeyShares: res.KeyShares})
	require.NoError(t, err)
	assert.Equal(t, prepared.PeerID, id)

	_, err = a.FetchChanges(t.Context())
	require.NoError(t, err)

	statusA, err := a.Status(t.Context())
	require.NoError(t, err)
	statusB, err := b.Status(t.Context())
	require.NoError(t, err)
	assert.True(t, statusA.Trusted)
	assert.True(t, statusB.Trusted)
	assert.Len(t, memory.Members(testAccount), 2)
}

func TestClientErrorCodes(t *testing.T) {
	memory, client := newTestServer(t)

	err := client.CheckRecoveryKey(t.Context(), testAccount, "unknown")
	require.ErrorIs(t, err, interfaces.ErrNotEnrolled)
	assert.Equal(t, interfaces.CodeNotEnrolled, interfaces.CodeOf(err))

	_, err = client.ClaimWrappedKey(t.Context(), testAccount, interfaces.ContentID{1})
	require.ErrorIs(t, err, interfaces.ErrNotEnrolled)

	memory.FailNext("FetchChanges", 1)
	_, err = client.FetchChanges(t.Context(), testAccount, 0, "")
	require.Error(t, err)
	assert.True(t, interfaces.IsTransient(err))

	batch, err := client.FetchChanges(t.Context(), testAccount, 0, "")
	require.NoError(t, err)
	assert.Empty(t, batch.Revisions)

	require.NoError(t, client.Reset(t.Context(), testAccount))
}

func TestPoliciesOverHTTP(t *testing.T) {
	memory, client := newTestServer(t)

	prevailing, err := client.PrevailingPolicy(t.Context())
	require.NoError(t, err)
	assert.Equal(t, policy.Prevailing().Version, prevailing)

	next, err := policy.Prevailing().Clone(7, map[string][]string{"Manatee": {"full"}}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, memory.AddPolicy(next))

	docs, err := client.FetchPolicyDocuments(t.Context(), []interfaces.PolicyVersion{next.Version, {Number: 99}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, next.Version, docs[0].Version)
}

func TestMalformedRequest(t *testing.T) {
	_, client := newTestServer(t)

	resp, err := client.HTTP.Post(client.BaseURL+accountPath(testAccount, "establish"), "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.ErrorIs(t, errorFromResponse(resp.StatusCode, body), interfaces.ErrInvalidArgument)
}

func TestErrorFromResponse(t *testing.T) {
	err := errorFromResponse(http.StatusBadGateway, []byte("upstream down"))
	assert.True(t, interfaces.IsTransient(err))

	err = errorFromResponse(http.StatusTeapot, []byte("nope"))
	assert.Equal(t, interfaces.CodeUnknown, interfaces.CodeOf(err))

	err = errorFromResponse(http.StatusForbidden, []byte(`{"code":"UntrustedRecoveryKeys","message":"removed"}`))
	assert.ErrorIs(t, err, interfaces.ErrUntrustedRecoveryKeys)
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, StatusForCode(interfaces.CodeTransientFailure))
	assert.Equal(t, http.StatusConflict, StatusForCode(interfaces.CodeAlreadyEstablished))
	assert.Equal(t, http.StatusBadRequest, StatusForCode(interfaces.CodeInvalidArgument))
	assert.Equal(t, http.StatusForbidden, StatusForCode(interfaces.CodeUntrustedRecoveryKeys))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode(interfaces.CodeUnknown))
}

func TestClientWithoutEndpoint(t *testing.T) {
	_, err := (&Client{HTTP: http.DefaultClient}).PrevailingPolicy(t.Context())
	require.ErrorIs(t, err, errNoEndpoint)
}

func TestResolver(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("_feed._tcp.example.org.", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		for _, rr := range []string{
			"_feed._tcp.example.org. 60 IN SRV 20 0 8443 backup.example.org.",
			"_feed._tcp.example.org. 60 IN SRV 10 5 8080 light.example.org.",
			"_feed._tcp.example.org. 60 IN SRV 10 50 8080 heavy.example.org.",
		} {
			record, err := dns.NewRR(rr)
			if err == nil {
				m.Answer = append(m.Answer, record)
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })
	<-started

	r := NewResolver(pc.LocalAddr().String())
	endpoints, err := r.Resolve(t.Context(), "_feed._tcp.example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"heavy.example.org:8080", "light.example.org:8080", "backup.example.org:8443"}, endpoints)

	client, err := r.ResolveClient(t.Context(), "_feed._tcp.example.org", "http")
	require.NoError(t, err)
	assert.Equal(t, "http://heavy.example.org:8080", client.BaseURL)

	_, err = r.Resolve(t.Context(), "_missing._tcp.example.org")
	require.Error(t, err)
}
