package httpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/kms"
	"github.com/ruteri/octagon-trust/peer"
)

const (
	// AdminKeyHeader carries the hex-encoded uncompressed public key of the
	// requesting administrator.
	AdminKeyHeader = "X-Admin-Key"
	// AdminSignatureHeader carries the hex-encoded signature over the
	// request path followed by the body.
	AdminSignatureHeader = "X-Admin-Signature"

	adminRequestDomain = "octagon.admin.request"
	shareSealContext   = "octagon.admin.share"
)

// BootstrapState is the progress of unlocking the device key master key.
type BootstrapState int

const (
	StateInitial BootstrapState = iota
	StateGeneratingShares
	StateRecovering
	StateComplete
)

func (s BootstrapState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateGeneratingShares:
		return "generating_shares"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type secureShare struct {
	index     int
	sealed    []byte
	retrieved bool
}

// AdminHandler unlocks the master key the daemon derives hosted device keys
// from. The key is either generated and split among the administrators, or
// reconstructed from a threshold of their shares. Shares are sealed to each
// administrator's key, so none of them can read another's share.
type AdminHandler struct {
	mu         sync.RWMutex
	log        *slog.Logger
	state      BootstrapState
	adminKeys  map[string][]byte // fingerprint -> public key
	shares     map[string]*secureShare
	shamirKMS  *kms.ShamirKMS
	threshold  int
	completeCh chan struct{}
}

func NewAdminHandler(log *slog.Logger, adminPubKeys [][]byte) (*AdminHandler, error) {
	keys := make(map[string][]byte, len(adminPubKeys))
	for _, pub := range adminPubKeys {
		if _, err := cryptoutils.ParsePublicKey(pub); err != nil {
			return nil, fmt.Errorf("invalid admin public key %x: %w", pub, err)
		}
		keys[kms.AdminFingerprint(pub)] = pub
	}

	return &AdminHandler{
		log:        log,
		state:      StateInitial,
		adminKeys:  keys,
		shares:     make(map[string]*secureShare),
		completeCh: make(chan struct{}),
	}, nil
}

// WaitForBootstrap blocks until the master key is available.
func (h *AdminHandler) WaitForBootstrap(ctx context.Context) error {
	select {
	case <-h.completeCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// KMS returns the device key deriver once the bootstrap completed, nil
// before that.
func (h *AdminHandler) KMS() *kms.SimpleKMS {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateComplete || h.shamirKMS == nil {
		return nil
	}
	return h.shamirKMS.SimpleKMS()
}

// ErrKMSLocked is returned for device key requests before the bootstrap
// completed.
var ErrKMSLocked = errors.New("master key is not unlocked")

// PeerKeys derives hosted device keys once the master key is unlocked.
func (h *AdminHandler) PeerKeys(key interfaces.ContainerKey, nonce uint64) (*peer.Keys, error) {
	k := h.KMS()
	if k == nil {
		return nil, ErrKMSLocked
	}
	return k.PeerKeys(key, nonce)
}

func (h *AdminHandler) State() BootstrapState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

func (h *AdminHandler) AdminRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.handleStatus)
	r.Post("/init/generate", h.handleInitGenerate)
	r.Post("/init/recover", h.handleInitRecover)
	r.Get("/share", h.handleGetShare)
	r.Post("/share", h.handleSubmitShare)
	return r
}

type StatusResponse struct {
	State          string `json:"state"`
	Threshold      int    `json:"threshold,omitempty"`
	TotalShares    int    `json:"total_shares,omitempty"`
	ReceivedShares int    `json:"received_shares,omitempty"`
}

type InitRequest struct {
	Threshold int `json:"threshold"`
}

type ShareResponse struct {
	ShareIndex  int    `json:"share_index"`
	SealedShare []byte `json:"sealed_share"`
}

type SubmitShareRequest struct {
	ShareIndex int    `json:"share_index"`
	Share      []byte `json:"share"`
	Signature  []byte `json:"signature"`
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := StatusResponse{State: h.state.String()}
	switch h.state {
	case StateGeneratingShares:
		resp.Threshold = h.threshold
		resp.TotalShares = len(h.shares)
	case StateRecovering:
		resp.Threshold = h.threshold
		resp.TotalShares = len(h.adminKeys)
		resp.ReceivedShares = h.shamirKMS.ReceivedShares()
	}
	h.mu.RUnlock()

	writeJSON(w, h.log, resp)
}

// handleInitGenerate generates a master key and splits it into one share
// per administrator.
//
// Endpoint: POST /admin/init/generate
// Body: {"threshold": <int>}
func (h *AdminHandler) handleInitGenerate(w http.ResponseWriter, r *http.Request) {
	adminID, body, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req InitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusBadRequest)
		return
	}

	fingerprints := make([]string, 0, len(h.adminKeys))
	pubKeys := make([][]byte, 0, len(h.adminKeys))
	for fp, pub := range h.adminKeys {
		fingerprints = append(fingerprints, fp)
		pubKeys = append(pubKeys, pub)
	}

	masterKey := make([]byte, kms.MinMasterKeySize)
	if _, err := rand.Read(masterKey); err != nil {
		h.log.Error("Failed to generate master key", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	shamirKMS, shares, err := kms.NewShamirKMS(masterKey, kms.ShamirConfig{Threshold: req.Threshold, AdminPubKeys: pubKeys})
	if err != nil {
		http.Error(w, "Failed to split master key: "+err.Error(), http.StatusBadRequest)
		return
	}

	sealed := make(map[string]*secureShare, len(shares))
	for i, share := range shares {
		ciphertext, err := cryptoutils.SealToPublicKey(pubKeys[i], share, []byte(shareSealContext))
		if err != nil {
			h.log.Error("Failed to seal share", "err", err, "adminID", fingerprints[i])
			http.Error(w, "Failed to seal shares", http.StatusInternalServerError)
			return
		}
		sealed[fingerprints[i]] = &secureShare{index: i, sealed: ciphertext}
	}

	h.shamirKMS = shamirKMS
	h.shares = sealed
	h.threshold = req.Threshold
	h.state = StateGeneratingShares

	h.log.Info("Master key generated, shares ready for retrieval", "adminID", adminID, "threshold", req.Threshold, "totalShares", len(shares))
	writeJSON(w, h.log, StatusResponse{State: h.state.String(), Threshold: h.threshold, TotalShares: len(shares)})
}

// handleGetShare hands an administrator their sealed share. The bootstrap
// completes once every share was retrieved.
//
// Endpoint: GET /admin/share
func (h *AdminHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	adminID, _, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateGeneratingShares {
		http.Error(w, "No shares available for retrieval", http.StatusBadRequest)
		return
	}
	share, found := h.shares[adminID]
	if !found {
		http.Error(w, "No share assigned to this admin", http.StatusNotFound)
		return
	}
	share.retrieved = true

	allRetrieved := true
	for _, s := range h.shares {
		allRetrieved = allRetrieved && s.retrieved
	}
	if allRetrieved {
		h.complete()
	}

	h.log.Info("Admin retrieved their share", "adminID", adminID, "shareIndex", share.index)
	writeJSON(w, h.log, ShareResponse{ShareIndex: share.index, SealedShare: share.sealed})
}

// handleInitRecover waits for a threshold of shares of an existing key.
//
// Endpoint: POST /admin/init/recover
// Body: {"threshold": <int>}
func (h *AdminHandler) handleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, body, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req InitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusBadRequest)
		return
	}

	pubKeys := make([][]byte, 0, len(h.adminKeys))
	for _, pub := range h.adminKeys {
		pubKeys = append(pubKeys, pub)
	}
	shamirKMS, err := kms.NewShamirKMSRecovery(kms.ShamirConfig{Threshold: req.Threshold, AdminPubKeys: pubKeys})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.shamirKMS = shamirKMS
	h.threshold = req.Threshold
	h.state = StateRecovering

	h.log.Info("KMS recovery initiated", "adminID", adminID, "threshold", req.Threshold)
	writeJSON(w, h.log, StatusResponse{State: h.state.String(), Threshold: h.threshold, TotalShares: len(h.adminKeys)})
}

// handleSubmitShare accepts a signed share during recovery.
//
// Endpoint: POST /admin/share
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, body, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req SubmitShareRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "KMS not in recovery mode", http.StatusBadRequest)
		return
	}

	if err := h.shamirKMS.SubmitShare(req.ShareIndex, req.Share, req.Signature, h.adminKeys[adminID]); err != nil {
		h.log.Warn("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.shamirKMS.IsUnlocked() {
		h.complete()
		h.log.Info("Master key reconstructed, recovery complete", "adminID", adminID)
	} else {
		h.log.Info("Share accepted", "adminID", adminID, "shareIndex", req.ShareIndex)
	}
	writeJSON(w, h.log, StatusResponse{State: h.state.String(), Threshold: h.threshold, ReceivedShares: h.shamirKMS.ReceivedShares()})
}

// complete must be called with mu held.
func (h *AdminHandler) complete() {
	h.state = StateComplete
	close(h.completeCh)
}

// verifyAdmin authenticates the request and returns the administrator's
// fingerprint and the request body.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, []byte, bool) {
	pub, err := hex.DecodeString(r.Header.Get(AdminKeyHeader))
	if err != nil || len(pub) == 0 {
		return "", nil, false
	}
	sig, err := hex.DecodeString(r.Header.Get(AdminSignatureHeader))
	if err != nil || len(sig) == 0 {
		return "", nil, false
	}

	adminID := kms.AdminFingerprint(pub)
	h.mu.RLock()
	registered, found := h.adminKeys[adminID]
	h.mu.RUnlock()
	if !found || !bytes.Equal(registered, pub) {
		h.log.Warn("Authentication failed: unknown admin", "adminID", adminID)
		return adminID, nil, false
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return adminID, nil, false
		}
	}

	if !cryptoutils.Verify(pub, adminRequestDomain, adminRequestMessage(r.URL.Path, body), sig) {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, nil, false
	}
	return adminID, body, true
}

func adminRequestMessage(path string, body []byte) []byte {
	return append([]byte(path), body...)
}

// SignAdminRequest sets the authentication headers on an admin request.
// body must be the exact request body.
func SignAdminRequest(req *http.Request, key *ecdsa.PrivateKey, body []byte) error {
	sig, err := cryptoutils.Sign(key, adminRequestDomain, adminRequestMessage(req.URL.Path, body))
	if err != nil {
		return err
	}
	req.Header.Set(AdminKeyHeader, hex.EncodeToString(cryptoutils.PublicKeyBytes(key)))
	req.Header.Set(AdminSignatureHeader, hex.EncodeToString(sig))
	return nil
}

// OpenShare decrypts a share retrieved from GET /admin/share.
func OpenShare(key *ecdsa.PrivateKey, sealed []byte) ([]byte, error) {
	share, err := cryptoutils.OpenWithPrivateKey(key, sealed, []byte(shareSealContext))
	if err != nil {
		return nil, errors.New("share is not sealed to this key")
	}
	return share, nil
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}
