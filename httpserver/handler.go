package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/octagon-trust/api/feedhandler"
	"github.com/ruteri/octagon-trust/container"
	"github.com/ruteri/octagon-trust/interfaces"
)

const maxBodySize = 1024 * 1024

// Handler serves the hosted device containers of the daemon: diagnostics
// dumps, membership status and on-demand fetches.
type Handler struct {
	registry *container.Registry
	log      *slog.Logger
}

func NewHandler(registry *container.Registry, log *slog.Logger) *Handler {
	return &Handler{registry: registry, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/devices", h.HandleList)
	r.Get("/api/dump/{account}/{context}", h.HandleDump)
	r.Get("/api/devices/{account}/{context}/status", h.HandleStatus)
	r.Post("/api/devices/{account}/{context}/establish", h.HandleEstablish)
	r.Post("/api/devices/{account}/{context}/fetch", h.HandleFetch)
}

func containerKey(r *http.Request) interfaces.ContainerKey {
	return interfaces.ContainerKey{
		AccountID: interfaces.AccountID(chi.URLParam(r, "account")),
		ContextID: chi.URLParam(r, "context"),
	}
}

// HandleList returns the keys of the loaded containers.
//
// URL format: GET /api/devices
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	keys := h.registry.Keys()
	if keys == nil {
		keys = []interfaces.ContainerKey{}
	}
	writeJSON(w, h.log, keys)
}

// HandleDump returns the read-only snapshot of a loaded container.
//
// URL format: GET /api/dump/{account}/{context}
func (h *Handler) HandleDump(w http.ResponseWriter, r *http.Request) {
	c, ok := h.registry.Get(containerKey(r))
	if !ok {
		http.Error(w, "container not loaded", http.StatusNotFound)
		return
	}

	dump, err := c.Dump(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, dump)
}

// URL format: GET /api/devices/{account}/{context}/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := h.registry.Get(containerKey(r))
	if !ok {
		http.Error(w, "container not loaded", http.StatusNotFound)
		return
	}

	status, err := c.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, status)
}

// HandleFetch loads the container if needed and pulls the change feed.
//
// URL format: POST /api/devices/{account}/{context}/fetch
func (h *Handler) HandleFetch(w http.ResponseWriter, r *http.Request) {
	key := containerKey(r)
	if key.AccountID == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}

	c, err := h.registry.GetOrCreate(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := c.FetchChanges(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.log, res)
}

// HandleEstablish prepares a hosted device identity if needed and creates
// the account's trust graph with it.
//
// URL format: POST /api/devices/{account}/{context}/establish
func (h *Handler) HandleEstablish(w http.ResponseWriter, r *http.Request) {
	key := containerKey(r)
	if key.AccountID == "" {
		http.Error(w, "account is required", http.StatusBadRequest)
		return
	}

	var req container.PrepareRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c, err := h.registry.GetOrCreate(r.Context(), key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	status, err := c.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !status.Prepared {
		if _, err := c.Prepare(r.Context(), req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if err := c.Establish(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}

	status, err = c.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("hosted device established", "container", key.String(), "peer", status.PeerID.Short())
	writeJSON(w, h.log, status)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := feedhandler.StatusForCode(interfaces.CodeOf(err))
	if errors.Is(err, container.ErrClosed) || errors.Is(err, ErrKMSLocked) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("device request failed", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(feedhandler.ErrorResponse{Code: interfaces.CodeOf(err).String(), Message: err.Error()}); err != nil {
		h.log.Error("Failed to encode error response", "err", err)
	}
}
