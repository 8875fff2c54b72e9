// Package feedhandler serves a feed.Feed over JSON/HTTP and provides the
// matching client.
package feedhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/metrics"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
)

const maxBodySize = 4 << 20

// Handler exposes a change feed to remote containers. Every rejection is
// answered with an ErrorResponse carrying the domain code, so the client
// can rebuild the same error.
type Handler struct {
	feed feed.Feed
	log  *slog.Logger
}

func NewHandler(f feed.Feed, log *slog.Logger) *Handler {
	return &Handler{feed: f, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/feed/policies/prevailing", h.HandlePrevailingPolicy)
	r.Post("/api/feed/policies", h.HandleFetchPolicies)

	r.Route("/api/feed/accounts/{account}/{context}", func(r chi.Router) {
		r.Post("/changes", h.HandleFetchChanges)
		r.Post("/establish", h.HandleEstablish)
		r.Post("/join", h.HandleJoin)
		r.Post("/update", h.HandleUpdate)
		r.Post("/reset", h.HandleReset)
		r.Post("/recovery-key", h.HandleSetRecoveryKey)
		r.Post("/recovery-key/remove", h.HandleRemoveRecoveryKey)
		r.Post("/recovery-key/check", h.HandleCheckRecoveryKey)
		r.Post("/credentials", h.HandleAddCredential)
		r.Post("/credentials/remove", h.HandleRemoveCredential)
		r.Post("/credentials/check", h.HandleCheckCredential)
		r.Post("/escrow", h.HandleEscrow)
		r.Post("/escrow/claim", h.HandleClaim)
		r.Post("/key-shares", h.HandleUploadKeyShares)
	})
}

func containerKey(r *http.Request) (interfaces.ContainerKey, error) {
	key := interfaces.ContainerKey{
		AccountID: interfaces.AccountID(chi.URLParam(r, "account")),
		ContextID: chi.URLParam(r, "context"),
	}
	if key.AccountID == "" || key.ContextID == "" {
		return key, interfaces.NewError(interfaces.CodeInvalidArgument, "account and context are required")
	}
	return key, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return interfaces.WrapError(interfaces.CodeInvalidArgument, err, "could not read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return interfaces.WrapError(interfaces.CodeInvalidArgument, err, "could not parse request body")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := interfaces.CodeOf(err)
	status := StatusForCode(code)
	if status >= http.StatusInternalServerError && code != interfaces.CodeTransientFailure {
		h.log.Error("feed request failed", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Code: code.String(), Message: err.Error()}); err != nil {
		h.log.Error("Failed to encode error response", "err", err)
	}
}

// serve runs one feed call and records its outcome.
func (h *Handler) serve(w http.ResponseWriter, method string, fn func() (any, error)) {
	resp, err := fn()
	if err != nil {
		metrics.FeedRequestsTotal.WithLabelValues(method, strconv.Itoa(StatusForCode(interfaces.CodeOf(err)))).Inc()
		h.writeError(w, err)
		return
	}
	metrics.FeedRequestsTotal.WithLabelValues(method, strconv.Itoa(http.StatusOK)).Inc()

	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, resp)
}

// keyed decodes the container key and the request body, then calls fn.
func keyed[T any](r *http.Request, fn func(ctx context.Context, key interfaces.ContainerKey, req *T) (any, error)) (any, error) {
	key, err := containerKey(r)
	if err != nil {
		return nil, err
	}
	var req T
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return fn(r.Context(), key, &req)
}

// HandlePrevailingPolicy returns the policy version new peers freeze.
//
// URL format: GET /api/feed/policies/prevailing
func (h *Handler) HandlePrevailingPolicy(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "PrevailingPolicy", func() (any, error) {
		v, err := h.feed.PrevailingPolicy(r.Context())
		if err != nil {
			return nil, err
		}
		return v, nil
	})
}

// HandleFetchPolicies returns the requested policy documents the feed
// holds, encoded with policy.Encode.
//
// URL format: POST /api/feed/policies
func (h *Handler) HandleFetchPolicies(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "FetchPolicyDocuments", func() (any, error) {
		var req FetchPoliciesRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		docs, err := h.feed.FetchPolicyDocuments(r.Context(), req.Versions)
		if err != nil {
			return nil, err
		}
		resp := FetchPoliciesResponse{Documents: make([][]byte, 0, len(docs))}
		for _, d := range docs {
			data, err := policy.Encode(d)
			if err != nil {
				return nil, fmt.Errorf("could not encode policy %s: %w", d.Version, err)
			}
			resp.Documents = append(resp.Documents, data)
		}
		return resp, nil
	})
}

// HandleFetchChanges returns revisions after the requested cursor and the
// key shares addressed to the receiver.
//
// URL format: POST /api/feed/accounts/{account}/{context}/changes
func (h *Handler) HandleFetchChanges(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "FetchChanges", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *FetchChangesRequest) (any, error) {
			return h.feed.FetchChanges(ctx, key, req.Cursor, req.Receiver)
		})
	})
}

func (h *Handler) HandleEstablish(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "Establish", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, rev *peer.Revision) (any, error) {
			return nil, h.feed.Establish(ctx, key, *rev)
		})
	})
}

func (h *Handler) HandleJoin(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "Join", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *JoinRequest) (any, error) {
			id, err := h.feed.Join(ctx, key, *req)
			if err != nil {
				return nil, err
			}
			return JoinResponse{PeerID: id}, nil
		})
	})
}

func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "Update", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, rev *peer.Revision) (any, error) {
			return nil, h.feed.Update(ctx, key, *rev)
		})
	})
}

func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "Reset", func() (any, error) {
		key, err := containerKey(r)
		if err != nil {
			return nil, err
		}
		return nil, h.feed.Reset(r.Context(), key)
	})
}

func (h *Handler) HandleSetRecoveryKey(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "SetRecoveryKey", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *SetRecoveryKeyRequest) (any, error) {
			return nil, h.feed.SetRecoveryKey(ctx, key, req.Sender, req.SigningKey, req.EncryptionKey)
		})
	})
}

func (h *Handler) HandleRemoveRecoveryKey(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "RemoveRecoveryKey", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *RemoveRecoveryKeyRequest) (any, error) {
			return nil, h.feed.RemoveRecoveryKey(ctx, key, req.Sender)
		})
	})
}

func (h *Handler) HandleCheckRecoveryKey(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "CheckRecoveryKey", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *PeerRequest) (any, error) {
			return nil, h.feed.CheckRecoveryKey(ctx, key, req.PeerID)
		})
	})
}

func (h *Handler) HandleAddCredential(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "AddCredential", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, rev *peer.Revision) (any, error) {
			return nil, h.feed.AddCredential(ctx, key, *rev)
		})
	})
}

func (h *Handler) HandleRemoveCredential(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "RemoveCredential", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *PeerRequest) (any, error) {
			return nil, h.feed.RemoveCredential(ctx, key, req.PeerID)
		})
	})
}

func (h *Handler) HandleCheckCredential(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "CheckCredential", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *PeerRequest) (any, error) {
			return nil, h.feed.CheckCredential(ctx, key, req.PeerID)
		})
	})
}

func (h *Handler) HandleEscrow(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "EscrowWrappedKey", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *EscrowRequest) (any, error) {
			return nil, h.feed.EscrowWrappedKey(ctx, key, req.TokenHash, req.WrappedKey)
		})
	})
}

func (h *Handler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "ClaimWrappedKey", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *EscrowRequest) (any, error) {
			wrapped, err := h.feed.ClaimWrappedKey(ctx, key, req.TokenHash)
			if err != nil {
				return nil, err
			}
			return EscrowResponse{WrappedKey: wrapped}, nil
		})
	})
}

func (h *Handler) HandleUploadKeyShares(w http.ResponseWriter, r *http.Request) {
	h.serve(w, "UploadKeyShares", func() (any, error) {
		return keyed(r, func(ctx context.Context, key interfaces.ContainerKey, req *KeySharesRequest) (any, error) {
			return nil, h.feed.UploadKeyShares(ctx, key, req.Shares)
		})
	})
}

// errorFromResponse rebuilds the domain error of a non-2xx response.
func errorFromResponse(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
		code := interfaces.CodeUnknown
		if status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout {
			code = interfaces.CodeTransientFailure
		}
		return interfaces.NewError(code, "feed returned %d: %s", status, string(body))
	}
	return &interfaces.Error{Code: interfaces.ParseCode(er.Code), Message: er.Message}
}

var errNoEndpoint = errors.New("no feed endpoint configured")
