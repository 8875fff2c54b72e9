package feedhandler

import (
	"net/http"

	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

// ErrorResponse is the body of every non-2xx response. Code is the name of
// an interfaces.Code.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type FetchChangesRequest struct {
	Cursor   uint64            `json:"cursor"`
	Receiver interfaces.PeerID `json:"receiver,omitempty"`
}

type FetchPoliciesRequest struct {
	Versions []interfaces.PolicyVersion `json:"versions"`
}

// FetchPoliciesResponse carries encoded documents, see policy.Encode.
type FetchPoliciesResponse struct {
	Documents [][]byte `json:"documents"`
}

type JoinRequest = feed.JoinRequest

type JoinResponse struct {
	PeerID interfaces.PeerID `json:"peer_id"`
}

type SetRecoveryKeyRequest struct {
	Sender        interfaces.PeerID `json:"sender"`
	SigningKey    []byte            `json:"signing_key"`
	EncryptionKey []byte            `json:"encryption_key"`
}

type RemoveRecoveryKeyRequest struct {
	Sender interfaces.PeerID `json:"sender"`
}

type PeerRequest struct {
	PeerID interfaces.PeerID `json:"peer_id"`
}

type EscrowRequest struct {
	TokenHash  interfaces.ContentID `json:"token_hash"`
	WrappedKey []byte               `json:"wrapped_key,omitempty"`
}

type EscrowResponse struct {
	WrappedKey []byte `json:"wrapped_key"`
}

type KeySharesRequest struct {
	Shares []peer.KeyShare `json:"shares"`
}

// StatusForCode maps a domain error code to the HTTP status it is served
// with.
func StatusForCode(code interfaces.Code) int {
	switch code {
	case interfaces.CodeTransientFailure:
		return http.StatusServiceUnavailable
	case interfaces.CodeNoSuchPeer, interfaces.CodeNotEnrolled, interfaces.CodePolicyUnknown:
		return http.StatusNotFound
	case interfaces.CodeAlreadyEstablished, interfaces.CodeOperationSuperseded:
		return http.StatusConflict
	case interfaces.CodeNotTrusted, interfaces.CodeUntrustedRecoveryKeys, interfaces.CodeRecoveryKeyIncorrect:
		return http.StatusForbidden
	case interfaces.CodeUnknown:
		return http.StatusInternalServerError
	}

	switch code.Kind() {
	case interfaces.KindValidation, interfaces.KindRecovery, interfaces.KindPolicy:
		return http.StatusBadRequest
	case interfaces.KindCapability, interfaces.KindState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
