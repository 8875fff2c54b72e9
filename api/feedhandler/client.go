package feedhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/octagon-trust/feed"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
	"github.com/ruteri/octagon-trust/policy"
)

// Client is a feed.Feed backed by a remote Handler. Rejections are returned
// as *interfaces.Error with the code the server reported. Network failures
// are reported as CodeTransientFailure so the retrying decorator can act on
// them.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ feed.Feed = (*Client)(nil)

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: httpClient}
}

func accountPath(key interfaces.ContainerKey, op string) string {
	return fmt.Sprintf("/api/feed/accounts/%s/%s/%s",
		url.PathEscape(string(key.AccountID)), url.PathEscape(key.ContextID), op)
}

// call sends body as JSON and decodes a 200 response into out, if non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.BaseURL == "" {
		return errNoEndpoint
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return interfaces.WrapError(interfaces.CodeTransientFailure, err, "could not reach feed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return interfaces.WrapError(interfaces.CodeTransientFailure, err, "could not read feed response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorFromResponse(resp.StatusCode, respBody)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse feed response: %w", err)
	}
	return nil
}

func (c *Client) FetchChanges(ctx context.Context, key interfaces.ContainerKey, cursor uint64, receiver interfaces.PeerID) (*feed.Batch, error) {
	var batch feed.Batch
	err := c.call(ctx, http.MethodPost, accountPath(key, "changes"), FetchChangesRequest{Cursor: cursor, Receiver: receiver}, &batch)
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (c *Client) FetchPolicyDocuments(ctx context.Context, versions []interfaces.PolicyVersion) ([]*policy.Document, error) {
	var resp FetchPoliciesResponse
	if err := c.call(ctx, http.MethodPost, "/api/feed/policies", FetchPoliciesRequest{Versions: versions}, &resp); err != nil {
		return nil, err
	}

	docs := make([]*policy.Document, 0, len(resp.Documents))
	for _, data := range resp.Documents {
		d, err := policy.Decode(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (c *Client) PrevailingPolicy(ctx context.Context) (interfaces.PolicyVersion, error) {
	var v interfaces.PolicyVersion
	err := c.call(ctx, http.MethodGet, "/api/feed/policies/prevailing", nil, &v)
	return v, err
}

func (c *Client) Establish(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "establish"), rev, nil)
}

func (c *Client) Join(ctx context.Context, key interfaces.ContainerKey, req feed.JoinRequest) (interfaces.PeerID, error) {
	var resp JoinResponse
	if err := c.call(ctx, http.MethodPost, accountPath(key, "join"), req, &resp); err != nil {
		return "", err
	}
	return resp.PeerID, nil
}

func (c *Client) Update(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "update"), rev, nil)
}

func (c *Client) Reset(ctx context.Context, key interfaces.ContainerKey) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "reset"), nil, nil)
}

func (c *Client) SetRecoveryKey(ctx context.Context, key interfaces.ContainerKey, sender interfaces.PeerID, signingKey, encryptionKey []byte) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "recovery-key"), SetRecoveryKeyRequest{
		Sender:        sender,
		SigningKey:    signingKey,
		EncryptionKey: encryptionKey,
	}, nil)
}

func (c *Client) RemoveRecoveryKey(ctx context.Context, key interfaces.ContainerKey, sender interfaces.PeerID) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "recovery-key/remove"), RemoveRecoveryKeyRequest{Sender: sender}, nil)
}

func (c *Client) CheckRecoveryKey(ctx context.Context, key interfaces.ContainerKey, recoveryPeer interfaces.PeerID) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "recovery-key/check"), PeerRequest{PeerID: recoveryPeer}, nil)
}

func (c *Client) AddCredential(ctx context.Context, key interfaces.ContainerKey, identity peer.Revision) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "credentials"), identity, nil)
}

func (c *Client) RemoveCredential(ctx context.Context, key interfaces.ContainerKey, id interfaces.PeerID) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "credentials/remove"), PeerRequest{PeerID: id}, nil)
}

func (c *Client) CheckCredential(ctx context.Context, key interfaces.ContainerKey, id interfaces.PeerID) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "credentials/check"), PeerRequest{PeerID: id}, nil)
}

func (c *Client) EscrowWrappedKey(ctx context.Context, key interfaces.ContainerKey, tokenHash interfaces.ContentID, wrappedKey []byte) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "escrow"), EscrowRequest{TokenHash: tokenHash, WrappedKey: wrappedKey}, nil)
}

func (c *Client) ClaimWrappedKey(ctx context.Context, key interfaces.ContainerKey, tokenHash interfaces.ContentID) ([]byte, error) {
	var resp EscrowResponse
	if err := c.call(ctx, http.MethodPost, accountPath(key, "escrow/claim"), EscrowRequest{TokenHash: tokenHash}, &resp); err != nil {
		return nil, err
	}
	return resp.WrappedKey, nil
}

func (c *Client) UploadKeyShares(ctx context.Context, key interfaces.ContainerKey, shares []peer.KeyShare) error {
	return c.call(ctx, http.MethodPost, accountPath(key, "key-shares"), KeySharesRequest{Shares: shares}, nil)
}
