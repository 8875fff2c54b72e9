package interfaces

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID addresses stored content by the SHA-256 hash of its bytes.
// Policy hashes are ContentIDs too.
type ContentID [32]byte

// ParseContentID decodes a 64-character hex ID, with or without 0x.
func ParseContentID(s string) (ContentID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 2*len(ContentID{}) {
		return ContentID{}, fmt.Errorf("content id must be %d hex characters, got %d", 2*len(ContentID{}), len(clean))
	}

	var id ContentID
	if _, err := hex.Decode(id[:], []byte(clean)); err != nil {
		return ContentID{}, fmt.Errorf("invalid content id: %w", err)
	}
	return id, nil
}

func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText encodes the ID as hex so JSON and CBOR carry a stable string.
func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := ParseContentID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ContentType namespaces stored content. Backends keep each type under its
// own prefix.
type ContentType int

const (
	// PolicyDocumentType is an encoded policy document.
	PolicyDocumentType ContentType = iota
	// RevisionArchiveType is an accepted peer revision kept for audit.
	RevisionArchiveType
)

func (ct ContentType) String() string {
	switch ct {
	case PolicyDocumentType:
		return "policy"
	case RevisionArchiveType:
		return "revision"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a parsed store URI:
// scheme://[auth@]host[:port][/path][?params].
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	Auth   string
}

// NewStorageBackendLocation parses uri and rejects schemes no backend serves.
func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool treats "true", "1" and "yes" as set.
func (loc StorageBackendLocation) GetParamBool(name string) bool {
	switch loc.Query.Get(name) {
	case "true", "1", "yes":
		return true
	}
	return false
}

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend is a content-addressed store.
type StorageBackend interface {
	// Fetch returns ErrContentNotFound when the content is not stored.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	// Store returns the content ID of data.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	// Name identifies the backend in logs.
	Name() string
	LocationURI() string
}

// StorageBackendFactory creates stores from location URIs.
type StorageBackendFactory interface {
	// StorageBackendFor supports file://, s3://, ipfs:// and vault://.
	StorageBackendFor(loc StorageBackendLocation) (StorageBackend, error)
	// CreateMultiBackend aggregates the backends that could be created.
	CreateMultiBackend(locs []StorageBackendLocation) (StorageBackend, error)
	// MetadataStoreFor supports file:// and vault://.
	MetadataStoreFor(loc StorageBackendLocation) (MetadataStore, error)
	// WithTLSAuth sets the client certificate used to log in to Vault.
	WithTLSAuth(func() (tls.Certificate, error)) StorageBackendFactory
}

// MetadataStore persists small mutable records, such as container state,
// under string keys.
type MetadataStore interface {
	// Load returns ErrContentNotFound when the key has never been saved.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}
