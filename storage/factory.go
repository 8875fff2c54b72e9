package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/octagon-trust/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log     *slog.Logger
	tlsAuth func() (tls.Certificate, error)
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// WithTLSAuth sets the client certificate used to log in to Vault.
func (sf *StorageBackendFactory) WithTLSAuth(getCert func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{log: sf.log, tlsAuth: getCert}
}

// StorageBackendFor creates a storage backend from a location URI:
//
//   - file:///var/lib/octagon/content
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio:9000
//   - ipfs://host:5001/octagon?timeout=30s
//   - vault://[TOKEN@]vault.example.com:8200/mount/path?tls=false
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch loc.Scheme {
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend aggregates every backend that could be created.
func (sf *StorageBackendFactory) CreateMultiBackend(locs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locs))

	for _, loc := range locs {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", loc.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// MetadataStoreFor creates a metadata store from a file:// or vault://
// location.
func (sf *StorageBackendFactory) MetadataStoreFor(loc interfaces.StorageBackendLocation) (interfaces.MetadataStore, error) {
	switch loc.Scheme {
	case "file":
		path, err := filePath(loc)
		if err != nil {
			return nil, err
		}
		return NewFileMetadataStore(path, sf.log)
	case "vault":
		return sf.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: metadata cannot be stored on %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

func filePath(loc interfaces.StorageBackendLocation) (string, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return "", fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc)
	}
	return path, nil
}

func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path, err := filePath(loc)
	if err != nil {
		return nil, err
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3Config{
		Bucket:   loc.Host,
		Prefix:   strings.TrimPrefix(loc.Path, "/"),
		Region:   region,
		Endpoint: loc.GetParam("endpoint"),
	}
	if user, pass, ok := strings.Cut(loc.Auth, ":"); ok {
		cfg.AccessKey, cfg.SecretKey = user, pass
	} else {
		cfg.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		cfg.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	return NewS3Backend(cfg, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid ipfs timeout: %v", interfaces.ErrInvalidLocationURI, err)
		}
		timeout = parsed
	}

	return NewIPFSBackend(host, port, loc.Path, timeout, sf.log)
}

func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (*VaultBackend, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) < 2 || parts[0] == "" {
		return nil, fmt.Errorf("%w: vault location needs /mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.Query.Has("tls") && !loc.GetParamBool("tls") {
		scheme = "http"
	}

	cfg := VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: parts[0],
		DataPath:  parts[1],
		Token:     loc.Auth,
	}
	if cfg.Token == "" {
		cfg.Token = os.Getenv("VAULT_TOKEN")
	}

	if cfg.Token == "" && sf.tlsAuth != nil {
		cert, err := sf.tlsAuth()
		if err != nil {
			return nil, fmt.Errorf("could not obtain vault client certificate: %w", err)
		}
		cfg.ClientCert = &cert
	}

	return NewVaultBackend(cfg, sf.log)
}
