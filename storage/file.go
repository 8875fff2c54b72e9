package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/octagon-trust/interfaces"
)

var contentDirs = map[interfaces.ContentType]string{
	interfaces.PolicyDocumentType:  "policies",
	interfaces.RevisionArchiveType: "revisions",
}

// FileBackend implements a storage backend using the local file system.
// Content is stored in a directory per content type.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates the base directory and its per-type subdirectories
// if they don't exist.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	for _, dir := range contentDirs {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch returns ErrContentNotFound if the file doesn't exist.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath, err := b.filePath(id, contentType)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	filePath, err := b.filePath(id, contentType)
	if err != nil {
		return id, err
	}

	if err := writeFileAtomic(filePath, data, 0o644); err != nil {
		return id, err
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available checks the base directory still exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, contentType interfaces.ContentType) (string, error) {
	dir, ok := contentDirs[contentType]
	if !ok {
		return "", fmt.Errorf("unsupported content type: %v", contentType)
	}
	return filepath.Join(b.baseDir, dir, id.String()), nil
}

// writeFileAtomic replaces path with data so that readers never observe a
// partially written file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// FileMetadataStore keeps one file per metadata key.
type FileMetadataStore struct {
	dir string
	log *slog.Logger
}

func NewFileMetadataStore(dir string, log *slog.Logger) (*FileMetadataStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return &FileMetadataStore{dir: dir, log: log}, nil
}

// metadataFileName keeps keys such as "account/context" inside the store
// directory.
func metadataFileName(key string) (string, error) {
	if key == "" {
		return "", errors.New("empty metadata key")
	}
	name := strings.NewReplacer("/", "__", "\\", "__", "..", "_.").Replace(key)
	return name + ".cbor", nil
}

func (s *FileMetadataStore) Load(ctx context.Context, key string) ([]byte, error) {
	name, err := metadataFileName(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", key, err)
	}
	return data, nil
}

func (s *FileMetadataStore) Save(ctx context.Context, key string, data []byte) error {
	name, err := metadataFileName(key)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return err
	}
	s.log.Debug("Saved metadata", slog.String("key", key), slog.Int("size", len(data)))
	return nil
}

func (s *FileMetadataStore) Delete(ctx context.Context, key string) error {
	name, err := metadataFileName(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}
