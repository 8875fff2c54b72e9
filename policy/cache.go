package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ruteri/octagon-trust/interfaces"
)

// Cache holds the policy documents a peer can evaluate. Documents come from
// the built-in set, from the change feed, or from an optional content store
// addressed by the policy hash.
type Cache struct {
	mu      sync.RWMutex
	docs    map[interfaces.PolicyVersion]*Document
	backend interfaces.StorageBackend
	log     *slog.Logger
}

// NewCache creates a cache seeded with the given documents.
func NewCache(log *slog.Logger, docs ...*Document) *Cache {
	c := &Cache{
		docs: make(map[interfaces.PolicyVersion]*Document, len(docs)),
		log:  log,
	}
	for _, d := range docs {
		c.docs[d.Version] = d
	}
	return c
}

// NewBuiltinCache creates a cache holding the built-in documents.
func NewBuiltinCache(log *slog.Logger) *Cache {
	return NewCache(log, Builtin()...)
}

// WithBackend sets a content store consulted on cache misses. Documents
// added later are also written through to it.
func (c *Cache) WithBackend(backend interfaces.StorageBackend) *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backend = backend
	return c
}

// Add verifies a document and stores it.
func (c *Cache) Add(ctx context.Context, d *Document) error {
	if err := d.Verify(); err != nil {
		return err
	}

	c.mu.Lock()
	_, known := c.docs[d.Version]
	c.docs[d.Version] = d
	backend := c.backend
	c.mu.Unlock()

	if known || backend == nil {
		return nil
	}

	encoded, err := Encode(d)
	if err != nil {
		return err
	}
	if _, err := backend.Store(ctx, encoded, interfaces.PolicyDocumentType); err != nil {
		c.log.Warn("could not persist policy document", slog.String("version", d.Version.String()), "err", err)
	}
	return nil
}

// Lookup returns a cached document without touching the backend.
func (c *Cache) Lookup(v interfaces.PolicyVersion) (*Document, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.docs[v]
	return d, ok
}

// Resolve returns the document for a version, consulting the backend on a
// miss. Unknown versions fail with PolicyUnknown.
func (c *Cache) Resolve(ctx context.Context, v interfaces.PolicyVersion) (*Document, error) {
	if d, ok := c.Lookup(v); ok {
		return d, nil
	}

	c.mu.RLock()
	backend := c.backend
	c.mu.RUnlock()

	if backend != nil {
		data, err := backend.Fetch(ctx, v.Hash, interfaces.PolicyDocumentType)
		switch {
		case err == nil:
			d, err := Decode(data)
			if err != nil {
				return nil, fmt.Errorf("stored policy %s is invalid: %w", v, err)
			}
			if d.Version != v {
				return nil, fmt.Errorf("stored policy %s claims version %s", v, d.Version)
			}
			c.mu.Lock()
			c.docs[v] = d
			c.mu.Unlock()
			return d, nil
		case !errors.Is(err, interfaces.ErrContentNotFound):
			c.log.Debug("policy backend lookup failed", slog.String("version", v.String()), "err", err)
		}
	}

	return nil, interfaces.NewError(interfaces.CodePolicyUnknown, "policy %s not available", v)
}

// Versions returns all cached versions ordered by number.
func (c *Cache) Versions() []interfaces.PolicyVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()

	versions := make([]interfaces.PolicyVersion, 0, len(c.docs))
	for v := range c.docs {
		versions = append(versions, v)
	}
	slices.SortFunc(versions, func(a, b interfaces.PolicyVersion) int {
		if a.Number != b.Number {
			if a.Number < b.Number {
				return -1
			}
			return 1
		}
		return slices.Compare(a.Hash[:], b.Hash[:])
	})
	return versions
}

// Latest returns the cached document with the highest version number.
func (c *Cache) Latest() *Document {
	versions := c.Versions()
	if len(versions) == 0 {
		return nil
	}
	d, _ := c.Lookup(versions[len(versions)-1])
	return d
}
