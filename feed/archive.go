package feed

import (
	"context"
	"log/slog"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/peer"
)

// Archiving wraps a Feed and copies every accepted device revision into a
// content store. Archive failures are logged and never fail the mutation.
type Archiving struct {
	Feed
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewArchiving(inner Feed, backend interfaces.StorageBackend, log *slog.Logger) *Archiving {
	return &Archiving{Feed: inner, backend: backend, log: log}
}

func (a *Archiving) archive(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) {
	data, err := codec.Marshal(rev)
	if err != nil {
		a.log.Warn("could not encode revision for archive", slog.String("container", key.String()), "err", err)
		return
	}
	id, err := a.backend.Store(ctx, data, interfaces.RevisionArchiveType)
	if err != nil {
		a.log.Warn("could not archive revision", slog.String("container", key.String()), "err", err)
		return
	}
	a.log.Debug("revision archived", slog.String("container", key.String()), slog.String("id", id.String()))
}

func (a *Archiving) Establish(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) error {
	if err := a.Feed.Establish(ctx, key, rev); err != nil {
		return err
	}
	a.archive(ctx, key, rev)
	return nil
}

func (a *Archiving) Join(ctx context.Context, key interfaces.ContainerKey, req JoinRequest) (interfaces.PeerID, error) {
	id, err := a.Feed.Join(ctx, key, req)
	if err != nil {
		return id, err
	}
	a.archive(ctx, key, req.Revision)
	return id, nil
}

func (a *Archiving) Update(ctx context.Context, key interfaces.ContainerKey, rev peer.Revision) error {
	if err := a.Feed.Update(ctx, key, rev); err != nil {
		return err
	}
	a.archive(ctx, key, rev)
	return nil
}

// ReadArchived decodes a revision stored by Archiving.
func ReadArchived(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID) (*peer.Revision, error) {
	data, err := backend.Fetch(ctx, id, interfaces.RevisionArchiveType)
	if err != nil {
		return nil, err
	}
	var rev peer.Revision
	if err := codec.Unmarshal(data, &rev); err != nil {
		return nil, err
	}
	return &rev, nil
}
