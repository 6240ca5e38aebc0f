package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/storage/postgres"
)

// Archiver uploads a finished session log and returns its object key
type Archiver interface {
	Archive(ctx context.Context, sessionID uuid.UUID, ops []operation.Operation) (string, error)
}

// Restorer downloads an archived session log
type Restorer interface {
	Restore(ctx context.Context, key string) ([]operation.Operation, error)
}

// Compactor drops the older part of the hot log once it is archived
type Compactor interface {
	Compact(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// StoragePersister writes the session log to the archive and the summary to
// the snapshot repository. Either may be nil.
type StoragePersister struct {
	snapshots postgres.SnapshotRepository
	archiver  Archiver
	compactor Compactor
	logger    observability.Logger
}

// NewStoragePersister creates a persister
func NewStoragePersister(snapshots postgres.SnapshotRepository, archiver Archiver, logger observability.Logger) *StoragePersister {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &StoragePersister{snapshots: snapshots, archiver: archiver, logger: logger}
}

// CompactAfterArchive compacts the hot log after each snapshot that records
// an archive key
func (p *StoragePersister) CompactAfterArchive(c Compactor) *StoragePersister {
	p.compactor = c
	return p
}

// Persist archives then records snap. A failed upload still records the
// snapshot without an archive key.
func (p *StoragePersister) Persist(ctx context.Context, snap Snapshot) error {
	var key string
	if p.archiver != nil && len(snap.Operations) > 0 {
		k, err := p.archiver.Archive(ctx, snap.SessionID, snap.Operations)
		if err != nil {
			p.logger.Warn("Failed to archive session log", map[string]interface{}{
				"session_id": snap.SessionID.String(),
				"error":      err.Error(),
			})
		} else {
			key = k
		}
	}
	if p.snapshots == nil {
		return nil
	}

	record, err := postgres.NewSnapshot(snap.SessionID, snap.Hash, len(snap.Operations), snap.Clock, snap.Document, snap.Participants)
	if err != nil {
		return err
	}
	record.ArchiveKey = key
	if err := p.snapshots.Save(ctx, record); err != nil {
		return errors.Wrap(err, "failed to save session snapshot")
	}

	// Only a recorded key lets ArchiveLoader recover what compaction drops
	if key != "" && p.compactor != nil {
		if _, err := p.compactor.Compact(ctx, snap.SessionID); err != nil {
			p.logger.Warn("Failed to compact session log", map[string]interface{}{
				"session_id": snap.SessionID.String(),
				"error":      err.Error(),
			})
		}
	}
	return nil
}

// ArchiveLoader restores a session from its hot log plus the archive named
// by its latest snapshot, so operations compacted out of the hot log are
// still replayed. primary may be nil.
type ArchiveLoader struct {
	primary   Loader
	snapshots postgres.SnapshotRepository
	restorer  Restorer
	logger    observability.Logger
}

// NewArchiveLoader creates a loader
func NewArchiveLoader(primary Loader, snapshots postgres.SnapshotRepository, restorer Restorer, logger observability.Logger) *ArchiveLoader {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ArchiveLoader{primary: primary, snapshots: snapshots, restorer: restorer, logger: logger}
}

// Load returns the archived operations followed by the hot ones not already
// archived. A failing source is logged and skipped while the other one
// still answers.
func (l *ArchiveLoader) Load(ctx context.Context, sessionID uuid.UUID) ([]operation.Operation, error) {
	var (
		hot    []operation.Operation
		hotErr error
	)
	if l.primary != nil {
		hot, hotErr = l.primary.Load(ctx, sessionID)
	}

	archived, err := l.archived(ctx, sessionID)
	if err != nil {
		if hotErr != nil {
			return nil, hotErr
		}
		l.logger.Warn("Failed to restore archived session log", map[string]interface{}{
			"session_id": sessionID.String(),
			"error":      err.Error(),
		})
		return hot, nil
	}
	if hotErr != nil {
		if len(archived) == 0 {
			return nil, hotErr
		}
		l.logger.Warn("Hot log unavailable, restoring from archive only", map[string]interface{}{
			"session_id": sessionID.String(),
			"error":      hotErr.Error(),
		})
	}
	if len(archived) == 0 {
		return hot, nil
	}

	seen := make(map[operation.OperationID]bool, len(archived))
	ops := make([]operation.Operation, 0, len(archived)+len(hot))
	for _, op := range archived {
		if !seen[op.ID] {
			seen[op.ID] = true
			ops = append(ops, op)
		}
	}
	for _, op := range hot {
		if !seen[op.ID] {
			seen[op.ID] = true
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (l *ArchiveLoader) archived(ctx context.Context, sessionID uuid.UUID) ([]operation.Operation, error) {
	if l.snapshots == nil || l.restorer == nil {
		return nil, nil
	}
	snap, err := l.snapshots.Get(ctx, sessionID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snap.ArchiveKey == "" {
		return nil, nil
	}
	return l.restorer.Restore(ctx, snap.ArchiveKey)
}
