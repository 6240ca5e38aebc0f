package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/crdt"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
)

// ErrNotFound is returned when no snapshot exists for a session
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted summary of a session
type Snapshot struct {
	SessionID      uuid.UUID      `db:"session_id" json:"session_id"`
	Hash           string         `db:"hash" json:"hash"`
	OperationCount int            `db:"operation_count" json:"operation_count"`
	VectorClock    types.JSONText `db:"vector_clock" json:"vector_clock"`
	Document       types.JSONText `db:"document" json:"document"`
	Participants   pq.StringArray `db:"participants" json:"participants"`
	ArchiveKey     string         `db:"archive_key" json:"archive_key,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// NewSnapshot encodes the clock and document of a session
func NewSnapshot(sessionID uuid.UUID, hash string, count int, clock crdt.VectorClock, document interface{}, participants []uuid.UUID) (Snapshot, error) {
	clockJSON, err := json.Marshal(clock)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to encode vector clock")
	}
	docJSON, err := json.Marshal(document)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "failed to encode document")
	}
	names := make(pq.StringArray, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.String())
	}
	return Snapshot{
		SessionID:      sessionID,
		Hash:           hash,
		OperationCount: count,
		VectorClock:    types.JSONText(clockJSON),
		Document:       types.JSONText(docJSON),
		Participants:   names,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

// Clock decodes the stored vector clock
func (s Snapshot) Clock() (crdt.VectorClock, error) {
	clock := crdt.NewVectorClock()
	if len(s.VectorClock) == 0 {
		return clock, nil
	}
	if err := json.Unmarshal(s.VectorClock, &clock); err != nil {
		return nil, errors.Wrap(err, "failed to decode vector clock")
	}
	return clock, nil
}

// SnapshotRepository stores session snapshots
type SnapshotRepository interface {
	Save(ctx context.Context, snap Snapshot) error
	Get(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error)
	List(ctx context.Context, limit int) ([]Snapshot, error)
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

type snapshotRepository struct {
	db      *sqlx.DB
	logger  observability.Logger
	tracer  observability.StartSpanFunc
	metrics observability.MetricsClient
}

// NewSnapshotRepository creates a repository on db
func NewSnapshotRepository(db *sqlx.DB, logger observability.Logger, tracer observability.StartSpanFunc, metrics observability.MetricsClient) SnapshotRepository {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &snapshotRepository{db: db, logger: logger, tracer: tracer, metrics: metrics}
}

const (
	insertColumns = `session_id, hash, operation_count, vector_clock, document, participants, archive_key, updated_at`
	selectColumns = `session_id, hash, operation_count, vector_clock, document, participants, COALESCE(archive_key, '') AS archive_key, updated_at`
)

// Save inserts or replaces the snapshot of a session
func (r *snapshotRepository) Save(ctx context.Context, snap Snapshot) error {
	ctx, span := r.tracer(ctx, "storage.postgres.SnapshotRepository.Save", observability.SessionIDAttributeKey.String(snap.SessionID.String()))
	defer span.End()
	defer r.metrics.StartTimer("snapshot_repository_duration_seconds", map[string]string{"method": "save"})()

	query := `
		INSERT INTO session_snapshots (` + insertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		ON CONFLICT (session_id) DO UPDATE SET
			hash = EXCLUDED.hash,
			operation_count = EXCLUDED.operation_count,
			vector_clock = EXCLUDED.vector_clock,
			document = EXCLUDED.document,
			participants = EXCLUDED.participants,
			archive_key = COALESCE(EXCLUDED.archive_key, session_snapshots.archive_key),
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		snap.SessionID,
		snap.Hash,
		snap.OperationCount,
		snap.VectorClock,
		snap.Document,
		snap.Participants,
		snap.ArchiveKey,
		snap.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		r.logger.Error("Failed to save session snapshot", map[string]interface{}{
			"error":      err.Error(),
			"session_id": snap.SessionID.String(),
		})
		return errors.Wrap(err, "failed to save session snapshot")
	}
	return nil
}

// Get returns the snapshot of a session
func (r *snapshotRepository) Get(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	ctx, span := r.tracer(ctx, "storage.postgres.SnapshotRepository.Get", observability.SessionIDAttributeKey.String(sessionID.String()))
	defer span.End()

	var snap Snapshot
	query := `SELECT ` + selectColumns + ` FROM session_snapshots WHERE session_id = $1`
	if err := r.db.GetContext(ctx, &snap, query, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to get session snapshot")
	}
	return &snap, nil
}

// List returns the most recently updated snapshots
func (r *snapshotRepository) List(ctx context.Context, limit int) ([]Snapshot, error) {
	ctx, span := r.tracer(ctx, "storage.postgres.SnapshotRepository.List")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var snaps []Snapshot
	query := `SELECT ` + selectColumns + ` FROM session_snapshots ORDER BY updated_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &snaps, query, limit); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "failed to list session snapshots")
	}
	return snaps, nil
}

// Delete removes the snapshot of a session
func (r *snapshotRepository) Delete(ctx context.Context, sessionID uuid.UUID) error {
	ctx, span := r.tracer(ctx, "storage.postgres.SnapshotRepository.Delete", observability.SessionIDAttributeKey.String(sessionID.String()))
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE session_id = $1`, sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to delete session snapshot")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
