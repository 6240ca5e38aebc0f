package redisstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/timeline-sync/pkg/collaboration/operation"
	"github.com/developer-mesh/timeline-sync/pkg/observability"
	"github.com/developer-mesh/timeline-sync/pkg/resilience"
)

// Stream entry fields
const (
	fieldID = "id"
	fieldOp = "op"
)

// Store appends and replays session operation streams
type Store struct {
	client  redis.UniversalClient
	prefix  string
	maxLen  int64
	breaker *resilience.Breaker
	logger  observability.Logger
}

// NewStore creates a store on an existing client. breaker may be nil.
func NewStore(client redis.UniversalClient, cfg Config, breaker *resilience.Breaker, logger observability.Logger) *Store {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = DefaultConfig().StreamPrefix
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Store{
		client:  client,
		prefix:  cfg.StreamPrefix,
		maxLen:  cfg.MaxLen,
		breaker: breaker,
		logger:  logger,
	}
}

func (s *Store) key(sessionID uuid.UUID) string {
	return s.prefix + sessionID.String()
}

func (s *Store) run(ctx context.Context, fn func(context.Context) error) error {
	if s.breaker == nil {
		return fn(ctx)
	}
	return s.breaker.Execute(ctx, fn)
}

// Append adds operations to the session stream in the given order. Streams
// are never trimmed on append: a replayed log must hold every ancestor.
func (s *Store) Append(ctx context.Context, sessionID uuid.UUID, ops ...operation.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "storage.redis.Append")
	defer span.End()
	span.SetAttribute(string(observability.SessionIDAttributeKey), sessionID.String())
	span.SetAttribute("count", len(ops))

	key := s.key(sessionID)
	err := s.run(ctx, func(ctx context.Context) error {
		pipe := s.client.Pipeline()
		for _, op := range ops {
			data, err := json.Marshal(op)
			if err != nil {
				return errors.Wrapf(err, "failed to encode operation %s", op.ID)
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: key,
				Values: map[string]interface{}{fieldID: op.ID.String(), fieldOp: string(data)},
			})
		}
		_, err := pipe.Exec(ctx)
		return errors.Wrap(err, "failed to append operations")
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Load returns every stored operation of a session in append order.
// Entries that fail to decode are skipped.
func (s *Store) Load(ctx context.Context, sessionID uuid.UUID) ([]operation.Operation, error) {
	ctx, span := observability.StartSpan(ctx, "storage.redis.Load")
	defer span.End()
	span.SetAttribute(string(observability.SessionIDAttributeKey), sessionID.String())

	var entries []redis.XMessage
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		entries, err = s.client.XRange(ctx, s.key(sessionID), "-", "+").Result()
		return errors.Wrap(err, "failed to read operation stream")
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ops := make([]operation.Operation, 0, len(entries))
	for _, entry := range entries {
		raw, _ := entry.Values[fieldOp].(string)
		var op operation.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			s.logger.Warn("Skipping undecodable stream entry", map[string]interface{}{
				"session_id": sessionID.String(),
				"entry_id":   entry.ID,
				"error":      err.Error(),
			})
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Len returns the number of stored entries for a session
func (s *Store) Len(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.client.XLen(ctx, s.key(sessionID)).Result()
		return errors.Wrap(err, "failed to measure operation stream")
	})
	return n, err
}

// Trim keeps only the newest maxLen entries
func (s *Store) Trim(ctx context.Context, sessionID uuid.UUID, maxLen int64) error {
	ctx, span := observability.StartSpan(ctx, "storage.redis.Trim")
	defer span.End()
	return s.run(ctx, func(ctx context.Context) error {
		return errors.Wrap(s.client.XTrimMaxLen(ctx, s.key(sessionID), maxLen).Err(), "failed to trim operation stream")
	})
}

// Compact trims an archived session stream to the configured MaxLen and
// returns how many entries were dropped. Callers must only compact once the
// full log is recoverable from the archive. MaxLen 0 keeps everything.
func (s *Store) Compact(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	if s.maxLen <= 0 {
		return 0, nil
	}
	n, err := s.Len(ctx, sessionID)
	if err != nil || n <= s.maxLen {
		return 0, err
	}
	if err := s.Trim(ctx, sessionID, s.maxLen); err != nil {
		return 0, err
	}
	s.logger.Debug("Compacted operation stream", map[string]interface{}{
		"session_id": sessionID.String(),
		"dropped":    n - s.maxLen,
	})
	return n - s.maxLen, nil
}

// Delete removes a session stream
func (s *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	return s.run(ctx, func(ctx context.Context) error {
		return errors.Wrap(s.client.Del(ctx, s.key(sessionID)).Err(), "failed to delete operation stream")
	})
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis ping failed")
}
