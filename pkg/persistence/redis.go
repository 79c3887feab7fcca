package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/errorsx"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/logging"
	"github.com/shresthjindal28/VeriVox-LedgerDocs/pkg/session"
)

// endedRecordTTL keeps finished call records around long enough for
// billing reconciliation without growing the keyspace forever.
const endedRecordTTL = 7 * 24 * time.Hour

// RedisSink stores one hash per call session. It is a write-only sink:
// the call path never reads these records back.
type RedisSink struct {
	client    redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

func NewRedisSink(client redis.UniversalClient, keyPrefix string) *RedisSink {
	if keyPrefix == "" {
		keyPrefix = "voice:session:"
	}
	return &RedisSink{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logging.NewComponentLogger(slog.Default(), "redis_sink"),
	}
}

func (s *RedisSink) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisSink) SessionCreated(ctx context.Context, rec session.Record) error {
	fields := map[string]any{
		"caller_id":      rec.CallerID,
		"document_id":    rec.DocumentID,
		"state":          string(rec.State),
		"voice_mode":     string(rec.VoiceMode),
		"created_at":     rec.CreatedAt.Format(time.RFC3339Nano),
		"question_count": rec.QuestionCount,
	}
	if err := s.client.HSet(ctx, s.key(rec.SessionID), fields).Err(); err != nil {
		return errorsx.Wrap(fmt.Errorf("hset %s: %w", s.key(rec.SessionID), err), errorsx.ReasonPersistence)
	}
	return nil
}

func (s *RedisSink) SessionUpdated(ctx context.Context, rec session.Record) error {
	fields := map[string]any{
		"state":          string(rec.State),
		"voice_mode":     string(rec.VoiceMode),
		"question_count": rec.QuestionCount,
	}
	if err := s.client.HSet(ctx, s.key(rec.SessionID), fields).Err(); err != nil {
		return errorsx.Wrap(fmt.Errorf("hset %s: %w", s.key(rec.SessionID), err), errorsx.ReasonPersistence)
	}
	return nil
}

func (s *RedisSink) SessionEnded(ctx context.Context, rec session.Record) error {
	key := s.key(rec.SessionID)
	fields := map[string]any{
		"state":            string(rec.State),
		"voice_mode":       string(rec.VoiceMode),
		"ended_at":         rec.EndedAt.Format(time.RFC3339Nano),
		"duration_seconds": rec.DurationSeconds,
		"question_count":   rec.QuestionCount,
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, endedRecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return errorsx.Wrap(fmt.Errorf("end record %s: %w", key, err), errorsx.ReasonPersistence)
	}
	return nil
}

// Ping verifies connectivity at startup.
func (s *RedisSink) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errorsx.Wrap(fmt.Errorf("redis ping: %w", err), errorsx.ReasonPersistence)
	}
	return nil
}
