package processor

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/asr"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	transcriptKeyPrefix  = "transcripts:"
	DefaultTranscriptTTL = 24 * time.Hour
)

type TranscriptCache interface {
	Get(ctx context.Context, callID string) (*asr.Transcription, bool)
	Put(ctx context.Context, callID string, transcription *asr.Transcription)
}

type CacheRecorder interface {
	RecordCacheAccess(ctx context.Context, hit bool)
}

// RedisTranscriptCache keeps transcripts per call for ttl. Redis failures
// read as misses.
type RedisTranscriptCache struct {
	client  redis.Cmdable
	ttl     time.Duration
	metrics CacheRecorder
}

func NewRedisTranscriptCache(client redis.Cmdable, ttl time.Duration, metrics CacheRecorder) *RedisTranscriptCache {
	if ttl <= 0 {
		ttl = DefaultTranscriptTTL
	}

	return &RedisTranscriptCache{
		client:  client,
		ttl:     ttl,
		metrics: metrics,
	}
}

func (c *RedisTranscriptCache) Get(ctx context.Context, callID string) (*asr.Transcription, bool) {
	payload, err := c.client.Get(ctx, transcriptKeyPrefix+callID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Logger.Warn("[Get] Failed to read cached transcript",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
			)
		}

		c.record(ctx, false)

		return nil, false
	}

	var transcription asr.Transcription

	err = json.Unmarshal(payload, &transcription)
	if err != nil {
		c.record(ctx, false)
		return nil, false
	}

	c.record(ctx, true)

	return &transcription, true
}

func (c *RedisTranscriptCache) Put(ctx context.Context, callID string, transcription *asr.Transcription) {
	payload, err := json.Marshal(transcription)
	if err != nil {
		return
	}

	err = c.client.Set(ctx, transcriptKeyPrefix+callID, payload, c.ttl).Err()
	if err != nil {
		logging.Logger.Warn("[Put] Failed to cache transcript",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)
	}
}

func (c *RedisTranscriptCache) record(ctx context.Context, hit bool) {
	if c.metrics != nil {
		c.metrics.RecordCacheAccess(ctx, hit)
	}
}
