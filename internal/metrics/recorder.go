// Package metrics records latency, error, queue depth and cache counters into
// prometheus and into per-minute Redis buckets shared by every process of the
// pipeline. The Redis buckets are what the alert checks read back.
package metrics

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

const (
	// Query and request timings land in the response series read by the
	// response time check. Job durations have their own series.
	responseSeries = "req"
	jobSeries      = "job"

	keyPrefix     = "metrics:"
	queueDepthKey = keyPrefix + "queue:depth"
	bucketTTL     = time.Hour
	cacheWindow   = 60
)

type CacheStats struct {
	Hits   int64
	Misses int64
}

func (c CacheStats) Total() int64 {
	return c.Hits + c.Misses
}

// HitRate is a percentage; zero when nothing was observed.
func (c CacheStats) HitRate() float64 {
	if c.Total() == 0 {
		return 0
	}

	return float64(c.Hits) / float64(c.Total()) * 100
}

type Recorder struct {
	redis  redis.Cmdable
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func NewRecorder(client redis.Cmdable, opts ...Option) *Recorder {
	recorder := &Recorder{
		redis: client,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(recorder)
	}

	recorder.logger = logging.Or(recorder.logger)

	return recorder
}

// RecordLatency stores one timed query or request. Failures to write are
// logged only.
func (r *Recorder) RecordLatency(ctx context.Context, operation string, duration time.Duration, success bool) {
	prometheusCallflow.OperationLatency.
		WithLabelValues(operation, strconv.FormatBool(success)).
		Observe(duration.Seconds())

	err := r.addDuration(ctx, responseSeries, duration)
	if err != nil {
		r.logger.Warn("[RecordLatency] failed to write metric",
			zap.String("operation", operation),
			zap.String("error", err.Error()),
		)
	}
}

// RecordJobDuration stores the run time of one background job attempt. It
// never reaches the response time average.
func (r *Recorder) RecordJobDuration(ctx context.Context, operation string, duration time.Duration, success bool) {
	prometheusCallflow.OperationLatency.
		WithLabelValues(operation, strconv.FormatBool(success)).
		Observe(duration.Seconds())

	err := r.addDuration(ctx, jobSeries, duration)
	if err != nil {
		r.logger.Warn("[RecordJobDuration] failed to write metric",
			zap.String("operation", operation),
			zap.String("error", err.Error()),
		)
	}
}

func (r *Recorder) addDuration(ctx context.Context, series string, duration time.Duration) error {
	key := r.bucketKey(series, r.now())

	pipe := r.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "count", 1)
	pipe.HIncrByFloat(ctx, key, "total_ms", float64(duration.Microseconds())/1000)
	pipe.Expire(ctx, key, bucketTTL)

	_, err := pipe.Exec(ctx)

	return err
}

func (r *Recorder) RecordError(ctx context.Context, operation string) {
	prometheusCallflow.OperationErrors.WithLabelValues(operation).Inc()

	key := r.bucketKey("err", r.now())

	pipe := r.redis.Pipeline()
	pipe.HIncrBy(ctx, key, "total", 1)
	pipe.HIncrBy(ctx, key, operation, 1)
	pipe.Expire(ctx, key, bucketTTL)

	_, err := pipe.Exec(ctx)
	if err != nil {
		r.logger.Warn("[RecordError] failed to write metric",
			zap.String("operation", operation),
			zap.String("error", err.Error()),
		)
	}
}

// RecordQueueDepth stores the number of waiting jobs of a named queue.
func (r *Recorder) RecordQueueDepth(ctx context.Context, queue string, waiting int64) {
	prometheusCallflow.QueueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))

	err := r.redis.HSet(ctx, queueDepthKey, queue, waiting).Err()
	if err != nil {
		r.logger.Warn("[RecordQueueDepth] failed to write metric",
			zap.String("queue", queue),
			zap.String("error", err.Error()),
		)
	}
}

func (r *Recorder) RecordCacheAccess(ctx context.Context, hit bool) {
	field := "misses"
	if hit {
		field = "hits"
	}

	prometheusCallflow.CacheAccess.WithLabelValues(field).Inc()

	key := r.bucketKey("cache", r.now())

	pipe := r.redis.Pipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	pipe.Expire(ctx, key, bucketTTL)

	_, err := pipe.Exec(ctx)
	if err != nil {
		r.logger.Warn("[RecordCacheAccess] failed to write metric", zap.String("error", err.Error()))
	}
}

// ErrorRate estimates errors per minute over a sliding window: the previous
// minute bucket is weighted by the share of it still inside the window.
func (r *Recorder) ErrorRate(ctx context.Context) (float64, error) {
	now := r.now()

	current, previous, err := r.twoBuckets(ctx, "err", "total", now)
	if err != nil {
		return 0, err
	}

	elapsed := float64(now.Second()) / 60

	return current + previous*(1-elapsed), nil
}

// AvgResponseTime is the mean query and request latency in milliseconds over
// the current and previous minute buckets.
func (r *Recorder) AvgResponseTime(ctx context.Context) (float64, error) {
	return r.average(ctx, responseSeries)
}

// AvgJobDuration is the mean job attempt duration in milliseconds over the
// current and previous minute buckets.
func (r *Recorder) AvgJobDuration(ctx context.Context) (float64, error) {
	return r.average(ctx, jobSeries)
}

func (r *Recorder) average(ctx context.Context, series string) (float64, error) {
	now := r.now()

	pipe := r.redis.Pipeline()
	currentCmd := pipe.HMGet(ctx, r.bucketKey(series, now), "count", "total_ms")
	previousCmd := pipe.HMGet(ctx, r.bucketKey(series, now.Add(-time.Minute)), "count", "total_ms")

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	var count, total float64

	for _, cmd := range []*redis.SliceCmd{currentCmd, previousCmd} {
		values := cmd.Val()
		if len(values) != 2 {
			continue
		}

		count += toFloat(values[0])
		total += toFloat(values[1])
	}

	if count == 0 {
		return 0, nil
	}

	return total / count, nil
}

func (r *Recorder) QueueDepths(ctx context.Context) (map[string]int64, error) {
	raw, err := r.redis.HGetAll(ctx, queueDepthKey).Result()
	if err != nil {
		return nil, err
	}

	depths := make(map[string]int64, len(raw))

	for queue, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}

		depths[queue] = n
	}

	return depths, nil
}

// CacheStats sums the cache buckets of the last hour.
func (r *Recorder) CacheStats(ctx context.Context) (CacheStats, error) {
	now := r.now()
	pipe := r.redis.Pipeline()
	cmds := make([]*redis.SliceCmd, 0, cacheWindow)

	for i := range cacheWindow {
		key := r.bucketKey("cache", now.Add(-time.Duration(i)*time.Minute))
		cmds = append(cmds, pipe.HMGet(ctx, key, "hits", "misses"))
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return CacheStats{}, err
	}

	var stats CacheStats

	for _, cmd := range cmds {
		values := cmd.Val()
		if len(values) != 2 {
			continue
		}

		stats.Hits += int64(toFloat(values[0]))
		stats.Misses += int64(toFloat(values[1]))
	}

	return stats, nil
}

// MemoryPercent is the resident memory of this process as a percentage of
// the host memory.
func (r *Recorder) MemoryPercent(ctx context.Context) (float64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}

	percent, err := proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return 0, err
	}

	return float64(percent), nil
}

func (r *Recorder) twoBuckets(ctx context.Context, kind, field string, now time.Time) (float64, float64, error) {
	pipe := r.redis.Pipeline()
	currentCmd := pipe.HGet(ctx, r.bucketKey(kind, now), field)
	previousCmd := pipe.HGet(ctx, r.bucketKey(kind, now.Add(-time.Minute)), field)

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, err
	}

	current, _ := currentCmd.Float64()
	previous, _ := previousCmd.Float64()

	return current, previous, nil
}

func (r *Recorder) bucketKey(kind string, at time.Time) string {
	return keyPrefix + kind + ":" + strconv.FormatInt(at.Unix()/60, 10)
}

func toFloat(value any) float64 {
	s, ok := value.(string)
	if !ok {
		return 0
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return f
}
