// Package processor runs a single call processing attempt: transcription,
// extraction, persistence and usage settlement.
package processor

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/asr"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/errtrack"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/extraction"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/queue"
	"go.uber.org/zap"
)

const DefaultTranscriptionTimeout = 5 * time.Minute

const (
	progressTranscribed = 33
	progressExtracted   = 66
	progressPersisted   = 90
	progressDone        = 100
)

type Transcriber interface {
	Submit(ctx context.Context, callID, fileURL string) (string, error)
	Await(ctx context.Context, handle string, timeout time.Duration) (*asr.Transcription, error)
}

type Extractor interface {
	Extract(ctx context.Context, callID, transcript string) (*extraction.Result, error)
}

type Reservations interface {
	Confirm(ctx context.Context, reservationID string, actualDuration *float64) error
}

type CallStore interface {
	GetMetadata(ctx context.Context, callID string) (map[string]any, error)
	MarkProcessing(ctx context.Context, callID string, attempt int) error
	MarkRetrying(ctx context.Context, callID, message string) error
	MarkFailed(ctx context.Context, callID, message string) error
	SaveResult(ctx context.Context, callID string, completion call.Completion) error
}

type Processor struct {
	transcriber          Transcriber
	extractor            Extractor
	reservations         Reservations
	calls                CallStore
	tracker              errtrack.Capturer
	transcriptionTimeout time.Duration
	cache                TranscriptCache
	logger               *zap.Logger
	now                  func() time.Time
}

func New(
	transcriber Transcriber,
	extractor Extractor,
	reservations Reservations,
	calls CallStore,
	tracker errtrack.Capturer,
	transcriptionTimeout time.Duration,
) *Processor {
	if transcriptionTimeout <= 0 {
		transcriptionTimeout = DefaultTranscriptionTimeout
	}

	return &Processor{
		transcriber:          transcriber,
		extractor:            extractor,
		reservations:         reservations,
		calls:                calls,
		tracker:              tracker,
		transcriptionTimeout: transcriptionTimeout,
		logger:               logging.Logger,
		now:                  time.Now,
	}
}

func (p *Processor) WithLogger(logger *zap.Logger) *Processor {
	p.logger = logging.Or(logger)
	return p
}

// WithTranscriptCache makes retries reuse transcripts of earlier attempts.
func (p *Processor) WithTranscriptCache(cache TranscriptCache) *Processor {
	p.cache = cache
	return p
}

func (p *Processor) Process(
	ctx context.Context,
	job *queue.CallProcessingJob,
	jobID string,
	attempt queue.Attempt,
	progress queue.ProgressReporter,
) (*queue.ProcessingResult, error) {
	start := p.now()

	result := &queue.ProcessingResult{
		CallID:  job.CallID,
		JobID:   jobID,
		Attempt: attempt.Number,
	}

	err := p.calls.MarkProcessing(ctx, job.CallID, attempt.Number)
	if err != nil {
		p.logger.Error("[Process] Failed to mark call processing",
			zap.String("call_id", job.CallID),
			zap.Int("attempt", attempt.Number),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return p.fail(ctx, job, attempt, result, err)
	}

	err = p.run(ctx, job, result, progress, start)
	if err != nil {
		return p.fail(ctx, job, attempt, result, err)
	}

	return result, nil
}

func (p *Processor) run(
	ctx context.Context,
	job *queue.CallProcessingJob,
	result *queue.ProcessingResult,
	progress queue.ProgressReporter,
	start time.Time,
) error {
	transcription, err := p.transcribe(ctx, job)
	if err != nil {
		return err
	}

	handle := transcription.ID
	result.TranscriptionID = handle

	progress.Report(ctx, progressTranscribed)

	extracted, err := p.extractor.Extract(ctx, job.CallID, transcription.Text)
	if err != nil {
		return err
	}

	progress.Report(ctx, progressExtracted)

	reservationID := p.reservationID(ctx, job)

	elapsed := p.now().Sub(start)

	err = p.calls.SaveResult(ctx, job.CallID, call.Completion{
		TranscriptionID: handle,
		Transcript:      transcription.Text,
		ExtractedData:   extracted.Raw,
		ProcessingTime:  elapsed,
	})
	if err != nil {
		return err
	}

	progress.Report(ctx, progressPersisted)

	p.confirmUsage(ctx, job, reservationID, extracted.CallDurationSeconds)

	progress.Report(ctx, progressDone)

	result.Status = queue.ResultCompleted
	result.ExtractedData = extracted.Raw
	result.ProcessingTime = elapsed

	p.logger.Info("[run] Call processed",
		zap.String("call_id", job.CallID),
		zap.String("transcription_id", handle),
		zap.Duration("processing_time", elapsed),
	)

	return nil
}

// transcribe reuses a transcript an earlier attempt of the same call already
// paid for, so a retry after an extraction failure skips the ASR round trip.
func (p *Processor) transcribe(ctx context.Context, job *queue.CallProcessingJob) (*asr.Transcription, error) {
	if p.cache != nil {
		cached, ok := p.cache.Get(ctx, job.CallID)
		if ok {
			return cached, nil
		}
	}

	handle, err := p.transcriber.Submit(ctx, job.CallID, job.FileURL)
	if err != nil {
		return nil, err
	}

	transcription, err := p.transcriber.Await(ctx, handle, p.transcriptionTimeout)
	if err != nil {
		return nil, err
	}

	if transcription.ID == "" {
		transcription.ID = handle
	}

	if p.cache != nil {
		p.cache.Put(ctx, job.CallID, transcription)
	}

	return transcription, nil
}

// reservationID reads the call's stored metadata once, before the final
// update. The job's own metadata is the fallback.
func (p *Processor) reservationID(ctx context.Context, job *queue.CallProcessingJob) string {
	metadata, err := p.calls.GetMetadata(ctx, job.CallID)
	if err != nil {
		p.logger.Warn("[reservationID] Failed to read call metadata, using job metadata",
			zap.String("call_id", job.CallID),
			zap.String("error", err.Error()),
		)

		return job.ReservationID()
	}

	id, _ := metadata["reservation_id"].(string)
	if id == "" {
		return job.ReservationID()
	}

	return id
}

// confirmUsage settles the reservation. The call is already stored as
// completed, so a failure here is tracked but does not fail the attempt.
func (p *Processor) confirmUsage(
	ctx context.Context,
	job *queue.CallProcessingJob,
	reservationID string,
	actualDuration *float64,
) {
	if reservationID == "" {
		return
	}

	err := p.reservations.Confirm(ctx, reservationID, actualDuration)
	if err != nil {
		p.logger.Warn("[confirmUsage] Failed to confirm usage reservation",
			zap.String("call_id", job.CallID),
			zap.String("reservation_id", reservationID),
			zap.String("error", err.Error()),
		)

		p.capture(ctx, "usage_confirm", err, map[string]any{
			"call_id":        job.CallID,
			"reservation_id": reservationID,
		})
	}
}

// fail records the failed attempt on the call and hands the error back so
// the queue decides about retry.
func (p *Processor) fail(
	ctx context.Context,
	job *queue.CallProcessingJob,
	attempt queue.Attempt,
	result *queue.ProcessingResult,
	cause error,
) (*queue.ProcessingResult, error) {
	message := errtrack.Sanitize(cause.Error())
	final := attempt.IsLast() || !fault.Retryable(cause)

	result.Status = queue.ResultFailed
	result.Error = message

	var err error
	if final {
		err = p.calls.MarkFailed(ctx, job.CallID, message)
	} else {
		err = p.calls.MarkRetrying(ctx, job.CallID, message)
	}

	if err != nil {
		p.logger.Error("[fail] Failed to record failed attempt on call",
			zap.String("call_id", job.CallID),
			zap.Bool("final", final),
			zap.String("error", err.Error()),
		)
	}

	p.logger.Warn("[fail] Call processing attempt failed",
		zap.String("call_id", job.CallID),
		zap.Int("attempt", attempt.Number),
		zap.Int("max_attempts", attempt.Max),
		zap.Bool("final", final),
		zap.String("error", message),
	)

	p.capture(ctx, "process_call", cause, map[string]any{
		"call_id": job.CallID,
		"attempt": attempt.Number,
	})

	return result, cause
}

func (p *Processor) capture(ctx context.Context, operation string, err error, fields map[string]any) {
	if p.tracker != nil {
		p.tracker.Capture(ctx, operation, err, fields)
	}
}
