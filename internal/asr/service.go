package asr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/minio"
	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/panjf2000/ants/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrUnknownTranscription = errors.New("unknown transcription handle")
	ErrTranscriptionTimeout = errors.New("transcription did not complete in time")
	ErrAudioFetch           = errors.New("failed to fetch call audio")
)

type Transcription struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// ObjectStore serves s3:// and minio:// audio references.
type ObjectStore interface {
	DownloadURL(ctx context.Context, rawURL string) ([]byte, error)
}

// Engine turns audio bytes into text.
type Engine interface {
	Transcribe(ctx context.Context, audio []byte, fileName, callID string) (string, error)
}

type Settings struct {
	BaseURL             string
	APIKey              string
	Model               string
	Timeout             time.Duration
	RetryMaxAttempts    uint
	RetryMinBackoff     time.Duration
	RetryMaxBackoff     time.Duration
	IntervalCB          uint32
	ConsecutiveFailures uint32
	PoolSize            int
	Logger              *zap.Logger
}

type outcome struct {
	text string
	err  error
}

type Client struct {
	engine     Engine
	objects    ObjectStore
	httpClient *http.Client
	pool       *ants.Pool
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan outcome
}

// NewClient builds a transcription client over an OpenAI compatible ASR
// endpoint. objects may be nil when no audio lives in object storage.
func NewClient(settings Settings, objects ObjectStore) (*Client, error) {
	client, err := NewClientWithEngine(NewOpenAIEngine(settings), objects, settings.PoolSize, settings.Timeout)
	if err != nil {
		return nil, err
	}

	client.logger = logging.Or(settings.Logger)

	return client, nil
}

func NewClientWithEngine(engine Engine, objects ObjectStore, poolSize int, fetchTimeout time.Duration) (*Client, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	return &Client{
		engine:     engine,
		objects:    objects,
		httpClient: &http.Client{Timeout: fetchTimeout},
		pool:       pool,
		logger:     logging.Logger,
		pending:    make(map[string]chan outcome),
	}, nil
}

// Submit starts transcribing the audio at fileURL and returns a handle for
// Await. The transcription runs on the client's worker pool.
func (c *Client) Submit(ctx context.Context, callID, fileURL string) (string, error) {
	handle := uuid.NewString()
	done := make(chan outcome, 1)

	c.mu.Lock()
	c.pending[handle] = done
	c.mu.Unlock()

	err := c.pool.Submit(func() {
		text, err := c.transcribe(ctx, callID, fileURL)
		done <- outcome{text: text, err: err}
	})
	if err != nil {
		c.forget(handle)

		c.logger.Error("[Submit] Failed to schedule transcription",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)

		return "", fault.New(fault.Transient, "asr.Submit", err)
	}

	c.logger.Info("[Submit] Transcription submitted",
		zap.String("call_id", callID),
		zap.String("transcription_id", handle),
	)

	return handle, nil
}

// Await blocks until the transcription behind handle finishes, timeout
// elapses or ctx is done.
func (c *Client) Await(ctx context.Context, handle string, timeout time.Duration) (*Transcription, error) {
	c.mu.Lock()
	done, ok := c.pending[handle]
	c.mu.Unlock()

	if !ok {
		return nil, fault.New(fault.Terminal, "asr.Await", fmt.Errorf("%w: %s", ErrUnknownTranscription, handle))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-done:
		c.forget(handle)

		if result.err != nil {
			return nil, result.err
		}

		return &Transcription{ID: handle, Text: result.text}, nil
	case <-timer.C:
		c.forget(handle)

		return nil, fault.New(fault.Transient, "asr.Await", ErrTranscriptionTimeout)
	case <-ctx.Done():
		c.forget(handle)

		return nil, fault.New(fault.Transient, "asr.Await", ctx.Err())
	}
}

func (c *Client) Release() {
	c.pool.Release()
}

func (c *Client) forget(handle string) {
	c.mu.Lock()
	delete(c.pending, handle)
	c.mu.Unlock()
}

func (c *Client) transcribe(ctx context.Context, callID, fileURL string) (string, error) {
	audio, err := c.fetch(ctx, fileURL)
	if err != nil {
		c.logger.Error("[transcribe] Failed to fetch audio",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return "", fault.New(fault.Transient, "asr.fetch", err)
	}

	text, err := c.engine.Transcribe(ctx, audio, path.Base(fileURL), callID)
	if err != nil {
		return "", fault.New(fault.Transient, "asr.Transcribe", err)
	}

	return text, nil
}

func (c *Client) fetch(ctx context.Context, fileURL string) ([]byte, error) {
	if c.objects != nil && minio.IsObjectURL(fileURL) {
		return c.objects.DownloadURL(ctx, fileURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrAudioFetch, resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

type OpenAIEngine struct {
	client         *openai.Client
	circuitBreaker *gobreaker.CircuitBreaker[string]
	settings       Settings
	logger         *zap.Logger
}

func NewOpenAIEngine(settings Settings) *OpenAIEngine {
	opts := []option.RequestOption{
		option.WithBaseURL(settings.BaseURL),
		option.WithRequestTimeout(settings.Timeout),
	}

	if settings.APIKey != "" {
		opts = append(opts, option.WithAPIKey(settings.APIKey))
	}

	client := openai.NewClient(opts...)

	return &OpenAIEngine{
		client:         &client,
		circuitBreaker: circuitbreak.New[string](circuitbreak.ASRService, settings.IntervalCB, settings.ConsecutiveFailures),
		settings:       settings,
		logger:         logging.Or(settings.Logger),
	}
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, audio []byte, fileName, callID string) (string, error) {
	e.logger.Info("[Transcribe] Starting voice transcription",
		zap.String("call_id", callID),
		zap.Int("audio_size", len(audio)),
	)

	return e.circuitBreaker.Execute(func() (string, error) {
		return e.doRequest(ctx, audio, fileName, callID)
	})
}

func (e *OpenAIEngine) doRequest(ctx context.Context, audio []byte, fileName, callID string) (string, error) {
	var text string

	if ctx.Err() != nil {
		e.logger.Warn("[doRequest] Context already canceled before starting request",
			zap.String("call_id", callID),
			zap.Error(ctx.Err()),
		)

		return "", ctx.Err()
	}

	err := retry.Do(
		func() error {
			body, contentType, err := e.createBody(audio, fileName)
			if err != nil {
				return err
			}

			opts := []option.RequestOption{
				option.WithHeader("x-request-id", callID),
				option.WithRequestBody(contentType, body),
			}

			resp, err := e.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{}, opts...)
			if err != nil {
				e.logger.Error("[doRequest] Transcription request failed",
					zap.String("call_id", callID),
					zap.String("error", err.Error()),
				)

				return err
			}

			text = resp.Text

			return nil
		},
		retry.Context(ctx),
		retry.Attempts(e.settings.RetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(e.settings.RetryMinBackoff),
		retry.MaxDelay(e.settings.RetryMaxBackoff),
	)
	if err != nil {
		e.logger.Error("[doRequest] Transcription failed after all retry attempts",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return "", err
	}

	e.logger.Info("[doRequest] Transcription completed successfully",
		zap.String("call_id", callID),
		zap.Int("text_length", len(text)),
	)

	return text, nil
}

func (e *OpenAIEngine) createBody(audio []byte, fileName string) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", err
	}

	_, err = io.Copy(part, bytes.NewReader(audio))
	if err != nil {
		return nil, "", err
	}

	err = writer.WriteField("model", e.settings.Model)
	if err != nil {
		return nil, "", err
	}

	contentType := writer.FormDataContentType()
	_ = writer.Close()

	return body.Bytes(), contentType, nil
}
