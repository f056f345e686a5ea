// Package extraction turns a call transcript into structured call data
// through an OpenAI compatible chat completion endpoint.
package extraction

import (
	"context"
	"errors"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	"github.com/avast/retry-go"
	"github.com/goccy/go-json"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const systemPrompt = `You analyse customer call transcripts.
Answer with a single JSON object and nothing else, using exactly these keys:
"summary" (string), "sentiment" ("positive", "neutral" or "negative"),
"key_points" (array of strings), "action_items" (array of strings),
"call_duration_seconds" (number, omit when the transcript does not reveal it).`

var (
	ErrEmptyCompletion = errors.New("extraction returned no choices")
	ErrMalformedResult = errors.New("extraction result is not valid json")
)

type Result struct {
	Summary             string   `json:"summary"`
	Sentiment           string   `json:"sentiment"`
	KeyPoints           []string `json:"key_points"`
	ActionItems         []string `json:"action_items"`
	CallDurationSeconds *float64 `json:"call_duration_seconds,omitempty"`

	// Raw is the object exactly as the model produced it.
	Raw json.RawMessage `json:"-"`
}

// Completer sends one system+user exchange and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, system, user, callID string) (string, error)
}

type Settings struct {
	BaseURL             string
	APIKey              string
	Model               string
	Timeout             time.Duration
	RetryMaxAttempts    uint
	IntervalCB          uint32
	ConsecutiveFailures uint32
}

type Client struct {
	completer Completer
}

func NewClient(settings Settings) *Client {
	return NewClientWithCompleter(NewOpenAICompleter(settings))
}

func NewClientWithCompleter(completer Completer) *Client {
	return &Client{completer: completer}
}

func (c *Client) Extract(ctx context.Context, callID, transcript string) (*Result, error) {
	reply, err := c.completer.Complete(ctx, systemPrompt, transcript, callID)
	if err != nil {
		return nil, fault.New(fault.Transient, "extraction.Extract", err)
	}

	result, err := Parse(reply)
	if err != nil {
		logging.Logger.Warn("[Extract] Model reply could not be parsed",
			zap.String("call_id", callID),
			zap.String("error", err.Error()),
		)

		return nil, fault.New(fault.Transient, "extraction.Extract", err)
	}

	logging.Logger.Info("Extraction completed",
		zap.String("call_id", callID),
		zap.String("sentiment", result.Sentiment),
		zap.Int("key_points", len(result.KeyPoints)),
	)

	return result, nil
}

// Parse decodes a model reply, tolerating a markdown code fence around the
// object.
func Parse(reply string) (*Result, error) {
	body := strings.TrimSpace(reply)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	if !json.Valid([]byte(body)) {
		return nil, ErrMalformedResult
	}

	var result Result

	err := json.Unmarshal([]byte(body), &result)
	if err != nil {
		return nil, errors.Join(ErrMalformedResult, err)
	}

	result.Raw = json.RawMessage(body)

	return &result, nil
}

type OpenAICompleter struct {
	client         *openai.Client
	circuitBreaker *gobreaker.CircuitBreaker[string]
	settings       Settings
}

func NewOpenAICompleter(settings Settings) *OpenAICompleter {
	opts := []option.RequestOption{
		option.WithBaseURL(settings.BaseURL),
		option.WithRequestTimeout(settings.Timeout),
	}

	if settings.APIKey != "" {
		opts = append(opts, option.WithAPIKey(settings.APIKey))
	}

	client := openai.NewClient(opts...)

	return &OpenAICompleter{
		client:         &client,
		circuitBreaker: circuitbreak.New[string](circuitbreak.ExtractionService, settings.IntervalCB, settings.ConsecutiveFailures),
		settings:       settings,
	}
}

func (o *OpenAICompleter) Complete(ctx context.Context, system, user, callID string) (string, error) {
	return o.circuitBreaker.Execute(func() (string, error) {
		var content string

		err := retry.Do(
			func() error {
				resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
					Model: openai.ChatModel(o.settings.Model),
					Messages: []openai.ChatCompletionMessageParamUnion{
						openai.SystemMessage(system),
						openai.UserMessage(user),
					},
					ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
						OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
					},
				}, option.WithHeader("x-request-id", callID))
				if err != nil {
					logging.Logger.Error("Extraction request failed",
						zap.String("call_id", callID),
						zap.String("error", err.Error()),
					)

					return err
				}

				if len(resp.Choices) == 0 {
					return ErrEmptyCompletion
				}

				content = resp.Choices[0].Message.Content

				return nil
			},
			retry.Context(ctx),
			retry.Attempts(o.settings.RetryMaxAttempts),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			logging.Logger.Error("Extraction failed after all retry attempts",
				zap.String("call_id", callID),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return "", err
		}

		return content, nil
	})
}
