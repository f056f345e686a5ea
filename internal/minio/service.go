package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/logging"
	prometheusCallflow "git.mci.dev/mse/sre/phoenix/golang/callflow/internal/prometheus"
	"github.com/avast/retry-go"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrConvertToBytes = errors.New("failed to convert result to byte slice")
	ErrNotObjectURL   = errors.New("not an object storage url")
)

var objectSchemes = map[string]bool{
	"s3":    true,
	"minio": true,
}

type Settings struct {
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Secure            bool
	Timeout           time.Duration
	MaxRetryAttempts  uint
	RetryBackoffMin   time.Duration
	RetryBackoffMax   time.Duration
	IntervalCB        uint32
	ConsecutiveFailCB uint32
}

type Client struct {
	client         *minio.Client
	circuitBreaker *gobreaker.CircuitBreaker[any]
	settings       Settings
}

func NewClient(settings Settings) (*Client, error) {
	client, err := minio.New(settings.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(settings.AccessKey, settings.SecretKey, ""),
		Secure: settings.Secure,
	})
	if err != nil {
		logging.Logger.Error("Failed to initialize MinIO client",
			zap.String("endpoint", settings.Endpoint),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("MinIO client initialized", zap.String("endpoint", settings.Endpoint))

	return &Client{
		client:         client,
		circuitBreaker: circuitbreak.New[any](circuitbreak.MinioService, settings.IntervalCB, settings.ConsecutiveFailCB),
		settings:       settings,
	}, nil
}

// ParseURL splits s3://bucket/key and minio://bucket/key references.
func ParseURL(rawURL string) (string, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}

	if !objectSchemes[strings.ToLower(parsed.Scheme)] {
		return "", "", fmt.Errorf("%w: %s", ErrNotObjectURL, rawURL)
	}

	key := strings.TrimPrefix(parsed.Path, "/")
	if parsed.Host == "" || key == "" {
		return "", "", fmt.Errorf("%w: missing bucket or key in %s", ErrNotObjectURL, rawURL)
	}

	return parsed.Host, key, nil
}

// IsObjectURL reports whether rawURL points at object storage.
func IsObjectURL(rawURL string) bool {
	_, _, err := ParseURL(rawURL)
	return err == nil
}

// Download fetches an object with retry and returns its content.
func (c *Client) Download(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	logging.Logger.Info("Starting MinIO download",
		zap.String("bucket", bucket),
		zap.String("object_key", objectKey),
	)

	result, err := c.circuitBreaker.Execute(func() (any, error) {
		return c.doDownload(ctx, bucket, objectKey)
	})
	if err != nil {
		return nil, err
	}

	data, ok := result.([]byte)
	if !ok {
		return nil, ErrConvertToBytes
	}

	return data, nil
}

// DownloadURL downloads the object an s3:// or minio:// url names.
func (c *Client) DownloadURL(ctx context.Context, rawURL string) ([]byte, error) {
	bucket, key, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	return c.Download(ctx, bucket, key)
}

func (c *Client) doDownload(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	timer := prometheus.NewTimer(prometheusCallflow.MinioOperationDuration.WithLabelValues("download"))
	defer timer.ObserveDuration()

	var buf *bytes.Buffer

	ctxWithTimeout, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			object, err := c.client.GetObject(ctxWithTimeout, bucket, objectKey, minio.GetObjectOptions{})
			if err != nil {
				logging.Logger.Error("MinIO download failed",
					zap.String("object_key", objectKey),
					zap.String("error", err.Error()),
				)

				return err
			}

			defer func() {
				cerr := object.Close()
				if cerr != nil {
					logging.Logger.Error("Failed to close MinIO object reader",
						zap.String("error", cerr.Error()),
						zap.String("object", objectKey),
					)
				}
			}()

			data, err := io.ReadAll(object)
			if err != nil {
				return err
			}

			buf = bytes.NewBuffer(data)

			return nil
		},
		retry.Context(ctxWithTimeout),
		retry.Attempts(c.settings.MaxRetryAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.settings.RetryBackoffMin),
		retry.MaxDelay(c.settings.RetryBackoffMax),
	)
	if err != nil {
		logging.Logger.Error("MinIO download failed after all retry attempts",
			zap.String("object_key", objectKey),
			zap.String("error", err.Error()),
			zap.Bool("is_context_error", ctx.Err() != nil),
		)

		return nil, err
	}

	logging.Logger.Info("MinIO download completed successfully",
		zap.String("object_key", objectKey),
		zap.Int("size", buf.Len()),
	)

	return buf.Bytes(), nil
}

// Ping lists buckets to confirm the endpoint answers with valid credentials.
func (c *Client) Ping(ctx context.Context) error {
	timer := prometheus.NewTimer(prometheusCallflow.MinioOperationDuration.WithLabelValues("ping"))
	defer timer.ObserveDuration()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	_, err := c.client.ListBuckets(ctxWithTimeout)

	return err
}
