package output

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/hostprof/internal/errors"
	"github.com/coral-mesh/hostprof/internal/retry"
)

// Request headers sent with every upload.
const (
	HeaderAPIKey      = "X-Hostprof-Api-Key"
	HeaderServiceName = "X-Hostprof-Service-Name"
	HeaderHostname    = "X-Hostprof-Hostname"
	HeaderStartTime   = "X-Hostprof-Start-Time"
	HeaderEndTime     = "X-Hostprof-End-Time"
)

// HTTPConfig configures HTTPSink.
type HTTPConfig struct {
	URL         string
	Token       string
	ServiceName string
	Timeout     time.Duration
	Retry       retry.Config
	Client      *http.Client
	Logger      zerolog.Logger
}

// HTTPSink uploads gzip-compressed collapsed text to a collector.
type HTTPSink struct {
	cfg    HTTPConfig
	client *http.Client
	logger zerolog.Logger
}

var _ Sink = (*HTTPSink)(nil)

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("collector returned %d: %s", e.code, e.body)
}

// NewHTTPSink validates cfg and fills defaults.
func NewHTTPSink(cfg HTTPConfig) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upload URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = retry.Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Jitter: 0.2}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPSink{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With().Str("component", "output").Str("sink", "http").Logger(),
	}, nil
}

// Name returns "http".
func (s *HTTPSink) Name() string { return "http" }

// Write posts p.Text. Network errors, 429 and 5xx responses are retried.
func (s *HTTPSink) Write(ctx context.Context, p Profile) error {
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if _, err := io.WriteString(zw, p.Text); err != nil {
		return fmt.Errorf("compressing profile: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compressing profile: %w", err)
	}
	payload := body.Bytes()

	attempt := 0
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		attempt++
		err := s.post(ctx, p, payload)
		if err != nil {
			s.logger.Debug().Err(err).Int("attempt", attempt).Msg("Upload attempt failed")
		}
		return err
	}, retryable)
	if err != nil {
		return fmt.Errorf("uploading profile: %w", err)
	}
	s.logger.Info().Int("bytes", len(payload)).Int("attempts", attempt).Msg("Uploaded profile")
	return nil
}

func (s *HTTPSink) post(ctx context.Context, p Profile, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Encoding", "gzip")
	if s.cfg.Token != "" {
		req.Header.Set(HeaderAPIKey, s.cfg.Token)
	}
	if s.cfg.ServiceName != "" {
		req.Header.Set(HeaderServiceName, s.cfg.ServiceName)
	}
	req.Header.Set(HeaderHostname, p.Hostname)
	req.Header.Set(HeaderStartTime, p.Start.UTC().Format(time.RFC3339Nano))
	req.Header.Set(HeaderEndTime, p.End.UTC().Format(time.RFC3339Nano))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer errors.DeferClose(s.logger, resp.Body, "Failed to close response body")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
}

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
