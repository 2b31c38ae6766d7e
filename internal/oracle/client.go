package oracle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/fyrsmithlabs/turnd/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Providers understood by New.
const (
	ProviderGemini = "gemini"
	ProviderVertex = "vertex"
	ProviderOpenAI = "openai"
)

const defaultBaseBackoff = 500 * time.Millisecond

// Settings is the oracle section of the daemon config.
type Settings = config.OracleConfig

type backend interface {
	name() string
	generate(ctx context.Context, req Request) (string, error)
}

// Client wraps a backend with rate limiting, retries and metrics.
type Client struct {
	backend    backend
	limiter    *rate.Limiter
	maxRetries int
	timeout    time.Duration
	baseDelay  time.Duration
	logger     *logging.Logger
}

// New builds the backend named by s.Provider.
func New(ctx context.Context, s Settings, logger *logging.Logger) (*Client, error) {
	var (
		b   backend
		err error
	)
	switch s.Provider {
	case ProviderGemini, ProviderVertex:
		b, err = newGeminiBackend(ctx, s)
	case ProviderOpenAI:
		b, err = newOpenAIBackend(s)
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", s.Provider)
	}
	if err != nil {
		return nil, err
	}
	return newClient(b, s, logger), nil
}

func newClient(b backend, s Settings, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Limit(s.RateLimit)
	if s.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := s.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		backend:    b,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: s.MaxRetries,
		timeout:    s.Timeout.Duration(),
		baseDelay:  defaultBaseBackoff,
		logger:     logger.Named("oracle"),
	}
}

// Invoke implements Oracle.
func (c *Client) Invoke(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := c.invoke(ctx, req)
	observeCall(c.backend.name(), req.Purpose, time.Since(start), err)

	if err != nil {
		c.logger.Warn(ctx, "oracle call failed",
			zap.String("purpose", string(req.Purpose)),
			zap.Error(err))
		return "", err
	}
	c.logger.Trace(ctx, "oracle call completed",
		zap.String("purpose", string(req.Purpose)),
		zap.Int("response_len", len(text)),
		zap.Duration("elapsed", time.Since(start)))
	return text, nil
}

func (c *Client) invoke(ctx context.Context, req Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			retriesTotal.WithLabelValues(string(req.Purpose)).Inc()
		}

		text, err := c.attempt(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryableError(err) || ctx.Err() != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	return c.backend.generate(ctx, req)
}

// retryableError marks a transient backend failure.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// classify wraps transient SDK errors as retryable. The SDKs do not share an
// error type, so status codes are matched in the message as a last resort.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &retryableError{err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &retryableError{err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "500", "502", "503", "504", "rate limit", "resource_exhausted", "unavailable", "eof"} {
		if strings.Contains(msg, marker) {
			return &retryableError{err: err}
		}
	}
	return err
}
