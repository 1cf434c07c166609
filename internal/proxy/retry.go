package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const maxRetries = 3

// statusError is a non-2xx reply.
type statusError struct {
	statusCode int
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

func (e *statusError) retryable() bool {
	return e.statusCode >= 500 || e.statusCode == http.StatusTooManyRequests
}

// backoffFor is the wait before attempt n (n >= 1): n² * unit plus up to
// half of that again as jitter.
func backoffFor(n int, unit time.Duration) time.Duration {
	base := time.Duration(n*n) * unit
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// doWithRetry sends the request built by buildReq, retrying transport
// errors, 5xx and 429 with exponential backoff. The returned response has a
// 2xx status.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), unit time.Duration, logger *slog.Logger) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffFor(attempt, unit)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		serr := &statusError{statusCode: resp.StatusCode, body: string(body)}
		if !serr.retryable() {
			return nil, serr
		}
		lastErr = serr
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", maxRetries, lastErr)
}
