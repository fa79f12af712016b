// Package httpclient provides the retrying JSON executor used for outbound
// calls to customer systems (completion webhooks).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// backoff returns the retry sleep for the given attempt.
func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// Executor posts JSON payloads with bounded retries. Server errors and
// transport failures retry; client errors fail immediately.
type Executor struct {
	logger   *zap.Logger
	http     *http.Client
	retryMax int
}

func New(logger *zap.Logger, client *http.Client, retryMax int) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Executor{logger: logger, http: client, retryMax: retryMax}
}

// PostJSON sends payload to url, decoding a JSON response into out when out
// is non-nil.
func (e *Executor) PostJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.http.Do(req)
		if err != nil {
			lastErr = err
			e.logger.Warn("httpclient.request_failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			if sleepErr := sleep(ctx, backoff(attempt)); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("server error %d from %s", resp.StatusCode, url)
			e.logger.Warn("httpclient.server_error",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt))
			if sleepErr := sleep(ctx, backoff(attempt)); sleepErr != nil {
				return sleepErr
			}
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("request rejected with %d: %s", resp.StatusCode, string(respBody))
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("exhausted %d attempts: %w", e.retryMax+1, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
