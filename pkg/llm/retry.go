package llm

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

const (
	maxRetries       = 3
	baseRetryBackoff = 500 * time.Millisecond
)

// doWithRetry issues an HTTP request, retrying on 429 and 5xx responses with
// jittered exponential backoff. The request is rebuilt on every attempt so
// that bodies can be re-read. The caller owns the returned response body.
func doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastStatus string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseRetryBackoff * time.Duration(1<<(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(baseRetryBackoff)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastStatus = err.Error()
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastStatus = resp.Status
		// Drain so the transport can reuse the connection.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}

	return nil, fmt.Errorf("request failed after %d attempts, last status: %s", maxRetries+1, lastStatus)
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
