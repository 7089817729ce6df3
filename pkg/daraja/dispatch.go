/**
 * @description
 * The resilient dispatcher executes one gateway HTTP call with bounded retries
 * and exponential backoff. The request is rebuilt on every attempt so that
 * per-attempt data, notably the Authorization header fed from the token cache,
 * is always current.
 *
 * @dependencies
 * - context, io, net/http, time: Standard Go libraries.
 */

package daraja

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1000 * time.Millisecond
)

// Dispatcher retries gateway calls with exponential backoff. Both transport
// errors and non-2xx responses count as failed attempts; this mirrors the
// legacy behavior and is deliberately blind to error classification.
type Dispatcher struct {
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration

	// sleep is swappable for tests.
	sleep func(context.Context, time.Duration) error
}

// NewDispatcher creates a dispatcher. maxRetries <= 0 and baseDelay <= 0 fall
// back to the defaults of 3 attempts and a 1s base delay.
func NewDispatcher(httpClient *http.Client, maxRetries int, baseDelay time.Duration) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &Dispatcher{
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		sleep:      sleepContext,
	}
}

// Do executes the request produced by build, retrying up to the configured
// attempt cap. The delay before attempt i (0-indexed) is baseDelay * 2^(i-1).
// On success it returns the response body. Once attempts are exhausted the
// last failure is wrapped in a *GatewayCallError.
func (d *Dispatcher) Do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	lastStatus := 0

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.baseDelay << (attempt - 1)
			log.Printf("level=warn component=daraja_dispatch msg=\"retrying gateway call\" attempt=%d delay=%s err=%v", attempt+1, delay, lastErr)
			if err := d.sleep(ctx, delay); err != nil {
				return nil, &GatewayCallError{Attempts: attempt, LastStatus: lastStatus, Cause: err}
			}
		}

		req, err := build(ctx)
		if err != nil {
			// Request construction failing (bad credentials included) is not a
			// transient condition worth burning attempts on; propagate it in
			// its own error class.
			return nil, err
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			lastErr = err
			lastStatus = 0
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			lastStatus = resp.StatusCode
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncateBody(body))
			lastStatus = resp.StatusCode
			continue
		}

		return body, nil
	}

	return nil, &GatewayCallError{Attempts: d.maxRetries, LastStatus: lastStatus, Cause: lastErr}
}

// sleepContext waits for the given duration or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
