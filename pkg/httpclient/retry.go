// Package httpclient holds the bounded-retry wrapper shared by the
// controller adapter and the node-agent client, grounded on
// original_source/control_plane/clients/http.py's request_with_retry.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RetryPolicy bounds how many times, and how far apart, a request is
// retried. Every external call in fleetd is bounded by both a timeout
// (via the request's context) and a retry budget (spec §5).
type RetryPolicy struct {
	Attempts int
	Sleep    time.Duration
}

// DefaultRetryPolicy matches original_source/control_plane/config.py's
// retry_attempts=3, retry_sleep_sec=10. pkg/config overrides both from
// RETRY_ATTEMPTS / RETRY_SLEEP_SEC when set.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Sleep: 10 * time.Second}
}

// RequestFailure is returned once every retry attempt has been
// exhausted; it carries enough detail to become a lease's
// error_type/error_detail event fields (spec §4.3, §9).
type RequestFailure struct {
	Method     string
	URL        string
	Attempts   int
	ErrorType  string
	Detail     string
	StatusCode int
}

func (e *RequestFailure) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %s %s (%s: %s)", e.Attempts, e.Method, e.URL, e.ErrorType, e.Detail)
}

// Do executes a request against url with client, retrying on transport
// errors and on any non-2xx response up to policy.Attempts times,
// sleeping policy.Sleep between attempts. body is re-read from scratch
// on every attempt, so it is passed as a byte slice rather than a
// one-shot io.Reader. The caller's context governs the overall
// deadline; Do does not add its own per-attempt timeout. On success
// the returned bytes are the fully-read, already-closed response body.
func Do(ctx context.Context, client *http.Client, method, url string, policy RetryPolicy, body []byte, headers map[string]string) ([]byte, int, error) {
	errType := "RequestError"
	detail := "unknown error"
	statusCode := 0

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("building request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			errType = "TransportError"
			detail = err.Error()
		} else {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			statusCode = resp.StatusCode
			if readErr != nil {
				errType = "ReadError"
				detail = readErr.Error()
			} else if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return data, statusCode, nil
			} else {
				errType = fmt.Sprintf("http_%d", resp.StatusCode)
				truncated := string(data)
				if len(truncated) > 240 {
					truncated = truncated[:240]
				}
				detail = truncated
			}
		}

		if attempt < policy.Attempts {
			select {
			case <-ctx.Done():
				return nil, statusCode, ctx.Err()
			case <-time.After(policy.Sleep):
			}
		}
	}

	return nil, statusCode, &RequestFailure{
		Method:     method,
		URL:        url,
		Attempts:   policy.Attempts,
		ErrorType:  errType,
		Detail:     detail,
		StatusCode: statusCode,
	}
}
