package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"arcflow.dev/errcode"
)

// CallOptions tunes one service call. Zero values take the registry
// defaults.
type CallOptions struct {
	Method   string
	Headers  map[string]string
	Body     []byte
	Timeout  time.Duration
	Retries  int
	Discover DiscoverOptions
}

// CallResult is a completed service response.
type CallResult struct {
	ServiceID  string
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Call discovers an instance of the named service and issues the
// request, retrying with exponential backoff (2^attempt) on transport
// errors and 5xx responses. Client errors (4xx) are never retried.
// Per-service counters are updated in the service metrics hash.
func (r *Registry) Call(ctx context.Context, name, path string, opts CallOptions) (*CallResult, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout <= 0 {
		opts.Timeout = r.cfg.CallTimeout
	}
	retries := opts.Retries
	if retries == 0 {
		retries = r.cfg.CallRetries
	}

	var lastErr error
	attempts := retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.BackoffBase * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rec, err := r.Discover(name, opts.Discover)
		if err != nil {
			return nil, err
		}

		result, retryable, err := r.callOnce(ctx, rec, path, opts)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return result, err
		}
	}
	return nil, errcode.Wrap(lastErr, errcode.ServiceUnavailable,
		"call %s%s failed after %d attempts", name, path, attempts)
}

// callOnce issues a single attempt and reports whether its failure is
// worth retrying.
func (r *Registry) callOnce(ctx context.Context, rec *Record, path string, opts CallOptions) (*CallResult, bool, error) {
	r.count(ctx, rec.ID, "requests")

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, opts.Method, rec.BaseURL+path, body)
	if err != nil {
		r.count(ctx, rec.ID, "errors")
		return nil, false, err
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if len(opts.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.count(ctx, rec.ID, "errors")
		return nil, true, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.count(ctx, rec.ID, "errors")
		return nil, true, err
	}

	result := &CallResult{
		ServiceID:  rec.ID,
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		r.count(ctx, rec.ID, "successes")
		return result, false, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		r.count(ctx, rec.ID, "errors")
		return result, false, fmt.Errorf("HTTP %d from %s%s", resp.StatusCode, rec.Name, path)
	default:
		r.count(ctx, rec.ID, "errors")
		return result, true, fmt.Errorf("HTTP %d from %s%s", resp.StatusCode, rec.Name, path)
	}
}

func (r *Registry) count(ctx context.Context, serviceID, field string) {
	if _, err := r.store.HIncrBy(ctx, MetricsHash(serviceID), field, 1); err != nil {
		r.log.WithError(err).WithField("service", serviceID).Debug("service counter update failed")
	}
}
