package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/weighstation/weighstation/device/internal/config"
	"github.com/weighstation/weighstation/version"
)

const userAgent = "weighstation-ota/%s"

// StatusError reports a response with a status other than 200
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status: %d", e.Code)
}

// Fetcher performs GET requests following a retry policy. Every attempt gets
// its own deadline; 4xx answers are not retried.
type Fetcher struct {
	client *http.Client
	policy config.RetryPolicy
}

func NewFetcher(client *http.Client, policy config.RetryPolicy) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, policy: policy}
}

// ToMemory returns the body of url, reading at most limit bytes. A body longer
// than limit is truncated, callers detect it by checking for limit+1 bytes.
func (f *Fetcher) ToMemory(ctx context.Context, url string, limit int64) ([]byte, error) {
	var data []byte
	err := f.Do(ctx, url, func(body io.Reader) error {
		b, err := io.ReadAll(io.LimitReader(body, limit))
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		data = b
		return nil
	})
	return data, err
}

// Do issues the request and hands a 200 response body to sink. Errors returned
// by sink are retried unless wrapped with backoff.Permanent.
func (f *Fetcher) Do(ctx context.Context, url string, sink func(io.Reader) error) error {
	operation := func() error {
		return f.once(ctx, url, sink)
	}

	notify := func(err error, next time.Duration) {
		log.Warnf("request to %s failed, retrying after %v: %v", url, next, err)
	}

	return backoff.RetryNotify(operation, f.policy.BackOff(ctx), notify)
}

func (f *Fetcher) once(ctx context.Context, url string, sink func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, f.policy.AttemptTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}

	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, version.FirmwareVersion()))

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			log.Warnf("error closing response body: %v", cerr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	return sink(resp.Body)
}
