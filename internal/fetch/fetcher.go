package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"scenegen/internal/infra"
	"scenegen/internal/storage"
)

// Kind tells a caller what part of a download failed.
type Kind string

const (
	// KindNetwork covers failures before any body byte arrived. These are retried.
	KindNetwork Kind = "network_error"
	// KindStream is a body that broke off mid-transfer. Never retried.
	KindStream Kind = "stream_error"
	KindWrite  Kind = "write_error"
)

const maxArtifactBytes = 256 << 20

// Error reports a failed download after the retry budget was applied.
type Error struct {
	Kind     Kind
	URL      string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch: %s after %d attempt(s) for %s: %v", e.Kind, e.Attempts, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options controls how the Fetcher is configured.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// HTTPClient overrides the timeout-tuned client, mostly for tests.
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Fetcher downloads artifacts to local paths.
type Fetcher struct {
	client *http.Client
	logger *infra.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFetcher builds a Fetcher whose dial is bounded by ConnectTimeout and
// whose wait for response headers is bounded by ReadTimeout.
func NewFetcher(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		connect := opts.ConnectTimeout
		if connect <= 0 {
			connect = 20 * time.Second
		}
		read := opts.ReadTimeout
		if read <= 0 {
			read = 60 * time.Second
		}
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = connect
		transport.ResponseHeaderTimeout = read
		client = &http.Client{Transport: transport, Timeout: connect + read + 10*time.Second}
	}
	return &Fetcher{
		client: client,
		logger: infra.LoggerOrDiscard(opts.Logger),
		sleep:  sleepContext,
	}
}

// NewFetcherFromSettings is NewFetcher for one environment's fetch budget.
func NewFetcherFromSettings(s infra.FetchSettings, logger *infra.Logger) *Fetcher {
	return NewFetcher(Options{ConnectTimeout: s.ConnectTimeout, ReadTimeout: s.ReadTimeout, Logger: logger})
}

// Fetch downloads url into dest, trying up to maxAttempts times with delay
// between attempts. The whole body is buffered and then written atomically,
// so dest never holds a partial artifact.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string, maxAttempts int, delay time.Duration) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	log := f.logger.With().Str("url", url).Logger()
	if _, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil); err != nil {
		return "", &Error{Kind: KindNetwork, URL: url, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		data, retry, err := f.get(ctx, url)
		if err == nil {
			if err := storage.WriteFileAtomic(dest, data, 0o644); err != nil {
				return "", &Error{Kind: KindWrite, URL: url, Attempts: attempt, Err: err}
			}
			log.Info().Int("attempt", attempt).Int("bytes", len(data)).Str("path", dest).Msg("fetch: artifact saved")
			return dest, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if !retry {
			log.Error().Err(err).Int("attempt", attempt).Msg("fetch: stream broke off, not retrying")
			return "", &Error{Kind: KindStream, URL: url, Attempts: attempt, Err: err}
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("fetch: attempt failed")
		if attempt < maxAttempts {
			if err := f.sleep(ctx, delay); err != nil {
				return "", err
			}
		}
	}
	return "", &Error{Kind: KindNetwork, URL: url, Attempts: maxAttempts, Err: lastErr}
}

// get performs one attempt. retry is false once any body byte has arrived.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, true, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, true, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body := &countingReader{r: io.LimitReader(resp.Body, maxArtifactBytes+1)}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, body.n == 0, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, false, errors.New("artifact exceeds size limit")
	}
	if resp.ContentLength > 0 && int64(len(data)) != resp.ContentLength {
		return nil, body.n == 0, fmt.Errorf("short body: got %d of %d bytes", len(data), resp.ContentLength)
	}
	return data, false, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
