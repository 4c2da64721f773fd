package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/trogers1052/portfolio-valuation/internal/apperr"
)

// StatusError is a non-200 upstream response
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

func newHTTPClient(timeout time.Duration, proxyURL string) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// getJSON performs a GET and decodes the body keeping numbers as json.Number.
// Transport failures and 429/5xx responses are transient, as are undecodable
// bodies. Other statuses are permanent
func getJSON(ctx context.Context, client *http.Client, name, addr string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return nil, apperr.MarkPermanent(fmt.Errorf("%s: failed to build request: %w", name, err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, apperr.MarkTransient(fmt.Errorf("%s: failed to read body: %w", name, err))
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Provider: name, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		if apperr.ClassifyStatus(resp.StatusCode) == apperr.Permanent {
			return nil, apperr.MarkPermanent(statusErr)
		}
		return nil, apperr.MarkTransient(statusErr)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, apperr.MarkTransient(fmt.Errorf("%s: failed to decode body: %w", name, err))
	}
	return out, nil
}

func classifyTransport(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: request cancelled: %w", name, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.MarkTransient(fmt.Errorf("%s: request timed out: %w", name, err))
	}
	return apperr.MarkTransient(fmt.Errorf("%s: request failed: %w", name, err))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
