package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"subscription-payments/internal/domain"
)

const defaultTimeout = 15 * time.Second

// apiError carries the provider's status and body for logs.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string { return fmt.Sprintf("provider http %d: %s", e.Status, e.Body) }

// doJSON sends in as JSON (when non-nil) and decodes a 2xx body into out.
// Transport failures and 5xx answers wrap domain.ErrProviderUnavailable,
// other non-2xx answers wrap domain.ErrInvalidRequest.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %v: %w", err, domain.ErrInvalidRequest)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%v: %w", err, domain.ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %v: %w", err, domain.ErrProviderUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %w", apiErr, domain.ErrProviderUnavailable)
		}
		return fmt.Errorf("%w: %w", apiErr, domain.ErrInvalidRequest)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, domain.ErrProviderUnavailable)
	}
	return nil
}
