package process

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPProbe returns a health check that GETs url and expects a 200.
// A nil client uses http.DefaultClient; the probe context bounds the request.
func HTTPProbe(url string, client *http.Client) func(ctx context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probing %s: %w", url, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("probing %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
