// Package download fetches tool packages over HTTP(S).
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher implements toolpkg.Fetcher for http(s) sources.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
	MaxBytes  int64
}

func New() *Fetcher {
	return &Fetcher{
		Client:    &http.Client{Timeout: 5 * time.Minute},
		UserAgent: "automaton-node/1.0",
		MaxBytes:  2 << 30,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, source string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	body := io.Reader(resp.Body)
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return fmt.Errorf("failed to write download: %w", err)
	}
	if f.MaxBytes > 0 && n > f.MaxBytes {
		return fmt.Errorf("download exceeds %d bytes", f.MaxBytes)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
	}
	return nil
}
