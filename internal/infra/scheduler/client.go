// Package scheduler is the HTTP/JSON client for the remote job scheduler.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-node/internal/domain/tasks"
)

// maxErrorBody caps how much of an error response ends up in a message.
const maxErrorBody = 512

// Client implements domain.Scheduler.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Register(ctx context.Context, info domain.NodeInfo) error {
	return c.do(ctx, http.MethodPost, "/api/nodes/register", info, nil)
}

func (c *Client) ClaimJob(ctx context.Context, nodeID string, free bool) (*domain.Assignment, error) {
	var a domain.Assignment
	body := map[string]bool{"free": free}
	status, err := c.call(ctx, http.MethodPost, "/api/nodes/"+url.PathEscape(nodeID)+"/claim", body, &a)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	if a.Kind == "" {
		a.Kind = domain.KindScan
	}
	return &a, nil
}

func (c *Client) Heartbeat(ctx context.Context, nodeID, taskID string) error {
	body := map[string]string{"node_id": nodeID}
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/heartbeat", body, nil)
}

func (c *Client) SubmitResult(ctx context.Context, chunk domain.Chunk) (domain.Ack, error) {
	var ack domain.Ack
	p := "/api/tasks/" + url.PathEscape(chunk.TaskID) + "/results/" + strconv.Itoa(chunk.Seq)
	if err := c.do(ctx, http.MethodPut, p, chunk, &ack); err != nil {
		return domain.Ack{}, err
	}
	return ack, nil
}

func (c *Client) ReportStatus(ctx context.Context, taskID string, report domain.StatusReport) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/status", report, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	_, err := c.call(ctx, method, path, in, out)
	return err
}

// call sends one request. Transport failures, 5xx and 429 come back as
// NetworkError so the caller may retry; other 4xx are final.
func (c *Client) call(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, domain.Errorf(domain.NetworkError, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, domain.Errorf(domain.NetworkError, "decode %s %s: %v", method, path, err)
		}
		return resp.StatusCode, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err = fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, domain.NewError(domain.NetworkError, err)
	}
	return resp.StatusCode, &StatusError{Code: resp.StatusCode, Err: err}
}

// StatusError is a non-retryable rejection from the scheduler.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }
