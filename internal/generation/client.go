// Package generation streams completions from an Ollama-compatible backend.
// It is the canonical unit of work submitted to the task tracker: the stream
// loop checks its context between chunks, so a stop request takes effect at
// the next chunk boundary.
package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mfalcone/taskmux/internal/reliability"
)

const (
	connectAttempts   = 3
	connectBackoff    = 250 * time.Millisecond
	connectBackoffMax = 2 * time.Second
)

type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

type Request struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type chunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// DeltaHandler receives each streamed text chunk. Returning an error aborts
// the stream.
type DeltaHandler func(delta string) error

func NewClient(baseURL, defaultModel string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   strings.TrimSpace(defaultModel),
		client: &http.Client{
			// Per-request deadlines come from ctx; generations can legally
			// stream for minutes.
			Timeout: 0,
		},
	}
}

// Stream runs one generation and returns the concatenated output. It aborts
// with ctx.Err() as soon as cancellation is observed between chunks.
func (c *Client) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	res, err := c.connect(ctx, payload)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	return c.consume(ctx, res.Body, onDelta)
}

// connect opens the generation stream, retrying transient upstream statuses.
// Retries happen only before the first byte of output, so deltas are never
// duplicated.
func (c *Client) connect(ctx context.Context, payload []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.Backoff(attempt-1, connectBackoff, connectBackoffMax)); err != nil {
				return nil, err
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		res, err := c.client.Do(httpReq)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = fmt.Errorf("send request: %w", err)
			continue
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res, nil
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		lastErr = fmt.Errorf("upstream status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
		if !reliability.RetryableStatus(res.StatusCode) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) consume(ctx context.Context, body io.Reader, onDelta DeltaHandler) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}

		var ch chunk
		if err := json.Unmarshal([]byte(line), &ch); err != nil {
			// Tolerate non-JSON noise between chunks.
			continue
		}
		if ch.Error != "" {
			return out.String(), fmt.Errorf("upstream error: %s", ch.Error)
		}
		if ch.Response != "" {
			out.WriteString(ch.Response)
			if onDelta != nil {
				if err := onDelta(ch.Response); err != nil {
					return out.String(), err
				}
			}
		}
		if ch.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), ctxErr
		}
		return out.String(), fmt.Errorf("stream read: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// Healthy probes the upstream root endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	res, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode < 500
}
