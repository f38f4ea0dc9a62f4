// Package upstream talks to the backing text-generation service over its
// streaming HTTP API. The generation endpoint answers with newline-delimited
// JSON; the reader splits on '\n', tolerates a final unterminated record, and
// skips malformed lines.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/seriado/ollagate/internal/protocol"
)

// maxLineBytes bounds a single NDJSON record; a model token record is tiny,
// so anything near this size is a broken upstream.
const maxLineBytes = 1 << 20

// ErrUpstreamStatus is returned when the backend answers with a non-2xx code.
var ErrUpstreamStatus = errors.New("upstream returned error status")

// GenerateRequest is the body of the streaming generation call.
type GenerateRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	System      string   `json:"system,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// StreamRecord is one NDJSON record of a generation response.
type StreamRecord struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Client wraps the upstream HTTP API.
type Client struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       zerolog.Logger
}

// Config configures an upstream Client.
type Config struct {
	BaseURL      string
	DefaultModel string
	// RequestTimeout applies to non-streaming calls (model list). Streaming
	// generation is bounded by its context instead.
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// New creates an upstream client.
func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		defaultModel: cfg.DefaultModel,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       cfg.Logger.With().Str("component", "upstream").Logger(),
	}
}

// DefaultModel returns the configured fallback model name.
func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// ListModels queries the upstream model-list endpoint.
func (c *Client) ListModels(ctx context.Context) ([]protocol.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status)
	}

	var out struct {
		Models []protocol.ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return out.Models, nil
}

// Generate opens the streaming generation call and invokes onToken for every
// record with a non-empty response field, in order. It returns the token
// count on normal completion. Cancelling ctx aborts the upstream request;
// the context error is returned in that case.
func (c *Client) Generate(ctx context.Context, genReq GenerateRequest, onToken func(token string) error) (int, error) {
	genReq.Stream = true
	if genReq.Model == "" {
		genReq.Model = c.defaultModel
	}

	body, err := json.Marshal(genReq)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	// A fresh client without the list-call timeout: generation can stream for
	// minutes and is cancelled through ctx.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status)
	}

	return c.readStream(ctx, resp.Body, onToken)
}

// readStream consumes the NDJSON body line by line. The final record may
// arrive without a trailing newline at EOF; it is parsed the same way.
func (c *Client) readStream(ctx context.Context, body io.Reader, onToken func(string) error) (int, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	tokens := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return tokens, err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec StreamRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			c.logger.Warn().
				Err(err).
				Int("line_bytes", len(line)).
				Msg("Skipping malformed upstream record")
			continue
		}
		if rec.Response != "" {
			if err := onToken(rec.Response); err != nil {
				return tokens, err
			}
			tokens++
		}
		if rec.Done {
			return tokens, nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tokens, ctxErr
		}
		return tokens, fmt.Errorf("read stream: %w", err)
	}
	return tokens, nil
}
