// Package httpreplay sends queued operations to the remote service over HTTP
// and classifies the outcome as success, transient or permanent failure.
package httpreplay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderOperationID    = "X-Outbox-Operation"

	DefaultTimeout    = 30 * time.Second
	DefaultHealthPath = "/api/health"

	maxResponseBytes = 1 << 20
)

// HTTPError is a non-2xx response from the remote service.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// ConflictPayload returns the remote body when the reply was 409 Conflict.
func (e *HTTPError) ConflictPayload() ([]byte, bool) {
	return e.Body, e.StatusCode == http.StatusConflict
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	// RetryClientErrors treats every 4xx as transient.
	RetryClientErrors bool
	// JSONRPC wraps bodies in a JSON-RPC 2.0 "call" envelope and reads
	// result.success from the reply.
	JSONRPC    bool
	HealthPath string
}

// Client replays operations against one remote service.
type Client struct {
	baseURL           string
	token             string
	httpClient        *http.Client
	retryClientErrors bool
	jsonRPC           bool
	healthPath        string
	rpcID             atomic.Int64
}

// New creates a Client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	healthPath := strings.TrimSpace(opts.HealthPath)
	if healthPath == "" {
		healthPath = DefaultHealthPath
	}
	return &Client{
		baseURL:           strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:             strings.TrimSpace(opts.Token),
		httpClient:        httpClient,
		retryClientErrors: opts.RetryClientErrors,
		jsonRPC:           opts.JSONRPC,
		healthPath:        healthPath,
	}
}

// JSONRPC reports whether the client uses the JSON-RPC envelope.
func (c *Client) JSONRPC() bool {
	return c.jsonRPC
}

// Replay issues op once. It returns nil on success, an error coded
// REPLAY_TRANSIENT when another attempt may succeed, and REPLAY_PERMANENT
// otherwise.
func (c *Client) Replay(ctx context.Context, op *models.QueuedOperation) error {
	target, err := c.resolve(op.URL)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReplayPermanent, "resolve target", err)
	}

	body, err := c.encodeBody(op.Body)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReplayPermanent, "encode body", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, target, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReplayPermanent, "build request", err)
	}
	for key, value := range op.Headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(HeaderIdempotencyKey, op.IdempotencyKey)
	req.Header.Set(HeaderOperationID, op.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrReplayTransient, op.Method+" "+op.Endpoint, err)
	}
	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()

	logging.Debug("Replay response", map[string]interface{}{
		"operation_id": op.ID,
		"method":       op.Method,
		"endpoint":     op.Endpoint,
		"status":       resp.StatusCode,
	})

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if readErr != nil {
			return apperrors.Wrap(apperrors.ErrReplayTransient, "read response", readErr)
		}
		if c.jsonRPC {
			return checkRPCResult(payload)
		}
		return nil
	}

	httpErr := decodeHTTPError(resp.StatusCode, payload)
	if c.IsTransientStatus(resp.StatusCode) {
		return apperrors.Wrap(apperrors.ErrReplayTransient, op.Method+" "+op.Endpoint, httpErr)
	}
	return apperrors.Wrap(apperrors.ErrReplayPermanent, op.Method+" "+op.Endpoint, httpErr)
}

// IsTransientStatus reports whether a non-2xx status may succeed on retry:
// 408, 425, 429 and any 5xx, plus every 4xx when RetryClientErrors is set.
func (c *Client) IsTransientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= 500:
		return true
	case status >= 400 && status <= 499:
		return c.retryClientErrors
	default:
		return false
	}
}

// Ping checks that the remote service answers at its health path. Any
// response below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	target, err := c.resolve(c.healthPath)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: "health check failed"}
	}
	return nil
}

func (c *Client) resolve(target string) (string, error) {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target, nil
	}
	if c.baseURL == "" {
		return "", fmt.Errorf("relative target %q without a base URL", target)
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return c.baseURL + target, nil
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      int64           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) encodeBody(body json.RawMessage) ([]byte, error) {
	if !c.jsonRPC {
		if len(body) == 0 {
			return nil, nil
		}
		return body, nil
	}
	params := body
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params,
		ID:      c.rpcID.Add(1),
	})
}

// checkRPCResult fails a 2xx JSON-RPC reply that carries an error object or
// a result with success=false. Both are retried.
func checkRPCResult(payload []byte) error {
	var resp rpcResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return apperrors.Wrap(apperrors.ErrReplayTransient, "decode json-rpc response", err)
	}
	if resp.Error != nil {
		return apperrors.New(apperrors.ErrReplayTransient, "json-rpc error: "+resp.Error.Message)
	}

	var result struct {
		Success *bool           `json:"success"`
		Error   json.RawMessage `json:"error"`
	}
	if len(resp.Result) == 0 || json.Unmarshal(resp.Result, &result) != nil {
		return nil
	}
	if result.Success != nil && !*result.Success {
		msg := "remote reported failure"
		if len(result.Error) > 0 {
			var text string
			if json.Unmarshal(result.Error, &text) == nil && text != "" {
				msg = text
			} else {
				msg = string(result.Error)
			}
		}
		return apperrors.New(apperrors.ErrReplayTransient, msg)
	}
	return nil
}

func decodeHTTPError(status int, payload []byte) *HTTPError {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	return &HTTPError{StatusCode: status, Code: errPayload.Code, Message: msg, Body: payload}
}

// StatusCode extracts the HTTP status from a replay error, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
