package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"triggerflow/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrorClass is the diagnostic taxonomy for talking to a remote tool server.
type ErrorClass string

const (
	ClassUnreachable ErrorClass = "unreachable"
	ClassAuth        ErrorClass = "auth"
	ClassTimeout     ErrorClass = "timeout"
	ClassProtocol    ErrorClass = "protocol"
	ClassUnknown     ErrorClass = "unknown"
)

// TransportError is a classified failure from a Transport.
type TransportError struct {
	Class  ErrorClass
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Classify maps any error onto the taxonomy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Class
	}
	return classifyNetError(err)
}

func classifyNetError(err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassUnreachable
	}
	return ClassUnknown
}

// Endpoint is where and how to reach one tool server.
type Endpoint struct {
	URL     string
	Headers map[string]string
}

// RemoteTool is a tool as reported by a tools/list round-trip.
type RemoteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is one item of a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the result payload of tools/call.
type ToolCallResult struct {
	Content           []ContentBlock `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Transport reaches remote tool servers.
type Transport interface {
	ListTools(ctx context.Context, ep Endpoint) ([]RemoteTool, error)
	CallTool(ctx context.Context, ep Endpoint, name string, args map[string]any) (*ToolCallResult, error)
}

const jsonrpcVersion = "2.0"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolsListResult struct {
	Tools      []RemoteTool `json:"tools"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// maxListPages bounds cursor pagination on tools/list.
const maxListPages = 20

// HTTPTransport speaks JSON-RPC 2.0 over HTTP POST with a circuit breaker
// per endpoint URL.
type HTTPTransport struct {
	client   *http.Client
	breakers *breakerSet
	nextID   atomic.Int64
}

func NewHTTPTransport(timeout time.Duration, cb config.CircuitBreakerConfig) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breakers: newBreakerSet(cb),
	}
}

func (t *HTTPTransport) ListTools(ctx context.Context, ep Endpoint) ([]RemoteTool, error) {
	var (
		tools  []RemoteTool
		cursor string
	)
	for page := 0; page < maxListPages; page++ {
		var params any
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		var res toolsListResult
		if err := t.call(ctx, ep, "tools/list", params, &res); err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
	return tools, nil
}

func (t *HTTPTransport) CallTool(ctx context.Context, ep Endpoint, name string, args map[string]any) (*ToolCallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var res ToolCallResult
	params := map[string]any{"name": name, "arguments": args}
	if err := t.call(ctx, ep, "tools/call", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *HTTPTransport) call(ctx context.Context, ep Endpoint, method string, params any, out any) error {
	br := t.breakers.get(ep.URL)
	if br != nil && !br.Allow() {
		return &TransportError{Class: ClassUnreachable, Err: errors.New("circuit open")}
	}
	err := t.roundTrip(ctx, ep, method, params, out)
	if br != nil {
		// auth and protocol failures say nothing about endpoint health
		if c := Classify(err); c == ClassUnreachable || c == ClassTimeout {
			br.OnFailure()
		} else {
			br.OnSuccess()
		}
	}
	return err
}

func (t *HTTPTransport) roundTrip(ctx context.Context, ep Endpoint, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: t.nextID.Add(1)})
	if err != nil {
		return &TransportError{Class: ClassProtocol, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Class: ClassUnreachable, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &TransportError{Class: ClassTimeout, Err: ctx.Err()}
		}
		return &TransportError{Class: classifyNetError(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransportError{Class: classifyNetError(err), Err: fmt.Errorf("read response: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &TransportError{Class: ClassAuth, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return &TransportError{Class: ClassTimeout, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	case resp.StatusCode >= 500:
		return &TransportError{Class: ClassUnreachable, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	case resp.StatusCode >= 300:
		return &TransportError{Class: ClassProtocol, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return &TransportError{Class: ClassProtocol, Status: resp.StatusCode, Err: fmt.Errorf("invalid JSON-RPC response: %w", err)}
	}
	if rr.Error != nil {
		return &TransportError{Class: ClassProtocol, Status: resp.StatusCode, Err: fmt.Errorf("rpc error %d: %s", rr.Error.Code, rr.Error.Message)}
	}
	if out != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return &TransportError{Class: ClassProtocol, Status: resp.StatusCode, Err: fmt.Errorf("decode %s result: %w", method, err)}
		}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = strings.ToValidUTF8(s[:200], "")
	}
	if s == "" {
		s = "empty response"
	}
	return s
}
