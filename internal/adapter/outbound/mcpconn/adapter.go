// Package mcpconn provides the protocol adapter for MCP backends
// (JSON-RPC over streamable HTTP).
package mcpconn

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
	"github.com/apathy-ca/sark-sub006/pkg/wire"
)

// maxResponseBodySize bounds response bodies from backends. Prevents OOM
// from an unbounded upstream response.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// sseMaxLineSize bounds one server-sent-events line.
const sseMaxLineSize = 1024 * 1024 // 1MB

// Adapter dispatches invocations to MCP backends. Session ids handed out by
// backends are carried per resource on subsequent calls.
type Adapter struct {
	client *http.Client
	logger *slog.Logger
	nextID atomic.Int64

	mu       sync.Mutex
	sessions map[string]string // resource id -> Mcp-Session-Id
}

var _ outbound.Adapter = (*Adapter)(nil)

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.client = client }
}

// New creates an MCP adapter.
func New(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   logger.With("adapter", "mcp"),
		sessions: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns the wire protocol this adapter serves.
func (a *Adapter) Protocol() registry.Protocol { return registry.ProtocolMCP }

// Discover builds the resource described by config and verifies it responds
// to ping. config requires "endpoint"; "id" and "name" are optional.
func (a *Adapter) Discover(ctx context.Context, config map[string]string) ([]*registry.Resource, error) {
	endpoint := config["endpoint"]
	if endpoint == "" {
		return nil, fault.New(fault.KindValidation, "mcp discover requires endpoint")
	}

	id := config["id"]
	if id == "" {
		id = endpoint
	}
	res := &registry.Resource{
		ID:       id,
		Name:     config["name"],
		Protocol: registry.ProtocolMCP,
		Endpoint: endpoint,
		Status:   registry.StatusActive,
	}

	if _, err := a.call(ctx, res, "ping", nil); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "mcp backend unreachable", err)
	}
	return []*registry.Resource{res}, nil
}

// toolDescriptor is one entry of a tools/list result.
type toolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Capabilities enumerates the backend's tools as capabilities. Capability
// ids are namespaced under the resource id.
func (a *Adapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	resp, err := a.call(ctx, res, "tools/list", nil)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "tools/list failed", err)
	}

	var result struct {
		Tools []toolDescriptor `json:"tools"`
	}
	if err := resp.UnmarshalResult(&result); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "tools/list result invalid", err)
	}

	capabilities := make([]*registry.Capability, 0, len(result.Tools))
	for _, tool := range result.Tools {
		capabilities = append(capabilities, &registry.Capability{
			ID:          res.ID + "." + tool.Name,
			ResourceID:  res.ID,
			Name:        tool.Name,
			InputSchema: tool.InputSchema,
			Sensitivity: res.Sensitivity,
		})
	}
	return capabilities, nil
}

// Validate checks required arguments against the capability input schema.
// Schema-less capabilities accept any arguments.
func (a *Adapter) Validate(ctx context.Context, req outbound.InvokeRequest) error {
	return validateRequired(req.Capability, req.Arguments)
}

// Invoke performs a unary tools/call.
func (a *Adapter) Invoke(ctx context.Context, req outbound.InvokeRequest) (outbound.InvokeResult, error) {
	resp, err := a.call(ctx, req.Resource, "tools/call", map[string]any{
		"name":      req.Capability.Name,
		"arguments": req.Arguments,
	})
	if err != nil {
		return outbound.InvokeResult{}, err
	}

	var result any
	if err := resp.UnmarshalResult(&result); err != nil {
		var werr *wire.Error
		if errors.As(err, &werr) {
			return outbound.InvokeResult{}, fault.Wrap(fault.KindUpstream, werr.Message, werr)
		}
		return outbound.InvokeResult{}, fault.Wrap(fault.KindUpstream, "tools/call result invalid", err)
	}

	return outbound.InvokeResult{
		Result:   result,
		Metadata: map[string]any{"protocol": "mcp"},
	}, nil
}

// InvokeStream performs a streaming tools/call. Backends answering with
// text/event-stream produce one frame per SSE data line; unary answers
// degrade to a single frame.
func (a *Adapter) InvokeStream(ctx context.Context, req outbound.InvokeRequest) (<-chan outbound.StreamFrame, error) {
	wreq, err := wire.NewRequest(a.nextID.Add(1), "tools/call", map[string]any{
		"name":      req.Capability.Name,
		"arguments": req.Arguments,
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode stream request", err)
	}
	body, err := wire.EncodeRequest(wreq)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode stream request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Resource.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build stream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/json")
	a.attachSession(httpReq, req.Resource.ID)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "mcp stream request failed", err)
	}
	a.saveSession(resp, req.Resource.ID)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fault.New(fault.KindUpstream, fmt.Sprintf("mcp backend status %d", resp.StatusCode))
	}

	frames := make(chan outbound.StreamFrame)
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		go a.readSSE(ctx, resp.Body, frames)
	} else {
		go a.readUnaryAsStream(resp.Body, frames)
	}
	return frames, nil
}

// readSSE forwards each SSE data line as one frame and closes the channel
// at end of stream.
func (a *Adapter) readSSE(ctx context.Context, body io.ReadCloser, frames chan<- outbound.StreamFrame) {
	defer close(frames)
	defer func() { _ = body.Close() }()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var data any
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "invalid stream frame", err)}
			return
		}
		select {
		case frames <- outbound.StreamFrame{Data: data}:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "stream read failed", err)}
	}
}

// readUnaryAsStream emits the unary response as a single frame.
func (a *Adapter) readUnaryAsStream(body io.ReadCloser, frames chan<- outbound.StreamFrame) {
	defer close(frames)
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(body, maxResponseBodySize))
	if err != nil {
		frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "read response", err)}
		return
	}
	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "invalid response", err)}
		return
	}
	var result any
	if err := resp.UnmarshalResult(&result); err != nil {
		frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "invalid result", err)}
		return
	}
	frames <- outbound.StreamFrame{Data: result}
}

// HealthCheck probes the backend with ping.
func (a *Adapter) HealthCheck(ctx context.Context, res *registry.Resource) (bool, error) {
	if _, err := a.call(ctx, res, "ping", nil); err != nil {
		return false, err
	}
	return true, nil
}

// OnRegistered is called when the adapter enters the registry.
func (a *Adapter) OnRegistered(ctx context.Context) error {
	a.logger.Info("mcp adapter registered")
	return nil
}

// OnUnregistered drops session state when the adapter leaves the registry.
func (a *Adapter) OnUnregistered(ctx context.Context) error {
	a.mu.Lock()
	a.sessions = make(map[string]string)
	a.mu.Unlock()
	a.logger.Info("mcp adapter unregistered")
	return nil
}

// call performs one JSON-RPC request/response exchange with a backend.
func (a *Adapter) call(ctx context.Context, res *registry.Resource, method string, params any) (*wire.Response, error) {
	req, err := wire.NewRequest(a.nextID.Add(1), method, params)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode request", err)
	}
	body, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, res.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	a.attachSession(httpReq, res.ID)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.KindTimeout, "mcp request cancelled", err)
		}
		return nil, fault.Wrap(fault.KindUpstream, "mcp request failed", err)
	}
	defer func() { _ = httpResp.Body.Close() }()
	a.saveSession(httpResp, res.ID)

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "read response", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fault.New(fault.KindUpstream, fmt.Sprintf("mcp backend status %d", httpResp.StatusCode))
	}

	resp, err := wire.DecodeResponse(raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "invalid response", err)
	}
	return resp, nil
}

func (a *Adapter) attachSession(req *http.Request, resourceID string) {
	a.mu.Lock()
	session := a.sessions[resourceID]
	a.mu.Unlock()
	if session != "" {
		req.Header.Set("Mcp-Session-Id", session)
	}
}

func (a *Adapter) saveSession(resp *http.Response, resourceID string) {
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		a.mu.Lock()
		a.sessions[resourceID] = sid
		a.mu.Unlock()
	}
}

// validateRequired enforces the "required" list of a JSON-schema-shaped
// input schema. Shared by the protocol adapters.
func validateRequired(capability *registry.Capability, arguments map[string]any) error {
	if capability == nil || capability.InputSchema == nil {
		return nil
	}
	required, ok := capability.InputSchema["required"].([]any)
	if !ok {
		return nil
	}
	for _, field := range required {
		name, ok := field.(string)
		if !ok {
			continue
		}
		if _, present := arguments[name]; !present {
			return fault.New(fault.KindValidation, fmt.Sprintf("missing required argument %q", name))
		}
	}
	return nil
}
