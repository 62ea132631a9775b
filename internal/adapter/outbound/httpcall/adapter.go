// Package httpcall provides the protocol adapter for plain HTTP backends.
//
// Capabilities map to HTTP routes via the capability name, formatted as
// "METHOD /path/{param}". Path placeholders are filled from arguments;
// remaining arguments become query parameters for GET/DELETE/HEAD and the
// JSON body otherwise.
package httpcall

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// maxResponseBodySize bounds response bodies from backends.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// Adapter dispatches invocations to HTTP backends.
type Adapter struct {
	client *http.Client
	logger *slog.Logger
	auth   *authenticator
}

var _ outbound.Adapter = (*Adapter)(nil)

// Option configures the Adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) { a.client = client }
}

// New creates an HTTP adapter.
func New(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With("adapter", "http"),
		auth:   newAuthenticator(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Protocol returns the wire protocol this adapter serves.
func (a *Adapter) Protocol() registry.Protocol { return registry.ProtocolHTTP }

// Discover builds the resource described by config and probes its health
// endpoint. config requires "endpoint".
func (a *Adapter) Discover(ctx context.Context, config map[string]string) ([]*registry.Resource, error) {
	endpoint := config["endpoint"]
	if endpoint == "" {
		return nil, fault.New(fault.KindValidation, "http discover requires endpoint")
	}

	id := config["id"]
	if id == "" {
		id = endpoint
	}
	res := &registry.Resource{
		ID:       id,
		Name:     config["name"],
		Protocol: registry.ProtocolHTTP,
		Endpoint: endpoint,
		Status:   registry.StatusActive,
		Metadata: config,
	}

	if healthy, err := a.HealthCheck(ctx, res); err != nil || !healthy {
		return nil, fault.New(fault.KindUpstream, "http backend unreachable")
	}
	return []*registry.Resource{res}, nil
}

// Capabilities returns nil; HTTP backends cannot enumerate their routes, so
// capabilities come from the catalog.
func (a *Adapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	return nil, nil
}

// Validate checks the route template and required arguments.
func (a *Adapter) Validate(ctx context.Context, req outbound.InvokeRequest) error {
	if _, _, err := splitRoute(req.Capability.Name); err != nil {
		return err
	}
	return validateRequired(req.Capability, req.Arguments)
}

// Invoke performs one HTTP exchange.
func (a *Adapter) Invoke(ctx context.Context, req outbound.InvokeRequest) (outbound.InvokeResult, error) {
	httpReq, err := a.buildRequest(ctx, req)
	if err != nil {
		return outbound.InvokeResult{}, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return outbound.InvokeResult{}, fault.Wrap(fault.KindTimeout, "http request cancelled", err)
		}
		return outbound.InvokeResult{}, fault.Wrap(fault.KindUpstream, "http request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return outbound.InvokeResult{}, fault.Wrap(fault.KindUpstream, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outbound.InvokeResult{}, fault.New(fault.KindUpstream, fmt.Sprintf("http backend status %d", resp.StatusCode))
	}

	var result any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			result = string(raw) // non-JSON bodies pass through as text
		}
	}
	return outbound.InvokeResult{
		Result: result,
		Metadata: map[string]any{
			"protocol":    "http",
			"status_code": resp.StatusCode,
		},
	}, nil
}

// InvokeStream performs an HTTP exchange and forwards SSE data lines as
// frames. Non-SSE responses degrade to a single frame.
func (a *Adapter) InvokeStream(ctx context.Context, req outbound.InvokeRequest) (<-chan outbound.StreamFrame, error) {
	httpReq, err := a.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "http stream request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fault.New(fault.KindUpstream, fmt.Sprintf("http backend status %d", resp.StatusCode))
	}

	frames := make(chan outbound.StreamFrame)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()

		if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
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
					data = payload
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
			return
		}

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		if err != nil {
			frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "read response", err)}
			return
		}
		var data any
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
		frames <- outbound.StreamFrame{Data: data}
	}()
	return frames, nil
}

// HealthCheck probes the resource's health path (metadata "health_path",
// default /healthz).
func (a *Adapter) HealthCheck(ctx context.Context, res *registry.Resource) (bool, error) {
	path := res.Metadata["health_path"]
	if path == "" {
		path = "/healthz"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(res.Endpoint, "/")+path, nil)
	if err != nil {
		return false, fault.Wrap(fault.KindInternal, "build health request", err)
	}
	if err := a.auth.apply(ctx, httpReq, res); err != nil {
		return false, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false, fault.Wrap(fault.KindUpstream, "health check failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// OnRegistered is called when the adapter enters the registry.
func (a *Adapter) OnRegistered(ctx context.Context) error {
	a.logger.Info("http adapter registered")
	return nil
}

// OnUnregistered drops cached credentials.
func (a *Adapter) OnUnregistered(ctx context.Context) error {
	a.auth = newAuthenticator()
	a.logger.Info("http adapter unregistered")
	return nil
}

// buildRequest resolves the route, splits arguments into path, query, and
// body, and applies the resource's auth strategy.
func (a *Adapter) buildRequest(ctx context.Context, req outbound.InvokeRequest) (*http.Request, error) {
	method, pathTemplate, err := splitRoute(req.Capability.Name)
	if err != nil {
		return nil, err
	}

	path, remaining, err := fillPath(pathTemplate, req.Arguments)
	if err != nil {
		return nil, err
	}

	fullURL := strings.TrimSuffix(req.Resource.Endpoint, "/") + path

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodHead:
		if len(remaining) > 0 {
			q := url.Values{}
			for k, v := range remaining {
				q.Set(k, fmt.Sprintf("%v", v))
			}
			fullURL += "?" + q.Encode()
		}
	default:
		raw, err := json.Marshal(remaining)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "encode body", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "build request", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-Id", req.RequestID)
	}
	if err := a.auth.apply(ctx, httpReq, req.Resource); err != nil {
		return nil, err
	}
	return httpReq, nil
}

// splitRoute parses a capability name of the form "METHOD /path".
func splitRoute(name string) (method, path string, err error) {
	parts := strings.SplitN(name, " ", 2)
	if len(parts) != 2 || !strings.HasPrefix(parts[1], "/") {
		return "", "", fault.New(fault.KindValidation, fmt.Sprintf("capability name %q is not METHOD /path", name))
	}
	method = strings.ToUpper(parts[0])
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		return method, parts[1], nil
	default:
		return "", "", fault.New(fault.KindValidation, fmt.Sprintf("unsupported method %q", parts[0]))
	}
}

// fillPath substitutes {param} placeholders from arguments and returns the
// resolved path plus the arguments not consumed by the path.
func fillPath(template string, arguments map[string]any) (string, map[string]any, error) {
	remaining := make(map[string]any, len(arguments))
	for k, v := range arguments {
		remaining[k] = v
	}

	segments := strings.Split(template, "/")
	for i, seg := range segments {
		if !strings.HasPrefix(seg, "{") || !strings.HasSuffix(seg, "}") {
			continue
		}
		name := seg[1 : len(seg)-1]
		value, ok := remaining[name]
		if !ok {
			return "", nil, fault.New(fault.KindValidation, fmt.Sprintf("missing path argument %q", name))
		}
		segments[i] = url.PathEscape(fmt.Sprintf("%v", value))
		delete(remaining, name)
	}
	return strings.Join(segments, "/"), remaining, nil
}

// validateRequired enforces the "required" list of a JSON-schema-shaped
// input schema.
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
