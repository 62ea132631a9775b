// Package grpccall provides the protocol adapter for gRPC backends.
//
// Capabilities map to full gRPC method names ("/pkg.Service/Method") via
// the capability name. Payloads travel as JSON (content-subtype "json"),
// so the gateway carries no per-backend protobuf descriptors.
package grpccall

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// Adapter dispatches invocations to gRPC backends. Client connections are
// cached per endpoint; gRPC multiplexes calls over one connection.
type Adapter struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn // endpoint -> connection

	dial func(res *registry.Resource) (*grpc.ClientConn, error)
}

var _ outbound.Adapter = (*Adapter)(nil)

// New creates a gRPC adapter.
func New(logger *slog.Logger) *Adapter {
	a := &Adapter{
		logger: logger.With("adapter", "grpc"),
		conns:  make(map[string]*grpc.ClientConn),
	}
	a.dial = a.dialDefault
	return a
}

// Protocol returns the wire protocol this adapter serves.
func (a *Adapter) Protocol() registry.Protocol { return registry.ProtocolGRPC }

// dialDefault opens a connection to the resource. TLS is enabled with
// metadata "tls" set to "true"; plaintext otherwise.
func (a *Adapter) dialDefault(res *registry.Resource) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if res.Metadata["tls"] == "true" {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return grpc.NewClient(res.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
}

// conn returns the cached connection for a resource, dialing on first use.
func (a *Adapter) conn(res *registry.Resource) (*grpc.ClientConn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conn, ok := a.conns[res.Endpoint]; ok {
		return conn, nil
	}
	conn, err := a.dial(res)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "grpc dial failed", err)
	}
	a.conns[res.Endpoint] = conn
	return conn, nil
}

// Discover builds the resource described by config and verifies the health
// service answers. config requires "endpoint".
func (a *Adapter) Discover(ctx context.Context, config map[string]string) ([]*registry.Resource, error) {
	endpoint := config["endpoint"]
	if endpoint == "" {
		return nil, fault.New(fault.KindValidation, "grpc discover requires endpoint")
	}

	id := config["id"]
	if id == "" {
		id = endpoint
	}
	res := &registry.Resource{
		ID:       id,
		Name:     config["name"],
		Protocol: registry.ProtocolGRPC,
		Endpoint: endpoint,
		Status:   registry.StatusActive,
		Metadata: config,
	}

	healthy, err := a.HealthCheck(ctx, res)
	if err != nil || !healthy {
		return nil, fault.New(fault.KindUpstream, "grpc backend unreachable")
	}
	return []*registry.Resource{res}, nil
}

// Capabilities returns nil; gRPC method sets come from the catalog.
func (a *Adapter) Capabilities(ctx context.Context, res *registry.Resource) ([]*registry.Capability, error) {
	return nil, nil
}

// Validate checks the method name shape and required arguments.
func (a *Adapter) Validate(ctx context.Context, req outbound.InvokeRequest) error {
	if err := validateMethod(req.Capability.Name); err != nil {
		return err
	}
	return validateRequired(req.Capability, req.Arguments)
}

// Invoke performs a unary call.
func (a *Adapter) Invoke(ctx context.Context, req outbound.InvokeRequest) (outbound.InvokeResult, error) {
	if err := validateMethod(req.Capability.Name); err != nil {
		return outbound.InvokeResult{}, err
	}
	conn, err := a.conn(req.Resource)
	if err != nil {
		return outbound.InvokeResult{}, err
	}

	var reply map[string]any
	if err := conn.Invoke(ctx, req.Capability.Name, req.Arguments, &reply); err != nil {
		if ctx.Err() != nil {
			return outbound.InvokeResult{}, fault.Wrap(fault.KindTimeout, "grpc call cancelled", err)
		}
		return outbound.InvokeResult{}, fault.Wrap(fault.KindUpstream, "grpc call failed", err)
	}

	return outbound.InvokeResult{
		Result:   reply,
		Metadata: map[string]any{"protocol": "grpc"},
	}, nil
}

// InvokeStream performs a server-streaming call; each received message is
// one frame.
func (a *Adapter) InvokeStream(ctx context.Context, req outbound.InvokeRequest) (<-chan outbound.StreamFrame, error) {
	if err := validateMethod(req.Capability.Name); err != nil {
		return nil, err
	}
	conn, err := a.conn(req.Resource)
	if err != nil {
		return nil, err
	}

	desc := &grpc.StreamDesc{
		StreamName:    req.Capability.Name,
		ServerStreams: true,
	}
	stream, err := conn.NewStream(ctx, desc, req.Capability.Name)
	if err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "grpc stream open failed", err)
	}
	if err := stream.SendMsg(req.Arguments); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "grpc stream send failed", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fault.Wrap(fault.KindUpstream, "grpc stream close-send failed", err)
	}

	frames := make(chan outbound.StreamFrame)
	go func() {
		defer close(frames)
		for {
			var msg map[string]any
			err := stream.RecvMsg(&msg)
			if err == io.EOF {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					frames <- outbound.StreamFrame{Err: fault.Wrap(fault.KindUpstream, "grpc stream recv failed", err)}
				}
				return
			}
			select {
			case frames <- outbound.StreamFrame{Data: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

// HealthCheck probes the standard gRPC health service.
func (a *Adapter) HealthCheck(ctx context.Context, res *registry.Resource) (bool, error) {
	conn, err := a.conn(res)
	if err != nil {
		return false, err
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: res.Metadata["health_service"],
	}, grpc.CallContentSubtype("proto"))
	if err != nil {
		return false, fault.Wrap(fault.KindUpstream, "grpc health check failed", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// OnRegistered is called when the adapter enters the registry.
func (a *Adapter) OnRegistered(ctx context.Context) error {
	a.logger.Info("grpc adapter registered")
	return nil
}

// OnUnregistered closes all cached connections.
func (a *Adapter) OnUnregistered(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for endpoint, conn := range a.conns {
		if err := conn.Close(); err != nil {
			a.logger.Warn("closing grpc connection", "endpoint", endpoint, "error", err)
		}
		delete(a.conns, endpoint)
	}
	a.logger.Info("grpc adapter unregistered")
	return nil
}

// validateMethod checks a capability name of the form "/pkg.Service/Method".
func validateMethod(name string) error {
	if !strings.HasPrefix(name, "/") || strings.Count(name, "/") != 2 {
		return fault.New(fault.KindValidation, fmt.Sprintf("capability name %q is not /package.Service/Method", name))
	}
	return nil
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
