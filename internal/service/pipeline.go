package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/apathy-ca/sark-sub006/internal/ctxkey"
	"github.com/apathy-ca/sark-sub006/internal/domain/action"
	"github.com/apathy-ca/sark-sub006/internal/domain/audit"
	"github.com/apathy-ca/sark-sub006/internal/domain/fault"
	"github.com/apathy-ca/sark-sub006/internal/domain/policy"
	"github.com/apathy-ca/sark-sub006/internal/domain/principal"
	"github.com/apathy-ca/sark-sub006/internal/domain/registry"
	"github.com/apathy-ca/sark-sub006/internal/metrics"
	"github.com/apathy-ca/sark-sub006/internal/port/inbound"
	"github.com/apathy-ca/sark-sub006/internal/port/outbound"
)

// Pipeline is the gateway core: every invocation passes authentication,
// registry lookup, rate limiting, policy decision, parameter filtering,
// and cost admission, in that order, before any adapter dispatch. Any
// stage failure denies, and every exit path emits exactly one audit event.
type Pipeline struct {
	authn      principal.Resolver
	registry   registry.Lookup
	rateLimit  *RateLimitService
	pdp        policy.Engine
	cost       *CostService
	dispatcher *Dispatcher
	emitter    EventEmitter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer

	defaultDeadline time.Duration
	retention       time.Duration
	environment     string

	draining atomic.Bool
	drainers []func(time.Duration) error

	now func() time.Time
}

var _ inbound.Gateway = (*Pipeline)(nil)

// PipelineDeps bundles the pipeline's collaborators.
type PipelineDeps struct {
	Authn      principal.Resolver
	Registry   registry.Lookup
	RateLimit  *RateLimitService
	PDP        policy.Engine
	Cost       *CostService
	Dispatcher *Dispatcher
	Emitter    EventEmitter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	// Tracer instruments pipeline stages. Nil means no tracing.
	Tracer trace.Tracer

	DefaultDeadline time.Duration
	Retention       time.Duration
	Environment     string

	// Drainers are flushed in order by Drain. The audit emitter goes
	// first so its final batches reach the SIEM fan-out before it drains.
	Drainers []func(time.Duration) error
}

// NewPipeline assembles the gateway core.
func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("gateway")
	}
	return &Pipeline{
		authn:           deps.Authn,
		registry:        deps.Registry,
		rateLimit:       deps.RateLimit,
		pdp:             deps.PDP,
		cost:            deps.Cost,
		dispatcher:      deps.Dispatcher,
		emitter:         deps.Emitter,
		metrics:         deps.Metrics,
		logger:          deps.Logger.With("component", "pipeline"),
		tracer:          deps.Tracer,
		defaultDeadline: deps.DefaultDeadline,
		retention:       deps.Retention,
		environment:     deps.Environment,
		drainers:        deps.Drainers,
		now:             time.Now,
	}
}

// admission carries the request state accumulated across pipeline stages.
type admission struct {
	requestID  string
	userAgent  string
	started    time.Time
	principal  *principal.Principal
	capability *registry.Capability
	resource   *registry.Resource
	decision   policy.Decision
	args       map[string]any // post-filter
	cost       float64
}

// Authorize runs the decision stages without dispatching.
func (p *Pipeline) Authorize(ctx context.Context, req inbound.InvocationRequest) (policy.Decision, error) {
	ctx, cancel := p.withDeadline(ctx, req)
	defer cancel()

	_, adm, err := p.admit(ctx, req)
	p.finish(audit.EventTypeAuthorize, "authorize", adm, nil, err)
	if err != nil {
		return adm.decision, err
	}
	return adm.decision, nil
}

// Invoke runs the full pipeline and dispatches through the bound adapter.
func (p *Pipeline) Invoke(ctx context.Context, req inbound.InvocationRequest) (inbound.InvocationResult, error) {
	ctx, cancel := p.withDeadline(ctx, req)
	defer cancel()

	ctx, adm, err := p.admit(ctx, req)
	if err != nil {
		p.finish(audit.EventTypeInvocation, "invoke", adm, nil, err)
		return inbound.InvocationResult{
			Success:    false,
			Error:      fault.SafeMessage(err),
			DurationMS: p.sinceMS(adm.started),
			RequestID:  adm.requestID,
		}, err
	}

	dctx, span := p.tracer.Start(ctx, "gateway.dispatch",
		trace.WithAttributes(attribute.String("capability_id", adm.capability.ID)))
	result, err := p.dispatcher.Invoke(dctx, outbound.InvokeRequest{
		Resource:   adm.resource,
		Capability: adm.capability,
		Arguments:  adm.args,
		RequestID:  adm.requestID,
	})
	endSpan(span, err)
	p.finish(audit.EventTypeInvocation, "invoke", adm, &result, err)

	out := inbound.InvocationResult{
		Success:    err == nil,
		Result:     result.Result,
		DurationMS: p.sinceMS(adm.started),
		Metadata:   result.Metadata,
		RequestID:  adm.requestID,
	}
	if err != nil {
		out.Error = fault.SafeMessage(err)
	}
	return out, err
}

// InvokeStreaming runs the full pipeline and streams the adapter response.
// The audit event is emitted when the stream terminates, carrying the full
// stream duration.
func (p *Pipeline) InvokeStreaming(ctx context.Context, req inbound.InvocationRequest) (<-chan inbound.Frame, error) {
	ctx, cancel := p.withDeadline(ctx, req)

	ctx, adm, err := p.admit(ctx, req)
	if err != nil {
		cancel()
		p.finish(audit.EventTypeInvocation, "stream", adm, nil, err)
		return nil, err
	}

	frames, err := p.dispatcher.InvokeStream(ctx, outbound.InvokeRequest{
		Resource:   adm.resource,
		Capability: adm.capability,
		Arguments:  adm.args,
		RequestID:  adm.requestID,
	})
	if err != nil {
		cancel()
		p.finish(audit.EventTypeInvocation, "stream", adm, nil, err)
		return nil, err
	}

	out := make(chan inbound.Frame)
	go func() {
		defer cancel()
		defer close(out)

		var streamErr error
		for frame := range frames {
			if frame.Err != nil {
				streamErr = frame.Err
			}
			select {
			case out <- inbound.Frame{Data: frame.Data, Err: frame.Err}:
			case <-ctx.Done():
				streamErr = ctx.Err()
				p.finish(audit.EventTypeInvocation, "stream", adm, nil, fault.Wrap(fault.KindTimeout, "stream cancelled", streamErr))
				return
			}
		}
		if streamErr == nil {
			select {
			case out <- inbound.Frame{Final: true}:
			case <-ctx.Done():
			}
		}
		p.finish(audit.EventTypeInvocation, "stream", adm, nil, streamErr)
	}()
	return out, nil
}

// admit runs every pre-dispatch stage. The returned admission is partially
// populated when a stage fails; finish uses whatever is present. The
// returned context carries the correlation id and a request-enriched logger
// for everything downstream.
func (p *Pipeline) admit(ctx context.Context, req inbound.InvocationRequest) (context.Context, *admission, error) {
	adm := &admission{
		requestID: req.RequestID,
		userAgent: req.UserAgent,
		started:   p.now(),
	}
	if adm.requestID == "" {
		adm.requestID = uuid.NewString()
	}
	ctx = ctxkey.WithRequestID(ctx, adm.requestID)
	ctx = ctxkey.WithLogger(ctx, p.logger.With("request_id", adm.requestID))

	if p.draining.Load() {
		return ctx, adm, fault.New(fault.KindInternal, "gateway is draining")
	}

	// A zero deadline can never be met; reject before any stage runs.
	if req.Deadline != nil && *req.Deadline <= 0 {
		return ctx, adm, p.classify(&fault.Error{
			Kind:   fault.KindTimeout,
			Reason: "deadline_exceeded",
		}, adm)
	}

	ctx, admitSpan := p.tracer.Start(ctx, "gateway.admit", trace.WithAttributes(
		attribute.String("request_id", adm.requestID),
		attribute.String("capability_id", req.CapabilityID),
	))
	var admitErr error
	defer func() { endSpan(admitSpan, admitErr) }()
	fail := func(err error) error {
		admitErr = p.classify(err, adm)
		return admitErr
	}

	// Stage 1: authenticate.
	sctx, span := p.tracer.Start(ctx, "gateway.authenticate")
	prin, err := p.authn.Resolve(sctx, req.Token, req.PeerAddress)
	endSpan(span, err)
	if err != nil {
		return ctx, adm, fail(err)
	}
	adm.principal = prin

	// Stage 2: capability lookup.
	sctx, span = p.tracer.Start(ctx, "gateway.lookup")
	capability, resource, err := p.registry.Lookup(sctx, req.CapabilityID)
	endSpan(span, err)
	if err != nil {
		return ctx, adm, fail(err)
	}
	adm.capability = capability
	adm.resource = resource

	// Stage 3: rate limit.
	sctx, span = p.tracer.Start(ctx, "gateway.ratelimit")
	err = p.rateLimit.Check(sctx, prin.ID, capability.ID)
	endSpan(span, err)
	if err != nil {
		return ctx, adm, fail(err)
	}

	// Stage 4: policy decision.
	op := action.Operation(capability.Operation)
	if !op.Valid() {
		op = action.OperationExecute
	}
	input := &policy.DecisionInput{
		Principal: prin,
		Action: action.Action{
			ResourceID: resource.ID,
			Operation:  op,
			Parameters: req.Arguments,
		},
		Capability: capability,
		Resource:   resource,
		Context: policy.Context{
			Timestamp:   adm.started.UTC(),
			IP:          req.PeerAddress,
			RequestID:   adm.requestID,
			Environment: p.environment,
		},
	}
	sctx, span = p.tracer.Start(ctx, "gateway.decide")
	decision, err := p.pdp.Decide(sctx, input)
	endSpan(span, err)
	if err != nil {
		return ctx, adm, fail(err)
	}
	adm.decision = decision
	if !decision.Allow {
		fe := &fault.Error{
			Kind:        fault.KindDenied,
			Reason:      decision.Reason,
			PolicyTrace: decision.PoliciesEvaluated,
		}
		if decision.EvaluationError == "deadline_exceeded" {
			fe.Kind = fault.KindTimeout
			fe.Reason = "deadline_exceeded"
		}
		return ctx, adm, fail(fe)
	}

	// Stage 5: parameter filter. Runs before dispatch and before the audit
	// details are built, so masked values exist nowhere downstream.
	adm.args = audit.FilterArguments(req.Arguments, decision.FilterMask)

	// Stage 6: cost admission.
	sctx, span = p.tracer.Start(ctx, "gateway.cost")
	cost, err := p.cost.Admit(sctx, prin.ID, capability, adm.args)
	endSpan(span, err)
	if err != nil {
		return ctx, adm, fail(err)
	}
	adm.cost = cost

	return ctx, adm, nil
}

// endSpan closes a stage span, recording the failure if any.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, fault.SafeMessage(err))
	}
	span.End()
}

// classify stamps the request id onto a fault for caller correlation.
func (p *Pipeline) classify(err error, adm *admission) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		fe.RequestID = adm.requestID
		return fe
	}
	return &fault.Error{
		Kind:      fault.KindInternal,
		Reason:    "internal error",
		RequestID: adm.requestID,
		Err:       err,
	}
}

// finish records metrics and emits the single audit event for this exit.
func (p *Pipeline) finish(eventType, operation string, adm *admission, result *outbound.InvokeResult, err error) {
	latency := p.sinceMS(adm.started)
	outcome := "success"
	switch {
	case fault.Is(err, fault.KindDenied), fault.Is(err, fault.KindRateLimited), fault.Is(err, fault.KindBudgetExceeded):
		outcome = "denied"
	case err != nil:
		outcome = "error"
	}
	p.metrics.RequestsTotal.WithLabelValues(operation, outcome).Inc()
	p.metrics.RequestDuration.WithLabelValues(operation).Observe(float64(latency) / 1000)

	event := audit.Event{
		ID:        uuid.NewString(),
		Timestamp: adm.started.UTC(),
		EventType: eventType,
		Severity:  p.severity(adm, err),
		Decision:  audit.DecisionDeny,
		RequestID: adm.requestID,
		Success:     err == nil,
		LatencyMS:   latency,
		Cost:        adm.cost,
		UserAgent:   adm.userAgent,
		Environment: p.environment,
	}
	if p.retention > 0 {
		event.RetentionUntil = adm.started.Add(p.retention).UTC()
	}

	if adm.principal != nil {
		event.PrincipalID = adm.principal.ID
		event.PrincipalType = string(adm.principal.Type)
		event.PrincipalRole = adm.principal.Role
		event.IPAddress = adm.principal.PeerAddress
	} else {
		event.PrincipalID = "unknown"
		event.PrincipalType = "unknown"
	}
	if adm.capability != nil {
		event.CapabilityID = adm.capability.ID
		event.ActionOperation = adm.capability.Operation
	}
	if adm.resource != nil {
		event.ResourceID = adm.resource.ID
		event.ResourceType = string(adm.resource.Protocol)
	}
	if adm.decision.Allow || adm.decision.Reason != "" {
		if adm.decision.Allow {
			event.Decision = audit.DecisionAllow
		}
		event.Reason = adm.decision.Reason
		event.PolicyVersion = adm.decision.BundleVersion
		event.Details = map[string]any{
			"policies_evaluated": adm.decision.PoliciesEvaluated,
		}
	}
	if adm.args != nil {
		event.ActionParameters = adm.args
	}
	if err != nil {
		event.ErrorMessage = fault.SafeMessage(err)
		if event.Reason == "" {
			event.Reason = fault.SafeMessage(err)
		}
	}
	if result != nil && result.Metadata != nil {
		if event.Details == nil {
			event.Details = map[string]any{}
		}
		event.Details["dispatch"] = result.Metadata
	}

	p.emitter.Emit(event)
}

// severity grades the event. Policy denies are routine enforcement and rank
// medium regardless of target; credential failures rank higher, highest
// against sensitive targets.
func (p *Pipeline) severity(adm *admission, err error) audit.Severity {
	sensitive := false
	if adm.capability != nil && adm.capability.Sensitivity.Rank() >= registry.SensitivityHigh.Rank() {
		sensitive = true
	}
	switch {
	case err == nil && !sensitive:
		return audit.SeverityLow
	case err == nil:
		return audit.SeverityMedium
	case fault.Is(err, fault.KindAuth):
		if sensitive {
			return audit.SeverityCritical
		}
		return audit.SeverityHigh
	default:
		return audit.SeverityMedium
	}
}

// ListResources returns the known resources.
func (p *Pipeline) ListResources(ctx context.Context) ([]*registry.Resource, error) {
	return p.registry.Resources(ctx)
}

// ListCapabilities returns the capabilities of one resource.
func (p *Pipeline) ListCapabilities(ctx context.Context, resourceID string) ([]*registry.Capability, error) {
	return p.registry.Capabilities(ctx, resourceID)
}

// HealthCheck probes the resource through its adapter.
func (p *Pipeline) HealthCheck(ctx context.Context, resourceID string) (bool, error) {
	snapCaps, err := p.registry.Resources(ctx)
	if err != nil {
		return false, err
	}
	for _, res := range snapCaps {
		if res.ID == resourceID {
			return p.dispatcher.HealthCheck(ctx, res)
		}
	}
	return false, fault.New(fault.KindNotFound, "unknown resource")
}

// Drain refuses new work and flushes the queues within the deadline.
func (p *Pipeline) Drain(deadline time.Duration) error {
	p.draining.Store(true)
	var firstErr error
	for _, drain := range p.drainers {
		if err := drain(deadline); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// withDeadline applies the per-request or default deadline. A zero or
// negative override is left for admit to reject.
func (p *Pipeline) withDeadline(ctx context.Context, req inbound.InvocationRequest) (context.Context, context.CancelFunc) {
	deadline := p.defaultDeadline
	if req.Deadline != nil && *req.Deadline > 0 {
		deadline = *req.Deadline
	}
	return context.WithTimeout(ctx, deadline)
}

func (p *Pipeline) sinceMS(start time.Time) int64 {
	return p.now().Sub(start).Milliseconds()
}
