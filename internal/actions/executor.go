package actions

import (
	"context"
	"fmt"
	"time"

	"triggerflow/internal/actions/risk"
	appmetrics "triggerflow/internal/metrics"
	"triggerflow/pkg/schema"
	"triggerflow/pkg/truncate"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PolicyGate is consulted before every execution.
type PolicyGate interface {
	Evaluate(ctx context.Context, in risk.Input) (risk.Decision, error)
}

// SettingsStore reads per-organization execution policy.
type SettingsStore interface {
	AlwaysAllowWrite(ctx context.Context, orgID string) (bool, error)
}

// InvokeRequest names one action call.
type InvokeRequest struct {
	SourceID string
	ActionID string
	Params   map[string]any
	Context  ExecutionContext
	// Approved is set when a human approved this specific call.
	Approved bool
}

// Invocation is the outcome of Invoke. Result is zero unless the gate allowed the call.
type Invocation struct {
	Definition ActionDefinition
	Decision   risk.Decision
	Result     ActionResult
}

// Executed reports whether the action actually ran.
func (i Invocation) Executed() bool { return i.Decision.Allowed() }

// Executor is the single path from an action request to a source call:
// resolve, validate, gate, execute with timeout, truncate.
type Executor struct {
	resolver    *Resolver
	gate        PolicyGate
	settings    SettingsStore
	callTimeout time.Duration
	maxBytes    int
	logger      *logrus.Logger
}

type ExecutorOptions struct {
	CallTimeout    time.Duration
	ResultMaxBytes int
}

func NewExecutor(resolver *Resolver, gate PolicyGate, settings SettingsStore, opts ExecutorOptions, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.ResultMaxBytes <= 0 {
		opts.ResultMaxBytes = truncate.DefaultMaxBytes
	}
	return &Executor{
		resolver:    resolver,
		gate:        gate,
		settings:    settings,
		callTimeout: opts.CallTimeout,
		maxBytes:    opts.ResultMaxBytes,
		logger:      logger,
	}
}

var tracer = otel.Tracer("triggerflow/actions")

// Invoke runs one action. Errors are returned for problems before the gate
// (unknown source or action, discovery failure, invalid parameters, policy
// failure); execution failures come back inside Result.
func (e *Executor) Invoke(ctx context.Context, req InvokeRequest) (Invocation, error) {
	ctx, span := tracer.Start(ctx, "actions.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.source", req.SourceID),
		attribute.String("action.id", req.ActionID),
	)

	var inv Invocation
	src, err := e.resolver.Source(ctx, req.Context.OrganizationID, req.SourceID)
	if err != nil {
		return inv, err
	}
	ec, err := e.resolver.WithCredential(ctx, src, req.Context)
	if err != nil {
		return inv, err
	}

	defs, err := src.ListActions(ctx, ec)
	if err != nil {
		return inv, fmt.Errorf("discover %s: %w", src.ID(), err)
	}
	def, ok := FindAction(defs, req.ActionID)
	if !ok {
		return inv, fmt.Errorf("%w: %s", ErrActionNotFound, QualifiedName(req.SourceID, req.ActionID))
	}
	inv.Definition = def

	if err := schema.Validate(def.Parameters, req.Params); err != nil {
		return inv, err
	}

	alwaysAllow := false
	if e.settings != nil {
		if alwaysAllow, err = e.settings.AlwaysAllowWrite(ctx, ec.OrganizationID); err != nil {
			return inv, fmt.Errorf("load org settings: %w", err)
		}
	}
	inv.Decision, err = e.gate.Evaluate(ctx, risk.Input{
		OrganizationID:   ec.OrganizationID,
		SourceID:         src.ID(),
		ActionID:         def.ID,
		Risk:             string(def.RiskLevel),
		AlwaysAllowWrite: alwaysAllow,
		Approved:         req.Approved,
	})
	if err != nil {
		span.RecordError(err)
		return inv, err
	}
	appmetrics.IncRiskDecision(string(def.RiskLevel), string(inv.Decision.Verdict))
	if !inv.Decision.Allowed() {
		e.logger.WithFields(logrus.Fields{
			"run_id":  ec.RunID,
			"action":  QualifiedName(src.ID(), def.ID),
			"risk":    def.RiskLevel,
			"verdict": inv.Decision.Verdict,
		}).Info("action held by risk gate")
		return inv, nil
	}

	inv.Result = e.execute(ctx, src, def.ID, req.Params, ec)
	appmetrics.ObserveAction(string(src.Origin()), inv.Result.Success, time.Duration(inv.Result.DurationMs)*time.Millisecond)
	if !inv.Result.Success {
		span.SetStatus(codes.Error, inv.Result.Error)
	}
	return inv, nil
}

func (e *Executor) execute(ctx context.Context, src Source, actionID string, params map[string]any, ec ExecutionContext) (res ActionResult) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = Fail(start, fmt.Errorf("action panicked: %v", r))
		}
	}()

	res = src.Execute(callCtx, actionID, params, ec)
	if !res.Success && res.Error == "" && callCtx.Err() != nil {
		res.Error = callCtx.Err().Error()
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	res.Data = truncate.JSON(res.Data, e.maxBytes)
	return res
}

// Catalog lists every action available to the organization.
func (e *Executor) Catalog(ctx context.Context, ec ExecutionContext) (Listing, error) {
	return e.resolver.ListActions(ctx, ec)
}
