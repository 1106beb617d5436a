// Package risk decides whether an action may run automatically.
package risk

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed policy/*.rego
var policyFS embed.FS

const (
	policyFile = "policy/risk.rego"
	query      = "data.triggerflow.risk.decision"
)

// Verdict of one evaluation.
type Verdict string

const (
	Allow           Verdict = "allow"
	RequireApproval Verdict = "require_approval"
	Deny            Verdict = "deny"
)

// Input is everything the policy sees. Org settings are passed per call.
type Input struct {
	OrganizationID   string `json:"organization_id"`
	SourceID         string `json:"source_id"`
	ActionID         string `json:"action_id"`
	Risk             string `json:"risk"`
	AlwaysAllowWrite bool   `json:"always_allow_write"`
	Approved         bool   `json:"approved"`
}

type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

var tracer = otel.Tracer("triggerflow/risk")

// Gate evaluates the embedded rego policy. It holds no per-organization state.
type Gate struct {
	prepared rego.PreparedEvalQuery
}

func NewGate(ctx context.Context) (*Gate, error) {
	src, err := policyFS.ReadFile(policyFile)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy: %w", err)
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.Module(policyFile, string(src)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing risk policy: %w", err)
	}
	return &Gate{prepared: pq}, nil
}

func (g *Gate) Evaluate(ctx context.Context, in Input) (Decision, error) {
	ctx, span := tracer.Start(ctx, "risk.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.id", in.ActionID),
		attribute.String("action.risk", in.Risk),
	)

	rs, err := g.prepared.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"organization_id":    in.OrganizationID,
		"source_id":          in.SourceID,
		"action_id":          in.ActionID,
		"risk":               in.Risk,
		"always_allow_write": in.AlwaysAllowWrite,
		"approved":           in.Approved,
	}))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, fmt.Errorf("evaluating risk policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Verdict: Deny, Reason: "policy produced no decision"}, nil
	}
	out, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Verdict: Deny, Reason: "policy produced a malformed decision"}, nil
	}
	verdict, _ := out["verdict"].(string)
	reason, _ := out["reason"].(string)
	d := Decision{Verdict: Verdict(verdict), Reason: reason}
	switch d.Verdict {
	case Allow, RequireApproval, Deny:
	default:
		d = Decision{Verdict: Deny, Reason: "policy produced an unknown verdict"}
	}
	span.SetAttributes(attribute.String("risk.verdict", string(d.Verdict)))
	return d, nil
}
