package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerflow/internal/models"
	"triggerflow/pkg/schema"
)

// ConnectorSource exposes the tools of one remote tool server. The action
// list is discovered on every ListActions call.
type ConnectorSource struct {
	conn      models.Connector
	overrides map[string]string
	transport Transport
}

func NewConnectorSource(conn models.Connector, transport Transport) *ConnectorSource {
	return &ConnectorSource{conn: conn, overrides: conn.RiskOverrideMap(), transport: transport}
}

func (s *ConnectorSource) ID() string     { return s.conn.ID }
func (s *ConnectorSource) Origin() Origin { return OriginConnector }

// CredentialRef names the credential the broker should resolve for this source.
func (s *ConnectorSource) CredentialRef() string { return s.conn.CredentialRef }

// Connector returns the backing row.
func (s *ConnectorSource) Connector() models.Connector { return s.conn }

func (s *ConnectorSource) ListActions(ctx context.Context, ec ExecutionContext) ([]ActionDefinition, error) {
	ep, err := s.endpoint(ec)
	if err != nil {
		return nil, err
	}
	tools, err := s.transport.ListTools(ctx, ep)
	if err != nil {
		return nil, err
	}
	defs := make([]ActionDefinition, 0, len(tools))
	for _, tool := range tools {
		params, err := toolParams(tool)
		if err != nil {
			return nil, &TransportError{Class: ClassProtocol, Err: fmt.Errorf("tool %q: %w", tool.Name, err)}
		}
		defs = append(defs, ActionDefinition{
			ID:          tool.Name,
			Description: tool.Description,
			RiskLevel:   s.riskFor(tool.Name),
			Parameters:  params,
		})
	}
	return defs, nil
}

func (s *ConnectorSource) Execute(ctx context.Context, actionID string, params map[string]any, ec ExecutionContext) ActionResult {
	start := time.Now()
	ep, err := s.endpoint(ec)
	if err != nil {
		return Fail(start, err)
	}
	res, err := s.transport.CallTool(ctx, ep, actionID, params)
	if err != nil {
		return Fail(start, err)
	}
	data := toolData(res)
	if res.IsError {
		r := Fail(start, errors.New(toolText(res)))
		r.Data = data
		return r
	}
	return Succeed(start, data)
}

func (s *ConnectorSource) riskFor(tool string) RiskLevel {
	if r, ok := s.overrides[tool]; ok {
		return RiskLevel(r)
	}
	if s.conn.DefaultRisk == "" {
		return RiskWrite
	}
	return RiskLevel(s.conn.DefaultRisk)
}

func (s *ConnectorSource) endpoint(ec ExecutionContext) (Endpoint, error) {
	ep := Endpoint{URL: s.conn.URL, Headers: map[string]string{}}
	switch s.conn.AuthType {
	case "", models.ConnectorAuthNone:
		return ep, nil
	case models.ConnectorAuthBearer:
		if ec.Credential == nil || ec.Credential.Token == "" {
			return ep, &TransportError{Class: ClassAuth, Err: ErrMissingCredential}
		}
		ep.Headers["Authorization"] = "Bearer " + ec.Credential.Token
	case models.ConnectorAuthHeader:
		if ec.Credential == nil || ec.Credential.Token == "" {
			return ep, &TransportError{Class: ClassAuth, Err: ErrMissingCredential}
		}
		name := s.conn.AuthHeader
		if ec.Credential.Header != "" {
			name = ec.Credential.Header
		}
		if name == "" {
			name = "X-API-Key"
		}
		ep.Headers[name] = ec.Credential.Token
	default:
		return ep, &TransportError{Class: ClassAuth, Err: fmt.Errorf("unsupported auth type %q", s.conn.AuthType)}
	}
	return ep, nil
}

func toolParams(tool RemoteTool) (*schema.Param, error) {
	if len(tool.InputSchema) == 0 {
		return schema.Object(nil), nil
	}
	return schema.FromJSONSchema(tool.InputSchema)
}

// toolData prefers structured content; a single JSON text block is decoded.
func toolData(res *ToolCallResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	if len(res.Content) == 1 && res.Content[0].Type == "text" {
		var v any
		if err := json.Unmarshal([]byte(res.Content[0].Text), &v); err == nil {
			return v
		}
		return res.Content[0].Text
	}
	if len(res.Content) == 0 {
		return nil
	}
	return res.Content
}

func toolText(res *ToolCallResult) string {
	var parts []string
	for _, c := range res.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}
