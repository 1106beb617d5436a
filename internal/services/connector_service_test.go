package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"triggerflow/internal/actions"
	"triggerflow/internal/config"
	"triggerflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcToolServer answers tools/list with a mutable tool set.
type rpcToolServer struct {
	mu    sync.Mutex
	tools []map[string]any
	auth  string
}

func (s *rpcToolServer) set(tools ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
}

func (s *rpcToolServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth != "" && r.Header.Get("Authorization") != "Bearer "+s.auth {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req struct {
		ID any `json:"id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  map[string]any{"tools": s.tools},
	})
}

func searchTool(description string, withLimit bool) map[string]any {
	props := map[string]any{"query": map[string]any{"type": "string", "description": description}}
	required := []any{"query"}
	if withLimit {
		props["limit"] = map[string]any{"type": "number"}
		required = append(required, "limit")
	}
	return map[string]any{
		"name":        "search",
		"description": description,
		"inputSchema": map[string]any{"type": "object", "properties": props, "required": required},
	}
}

func newConnectorHarness(t *testing.T, creds actions.StaticBroker) (*ConnectorService, *rpcToolServer, *httptest.Server, *harness) {
	t.Helper()
	h := newHarness(t, AutomationOptions{}, nil)
	ts := &rpcToolServer{}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	transport := actions.NewHTTPTransport(2*time.Second, config.CircuitBreakerConfig{})
	resolver := actions.NewResolver(nil, NewConnectorStore(h.db), transport, creds, quietLogger())
	return NewConnectorService(h.db, resolver, transport, quietLogger()), ts, srv, h
}

func TestConnectorService_Validate(t *testing.T) {
	svc, ts, srv, _ := newConnectorHarness(t, actions.StaticBroker{"tools-token": "sekret"})
	ts.auth = "sekret"
	ts.set(searchTool("v1", false))

	res, err := svc.Validate(context.Background(), models.Connector{
		OrganizationID: testOrg, Name: "search", URL: srv.URL,
		AuthType: models.ConnectorAuthBearer, CredentialRef: "tools-token",
		RiskOverrides: `{"search":"read"}`,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, ValidatedTool{Name: "search", Description: "v1", RiskLevel: actions.RiskRead}, res.Tools[0])
	assert.Nil(t, res.Diagnostics)
}

func TestConnectorService_ValidateDiagnostics(t *testing.T) {
	svc, ts, srv, _ := newConnectorHarness(t, nil)
	ts.auth = "expected"

	res, err := svc.Validate(context.Background(), models.Connector{URL: srv.URL, AuthType: models.ConnectorAuthNone})
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.Diagnostics)
	assert.Equal(t, actions.ClassAuth, res.Diagnostics.Class)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, res.Tools)

	srv.Close()
	res, err = svc.Validate(context.Background(), models.Connector{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, actions.ClassUnreachable, res.Diagnostics.Class)
}

func TestConnectorService_ValidateRejectsBadConfig(t *testing.T) {
	svc, _, srv, _ := newConnectorHarness(t, nil)
	bad := []models.Connector{
		{URL: "ftp://example.com"},
		{URL: "not a url"},
		{URL: srv.URL, Transport: "stdio"},
		{URL: srv.URL, AuthType: models.ConnectorAuthHeader},
		{URL: srv.URL, AuthType: "oauth"},
		{URL: srv.URL, DefaultRisk: "scary"},
		{URL: srv.URL, RiskOverrides: `{"search":"maybe"}`},
	}
	for _, c := range bad {
		_, err := svc.Validate(context.Background(), c)
		assert.Equal(t, KindValidation, KindOf(err), "%+v", c)
	}
}

func TestConnectorService_DriftLifecycle(t *testing.T) {
	svc, ts, srv, h := newConnectorHarness(t, nil)
	ctx := context.Background()
	conn := &models.Connector{OrganizationID: testOrg, Name: "search", URL: srv.URL, Enabled: true}
	require.NoError(t, h.db.Create(conn).Error)
	reload := func() *models.Connector {
		var c models.Connector
		require.NoError(t, h.db.First(&c, "id = ?", conn.ID).Error)
		return &c
	}

	// first discovery records without flagging
	ts.set(searchTool("v1", false))
	res, err := svc.CheckDrift(ctx, testOrg, conn.ID)
	require.NoError(t, err)
	assert.False(t, res.Drifted)
	assert.True(t, res.Recorded)
	recorded := reload().ToolHashMap()
	require.Contains(t, recorded, "search")

	// description-only change is not drift
	ts.set(searchTool("v2", false))
	res, err = svc.CheckDrift(ctx, testOrg, conn.ID)
	require.NoError(t, err)
	assert.False(t, res.Drifted)
	assert.Equal(t, recorded["search"], res.Report.Hashes["search"])

	// a new required field is drift and is not recorded automatically
	ts.set(searchTool("v2", true))
	res, err = svc.CheckDrift(ctx, testOrg, conn.ID)
	require.NoError(t, err)
	assert.True(t, res.Drifted)
	assert.False(t, res.Recorded)
	assert.Equal(t, []string{"search"}, res.Report.Changed)
	assert.Equal(t, recorded, reload().ToolHashMap())

	ack, err := svc.AcknowledgeDrift(ctx, testOrg, conn.ID)
	require.NoError(t, err)
	assert.True(t, ack.Recorded)
	res, err = svc.CheckDrift(ctx, testOrg, conn.ID)
	require.NoError(t, err)
	assert.False(t, res.Drifted)
}

func TestConnectorService_DriftErrors(t *testing.T) {
	svc, _, srv, h := newConnectorHarness(t, nil)
	ctx := context.Background()

	_, err := svc.CheckDrift(ctx, testOrg, "missing")
	assert.Equal(t, KindNotFound, KindOf(err))

	conn := &models.Connector{OrganizationID: "other-org", Name: "x", URL: srv.URL, Enabled: true}
	require.NoError(t, h.db.Create(conn).Error)
	_, err = svc.CheckDrift(ctx, testOrg, conn.ID)
	assert.Equal(t, KindNotFound, KindOf(err), "connectors are scoped to their organization")

	srv.Close()
	_, err = svc.CheckDrift(ctx, "other-org", conn.ID)
	assert.Equal(t, KindTransport, KindOf(err))
}

func TestConnectorStore_ListEnabled(t *testing.T) {
	db := newTestDB(t)
	store := NewConnectorStore(db)
	require.NoError(t, db.Create(&models.Connector{OrganizationID: testOrg, Name: "b", URL: "http://b", Enabled: true}).Error)
	off := &models.Connector{OrganizationID: testOrg, Name: "a", URL: "http://a", Enabled: true}
	require.NoError(t, db.Create(off).Error)
	require.NoError(t, db.Model(off).Update("enabled", false).Error)
	require.NoError(t, db.Create(&models.Connector{OrganizationID: "org-2", Name: "c", URL: "http://c", Enabled: true}).Error)

	rows, err := store.ListEnabledConnectors(context.Background(), testOrg)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b", rows[0].Name)
}
