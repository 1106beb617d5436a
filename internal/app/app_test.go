package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"triggerflow/internal/actions"
	"triggerflow/internal/config"
	"triggerflow/internal/models"
	"triggerflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(db))

	cfg := config.GetDefaultConfig()
	cfg.Security.ServiceToken = "svc-token"
	cfg.Ingest.MaxBodyBytes = 2048
	if mutate != nil {
		mutate(cfg)
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	a, err := New(context.Background(), cfg, db, log, Options{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func serve(r http.Handler, method, path string, body []byte, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_ServiceTokenGuardsManagementRoutes(t *testing.T) {
	a := newTestApp(t, nil)
	r := a.Router()

	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodGet, "/api/runs", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(r, http.MethodPost, "/internal/process-trigger-event", []byte(`{}`)).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/api/runs", nil, "Authorization", "Bearer svc-token").Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/health", nil).Code)
}

func TestRouter_Metrics(t *testing.T) {
	a := newTestApp(t, nil)
	w := serve(a.Router(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	b := newTestApp(t, func(c *config.Config) { c.Monitoring.Enabled = false })
	assert.Equal(t, http.StatusNotFound, serve(b.Router(), http.MethodGet, "/metrics", nil).Code)
}

func TestRouter_WebhookBodyLimit(t *testing.T) {
	a := newTestApp(t, nil)
	w := serve(a.Router(), http.MethodPost, "/webhooks/custom/any", bytes.Repeat([]byte("x"), 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestApp_WebhookRunsInProcess(t *testing.T) {
	a := newTestApp(t, nil)
	auto := &models.Automation{OrganizationID: "org-1", Name: "noop", Enabled: true}
	require.NoError(t, a.DB.Create(auto).Error)
	trig := &models.Trigger{OrganizationID: "org-1", AutomationID: auto.ID, Provider: models.ProviderWebhook, Enabled: true}
	require.NoError(t, a.DB.Create(trig).Error)

	w := serve(a.Router(), http.MethodPost, "/webhooks/custom/"+trig.ID, []byte(`{"event":"ping"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.NotEmpty(t, res.RunID)

	require.Eventually(t, func() bool {
		run, err := a.Runs.GetRun(context.Background(), res.RunID)
		return err == nil && run.Status == models.RunStatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_CallbackDispatcherWhenConfigured(t *testing.T) {
	a := newTestApp(t, func(c *config.Config) { c.Worker.CallbackURL = "http://127.0.0.1:1/internal/process-trigger-event" })
	assert.IsType(t, &services.CallbackDispatcher{}, a.Dispatcher)
	require.NotNil(t, a.local, "the internal callback executes on the owned local pool")
	assert.Equal(t, 2, a.Scheduler.Entries())
}

type gatedAgent struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedAgent) Run(ctx context.Context, _ actions.AgentRequest) (actions.AgentOutcome, error) {
	close(g.started)
	select {
	case <-g.release:
		return actions.AgentOutcome{Status: actions.AgentSucceeded, Summary: "done"}, nil
	case <-ctx.Done():
		return actions.AgentOutcome{}, ctx.Err()
	}
}

func newAgentApp(t *testing.T, agent actions.AgentRuntime, grace time.Duration) (*App, string) {
	t.Helper()
	a := newTestApp(t, nil)
	a.Config.Runs.ShutdownGrace = grace
	a.Runs = services.NewAutomationService(a.DB, a.Executor, agent, services.AutomationOptions{}, a.Logger)
	a.local = services.NewLocalDispatcher(context.Background(), a.Runs, 2, a.Logger)

	auto := &models.Automation{OrganizationID: "org-1", Name: "agent", Enabled: true, AgentInstructions: "triage"}
	require.NoError(t, a.DB.Create(auto).Error)
	trig := &models.Trigger{OrganizationID: "org-1", AutomationID: auto.ID, Provider: models.ProviderWebhook, Enabled: true}
	require.NoError(t, a.DB.Create(trig).Error)
	ev := &models.TriggerEvent{OrganizationID: "org-1", TriggerID: trig.ID, DedupKey: "k", Status: models.EventStatusQueued, ParsedContext: "{}"}
	require.NoError(t, a.DB.Create(ev).Error)
	run, err := a.Runs.CreateRun(context.Background(), ev, auto)
	require.NoError(t, err)
	return a, run.ID
}

func TestClose_DrainsInFlightRuns(t *testing.T) {
	agent := &gatedAgent{started: make(chan struct{}), release: make(chan struct{})}
	a, runID := newAgentApp(t, agent, 5*time.Second)

	require.NoError(t, a.local.Dispatch(context.Background(), "", runID))
	<-agent.started

	closed := make(chan struct{})
	go func() {
		a.Close()
		close(closed)
	}()
	// no new work once shutdown began
	require.Eventually(t, func() bool {
		return errors.Is(a.local.Dispatch(context.Background(), "", "other"), services.ErrDispatcherClosed)
	}, time.Second, 5*time.Millisecond)

	close(agent.release)
	<-closed

	run, err := a.Runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status)
	assert.Nil(t, run.ErrorMessage)
}

func TestClose_GraceExpiredLeavesRunForWatchdog(t *testing.T) {
	agent := &gatedAgent{started: make(chan struct{}), release: make(chan struct{})}
	a, runID := newAgentApp(t, agent, 50*time.Millisecond)

	require.NoError(t, a.local.Dispatch(context.Background(), "", runID))
	<-agent.started
	a.Close()

	run, err := a.Runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status, "an interrupted run is not written as failed")
	assert.Nil(t, run.ErrorMessage)
	assert.Nil(t, run.CompletedAt)
}
