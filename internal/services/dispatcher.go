package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// RunDispatcher hands a queued run to an execution path. Dispatch is
// best-effort: a run that is not picked up stays queued for backfill.
type RunDispatcher interface {
	Dispatch(ctx context.Context, eventID, runID string) error
}

// ProcessRequest is the body of POST /internal/process-trigger-event.
type ProcessRequest struct {
	TriggerEventID string `json:"triggerEventId"`
	RunID          string `json:"runId"`
}

// RunExecutor is the part of AutomationService a dispatcher drives.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// ErrDispatcherClosed is returned by Dispatch after Shutdown began.
var ErrDispatcherClosed = errors.New("dispatcher is shutting down")

// LocalDispatcher executes runs in-process on a bounded worker pool.
type LocalDispatcher struct {
	runs   RunExecutor
	group  *errgroup.Group
	accept context.Context
	logger *logrus.Logger

	// runCtx outlives accept; it is canceled only when a drain times out.
	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewLocalDispatcher runs at most concurrency runs at once. Runs are
// detached from the request context. Canceling ctx stops accepting work but
// leaves in-flight runs alone; use Shutdown to drain them.
func NewLocalDispatcher(ctx context.Context, runs RunExecutor, concurrency int, logger *logrus.Logger) *LocalDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &LocalDispatcher{
		runs:       runs,
		group:      g,
		accept:     ctx,
		logger:     logger,
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
}

func (d *LocalDispatcher) Dispatch(_ context.Context, eventID, runID string) error {
	if d.accept.Err() != nil {
		return d.accept.Err()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	ok := d.group.TryGo(func() error {
		if err := d.runs.ExecuteRun(d.runCtx, runID); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{"run_id": runID, "event_id": eventID}).Warn("run execution failed")
		}
		return nil
	})
	if !ok {
		d.logger.WithField("run_id", runID).Info("worker pool saturated; run left queued for backfill")
	}
	return nil
}

// Wait blocks until in-flight runs finish.
func (d *LocalDispatcher) Wait() { _ = d.group.Wait() }

// Shutdown stops accepting runs and waits for in-flight ones. When ctx
// expires first, in-flight runs are canceled and Shutdown returns ctx.Err()
// once they have returned.
func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancelRuns()
		return nil
	case <-ctx.Done():
		d.logger.Warn("drain timed out; canceling in-flight runs")
		d.cancelRuns()
		<-done
		return ctx.Err()
	}
}

// CallbackDispatcher notifies a separate worker over HTTP.
type CallbackDispatcher struct {
	url    string
	token  string
	client *http.Client
	logger *logrus.Logger
}

func NewCallbackDispatcher(url, token string, timeout time.Duration, logger *logrus.Logger) *CallbackDispatcher {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackDispatcher{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Dispatch posts the notification. Failures are logged and returned; the
// run is already durable either way.
func (d *CallbackDispatcher) Dispatch(ctx context.Context, eventID, runID string) error {
	body, _ := json.Marshal(ProcessRequest{TriggerEventID: eventID, RunID: runID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.token)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.WithError(err).WithField("run_id", runID).Warn("worker callback failed")
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		err := fmt.Errorf("worker callback returned %d", resp.StatusCode)
		d.logger.WithError(err).WithField("run_id", runID).Warn("worker callback rejected")
		return err
	}
	return nil
}
