package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"triggerflow/internal/actions"
	"triggerflow/internal/actions/risk"
	appmetrics "triggerflow/internal/metrics"
	"triggerflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

// Step is one configured action of an automation.
type Step struct {
	Source string         `json:"source"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// ParseSteps decodes Automation.Steps. Empty input means no steps.
func ParseSteps(raw string) ([]Step, error) {
	var steps []Step
	if strings.TrimSpace(raw) == "" {
		return steps, nil
	}
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("invalid steps: %w", err)
	}
	for i, st := range steps {
		if st.Source == "" || st.Action == "" {
			return nil, fmt.Errorf("step %d: source and action are required", i)
		}
	}
	return steps, nil
}

// Resolution is an operator decision on a needs_human run.
type Resolution struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// RunListRequest 运行记录列表请求
type RunListRequest struct {
	OrganizationID string   `form:"organization_id"`
	AutomationID   string   `form:"automation_id"`
	TriggerID      string   `form:"trigger_id"`
	Status         []string `form:"status"`
	Page           int      `form:"page,default=1"`
	PageSize       int      `form:"page_size,default=20"`
}

// AutomationOptions tunes run execution.
type AutomationOptions struct {
	WallClockBudget time.Duration
}

// AutomationService owns the AutomationRun state machine:
// queued -> running -> {succeeded|failed|needs_human|timed_out|skipped|canceled},
// needs_human -> running on approval (the held step is re-invoked) or -> failed on rejection.
// Every transition is a conditional update on the current status.
type AutomationService struct {
	db       *gorm.DB
	events   *EventStore
	executor *actions.Executor
	agent    actions.AgentRuntime
	budget   time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

func NewAutomationService(db *gorm.DB, executor *actions.Executor, agent actions.AgentRuntime, opts AutomationOptions, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WallClockBudget <= 0 {
		opts.WallClockBudget = 30 * time.Minute
	}
	return &AutomationService{
		db:       db,
		events:   NewEventStore(db),
		executor: executor,
		agent:    agent,
		budget:   opts.WallClockBudget,
		logger:   logger,
		now:      time.Now,
	}
}

var tracer = otel.Tracer("triggerflow/services")

// CreateRun queues the single run for an accepted event. A second call for
// the same event returns the existing run with ErrRunExists; the unique
// index on trigger_event_id backs the check.
func (s *AutomationService) CreateRun(ctx context.Context, ev *models.TriggerEvent, automation *models.Automation) (*models.AutomationRun, error) {
	var existing models.AutomationRun
	err := s.db.WithContext(ctx).Where("trigger_event_id = ?", ev.ID).First(&existing).Error
	if err == nil {
		return &existing, ErrRunExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check existing run: %w", err)
	}

	eventID := ev.ID
	run := &models.AutomationRun{
		OrganizationID: automation.OrganizationID,
		AutomationID:   automation.ID,
		TriggerID:      ev.TriggerID,
		TriggerEventID: &eventID,
		Status:         models.RunStatusQueued,
		Assignee:       automation.Assignee,
		QueuedAt:       s.now(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		// lost a race on the unique index
		if err2 := s.db.WithContext(ctx).Where("trigger_event_id = ?", ev.ID).First(&existing).Error; err2 == nil {
			return &existing, ErrRunExists
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":        run.ID,
		"automation_id": automation.ID,
		"event_id":      ev.ID,
	}).Info("run queued")
	return run, nil
}

// GetRun 获取运行记录
func (s *AutomationService) GetRun(ctx context.Context, id string) (*models.AutomationRun, error) {
	var run models.AutomationRun
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "run not found", err)
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns returns a page of runs, newest first, and the total count.
func (s *AutomationService) ListRuns(ctx context.Context, req *RunListRequest) ([]models.AutomationRun, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.AutomationRun{})
	if req.OrganizationID != "" {
		q = q.Where("organization_id = ?", req.OrganizationID)
	}
	if req.AutomationID != "" {
		q = q.Where("automation_id = ?", req.AutomationID)
	}
	if req.TriggerID != "" {
		q = q.Where("trigger_id = ?", req.TriggerID)
	}
	if len(req.Status) > 0 {
		q = q.Where("status IN ?", req.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	page, size := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	var runs []models.AutomationRun
	if err := q.Order("queued_at DESC").Offset((page - 1) * size).Limit(size).Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

// ExecuteRun claims a queued run and drives it to an outcome. Only the
// caller that wins the queued->running update executes; others get
// ErrIllegalTransition.
func (s *AutomationService) ExecuteRun(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "automation.execute_run")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))

	started := s.now()
	res := s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ? AND status = ?", runID, models.RunStatusQueued).
		Updates(map[string]any{"status": models.RunStatusRunning, "started_at": started})
	if res.Error != nil {
		return fmt.Errorf("claim run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetRun(ctx, runID); err != nil {
			return err
		}
		return ErrIllegalTransition
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	log := s.logger.WithFields(logrus.Fields{"run_id": run.ID, "automation_id": run.AutomationID})

	runCtx, cancel := context.WithDeadline(ctx, started.Add(s.budget))
	defer cancel()

	out := s.perform(runCtx, run, 0, false)
	if errors.Is(ctx.Err(), context.Canceled) {
		// 进程关闭中断：保持 running，由 watchdog 收尾
		log.Warn("run interrupted before finishing; left running for the watchdog")
		return ctx.Err()
	}
	if out.status != models.RunStatusSucceeded {
		span.SetStatus(codes.Error, out.status)
	}
	if err := s.finish(ctx, run, out); err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			log.WithField("outcome", out.status).Warn("run changed while executing; outcome discarded")
			return nil
		}
		return err
	}
	log.WithField("status", out.status).Info("run finished")
	return nil
}

type outcome struct {
	status    string
	reason    string
	errMsg    string
	sessionID string
	// heldStep is the index of the step waiting for approval.
	heldStep *int
}

// perform runs the automation starting at step from. approved applies to
// that first step only, or to the resumed agent session.
func (s *AutomationService) perform(ctx context.Context, run *models.AutomationRun, from int, approved bool) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("run panicked: %v", r)}
		}
	}()

	var automation models.Automation
	if err := s.db.WithContext(ctx).First(&automation, "id = ?", run.AutomationID).Error; err != nil {
		return outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("load automation: %v", err)}
	}
	if !automation.Enabled {
		return outcome{status: models.RunStatusSkipped, reason: "automation disabled"}
	}

	ec := actions.ExecutionContext{OrganizationID: run.OrganizationID, RunID: run.ID}
	if strings.TrimSpace(automation.AgentInstructions) != "" && s.agent != nil {
		return s.performAgent(ctx, run, &automation, ec, approved)
	}

	steps, err := ParseSteps(automation.Steps)
	if err != nil {
		return outcome{status: models.RunStatusFailed, errMsg: err.Error()}
	}
	if len(steps) == 0 {
		return outcome{status: models.RunStatusSucceeded, reason: "no actions configured"}
	}
	if s.executor == nil {
		return outcome{status: models.RunStatusFailed, errMsg: "no action executor configured"}
	}

	if from < 0 || from >= len(steps) {
		return outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("held step %d out of range; automation has %d step(s)", from, len(steps))}
	}

	done := make([]string, 0, len(steps)-from)
	for i := from; i < len(steps); i++ {
		st := steps[i]
		name := actions.QualifiedName(st.Source, st.Action)
		inv, err := s.executor.Invoke(ctx, actions.InvokeRequest{
			SourceID: st.Source,
			ActionID: st.Action,
			Params:   st.Params,
			Context:  ec,
			Approved: approved && i == from,
		})
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return s.budgetExceeded()
		}
		if err != nil {
			return outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("%s: %v", name, err)}
		}
		switch {
		case inv.Decision.Verdict == risk.RequireApproval:
			held := i
			return outcome{status: models.RunStatusNeedsHuman, reason: fmt.Sprintf("%s requires approval: %s", name, inv.Decision.Reason), heldStep: &held}
		case !inv.Executed():
			return outcome{status: models.RunStatusFailed, reason: fmt.Sprintf("%s denied: %s", name, inv.Decision.Reason)}
		case !inv.Result.Success:
			return outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("%s failed: %s", name, inv.Result.Error)}
		}
		done = append(done, name)
	}
	return outcome{status: models.RunStatusSucceeded, reason: fmt.Sprintf("%d action(s) completed: %s", len(done), strings.Join(done, ", "))}
}

func (s *AutomationService) performAgent(ctx context.Context, run *models.AutomationRun, automation *models.Automation, ec actions.ExecutionContext, approved bool) outcome {
	req := actions.AgentRequest{
		OrganizationID: run.OrganizationID,
		RunID:          run.ID,
		Instructions:   automation.AgentInstructions,
		Approved:       approved,
	}
	if approved {
		req.SessionID = run.SessionID
	}
	if run.TriggerEventID != nil {
		if ev, err := s.events.GetEvent(ctx, *run.TriggerEventID); err == nil {
			_ = json.Unmarshal([]byte(ev.ParsedContext), &req.Event)
		}
	}
	if s.executor != nil {
		catalog, err := s.executor.Catalog(ctx, ec)
		if err != nil {
			return outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("load action catalog: %v", err)}
		}
		req.Tools = catalog.Actions
	}

	res, err := s.agent.Run(ctx, req)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return s.budgetExceeded()
	}
	if res.SessionID == "" {
		res.SessionID = req.SessionID
	}
	if err != nil {
		return outcome{status: models.RunStatusFailed, errMsg: fmt.Sprintf("agent: %v", err), sessionID: res.SessionID}
	}
	switch res.Status {
	case actions.AgentSucceeded:
		return outcome{status: models.RunStatusSucceeded, reason: res.Summary, sessionID: res.SessionID}
	case actions.AgentNeedsHuman:
		return outcome{status: models.RunStatusNeedsHuman, reason: res.Summary, sessionID: res.SessionID}
	default:
		return outcome{status: models.RunStatusFailed, reason: res.Summary, sessionID: res.SessionID}
	}
}

func (s *AutomationService) budgetExceeded() outcome {
	return outcome{status: models.RunStatusTimedOut, errMsg: fmt.Sprintf("run exceeded wall-clock budget of %s", s.budget)}
}

// finish writes the outcome of a running run. completed_at is written with
// terminal statuses only.
func (s *AutomationService) finish(ctx context.Context, run *models.AutomationRun, out outcome) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	updates := map[string]any{
		"status":        out.status,
		"status_reason": nullable(out.reason),
		"error_message": nullable(out.errMsg),
		"held_step":     nil,
	}
	if out.heldStep != nil {
		updates["held_step"] = *out.heldStep
	}
	if out.sessionID != "" {
		updates["session_id"] = out.sessionID
	}
	terminal := models.IsTerminalRunStatus(out.status)
	if terminal {
		updates["completed_at"] = now
	}
	if err := s.transition(ctx, run.ID, []string{models.RunStatusRunning}, updates); err != nil {
		return err
	}
	if terminal {
		s.settle(ctx, run, out.status)
	}
	return nil
}

// ResolveRun applies an operator decision to a needs_human run. Rejection
// fails the run. Approval moves it back to running and re-invokes the held
// step with approval, then continues with the remaining steps (or resumes
// the agent session); the outcome is written like any other execution.
// Resolving a run that is not in needs_human, including one already
// resolved, fails with ErrRunNotPending.
func (s *AutomationService) ResolveRun(ctx context.Context, runID string, res Resolution) (*models.AutomationRun, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !res.Approved {
		reason := res.Reason
		if reason == "" {
			reason = "rejected by operator"
		}
		err = s.transition(ctx, runID, []string{models.RunStatusNeedsHuman}, map[string]any{
			"status":        models.RunStatusFailed,
			"status_reason": reason,
			"error_message": nil,
			"held_step":     nil,
			"completed_at":  s.now(),
		})
		if errors.Is(err, ErrIllegalTransition) {
			return nil, ErrRunNotPending
		}
		if err != nil {
			return nil, err
		}
		s.settle(ctx, run, models.RunStatusFailed)
		return s.GetRun(ctx, runID)
	}

	resumed := s.now()
	err = s.transition(ctx, runID, []string{models.RunStatusNeedsHuman}, map[string]any{
		"status":        models.RunStatusRunning,
		"status_reason": nil,
		"resumed_at":    resumed,
	})
	if errors.Is(err, ErrIllegalTransition) {
		return nil, ErrRunNotPending
	}
	if err != nil {
		return nil, err
	}

	from := 0
	if run.HeldStep != nil {
		from = *run.HeldStep
	}
	log := s.logger.WithFields(logrus.Fields{"run_id": run.ID, "automation_id": run.AutomationID, "step": from})
	log.Info("run approved; resuming")

	// detached from the request, bounded by a fresh budget
	runCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), resumed.Add(s.budget))
	defer cancel()
	out := s.perform(runCtx, run, from, true)
	if res.Reason != "" && out.reason != "" {
		out.reason = res.Reason + "; " + out.reason
	}
	if err := s.finish(ctx, run, out); err != nil {
		if !errors.Is(err, ErrIllegalTransition) {
			return nil, err
		}
		log.WithField("outcome", out.status).Warn("run changed while resuming; outcome discarded")
	}
	return s.GetRun(ctx, runID)
}

// CancelRun stops a queued or running run. A queued run gets started_at in
// the same update so it never reaches a terminal status without having
// started. Suspended runs are resolved, not canceled.
func (s *AutomationService) CancelRun(ctx context.Context, runID, reason string) (*models.AutomationRun, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "canceled"
	}
	now := s.now()
	err = s.transition(ctx, runID,
		[]string{models.RunStatusQueued, models.RunStatusRunning},
		map[string]any{
			"status":        models.RunStatusCanceled,
			"status_reason": reason,
			"started_at":    gorm.Expr("COALESCE(started_at, ?)", now),
			"completed_at":  now,
		})
	if err != nil {
		return nil, err
	}
	s.settle(ctx, run, models.RunStatusCanceled)
	return s.GetRun(ctx, runID)
}

// TimeOutStaleRuns marks running runs whose budget has elapsed as timed_out
// and returns how many were changed. A resumed run's budget counts from
// resumed_at.
func (s *AutomationService) TimeOutStaleRuns(ctx context.Context, now time.Time) (int, error) {
	var stale []models.AutomationRun
	err := s.db.WithContext(ctx).
		Where("status = ? AND COALESCE(resumed_at, started_at) < ?", models.RunStatusRunning, now.Add(-s.budget)).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("find stale runs: %w", err)
	}

	n := 0
	msg := fmt.Sprintf("run exceeded wall-clock budget of %s", s.budget)
	for i := range stale {
		run := &stale[i]
		err := s.transition(ctx, run.ID, []string{models.RunStatusRunning}, map[string]any{
			"status":        models.RunStatusTimedOut,
			"error_message": msg,
			"status_reason": nil,
			"held_step":     nil,
			"completed_at":  now,
		})
		if errors.Is(err, ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		s.settle(ctx, run, models.RunStatusTimedOut)
		s.logger.WithField("run_id", run.ID).Warn("run timed out")
		n++
	}
	return n, nil
}

// QueuedBefore lists runs still queued since before cutoff, oldest first.
func (s *AutomationService) QueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.AutomationRun, error) {
	var runs []models.AutomationRun
	err := s.db.WithContext(ctx).
		Where("status = ? AND queued_at < ?", models.RunStatusQueued, cutoff).
		Order("queued_at ASC").Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (s *AutomationService) transition(ctx context.Context, runID string, from []string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.AutomationRun{}).
		Where("id = ? AND status IN ?", runID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// settle records a terminal outcome: completes the originating event and
// updates metrics.
func (s *AutomationService) settle(ctx context.Context, run *models.AutomationRun, status string) {
	if run.TriggerEventID != nil {
		if err := s.events.MarkCompleted(ctx, *run.TriggerEventID); err != nil {
			s.logger.WithError(err).WithField("run_id", run.ID).Warn("failed to complete trigger event")
		}
	}
	started := run.QueuedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	appmetrics.ObserveRun(status, started)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// RunForEvent returns the run spawned by a trigger event.
func (s *AutomationService) RunForEvent(ctx context.Context, eventID string) (*models.AutomationRun, error) {
	var run models.AutomationRun
	if err := s.db.WithContext(ctx).First(&run, "trigger_event_id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "no run for trigger event", err)
		}
		return nil, err
	}
	return &run, nil
}
