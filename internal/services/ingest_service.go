package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"triggerflow/internal/filter"
	appmetrics "triggerflow/internal/metrics"
	"triggerflow/internal/models"
	"triggerflow/internal/providers"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// Delivery outcomes, used as metric labels.
const (
	outcomeProcessed = "processed"
	outcomeSkipped   = "skipped"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
)

// WebhookResult is the response of the generic webhook paths.
type WebhookResult struct {
	Success   bool   `json:"success"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	EventID   string `json:"eventId,omitempty"`
	RunID     string `json:"runId,omitempty"`
}

// BatchResult counts the items of a provider delivery.
type BatchResult struct {
	Processed  int `json:"processed"`
	Skipped    int `json:"skipped"`
	Duplicates int `json:"duplicates,omitempty"`
}

// TriggerHealth is the body of the webhook health check.
type TriggerHealth struct {
	Status    string `json:"status"`
	TriggerID string `json:"triggerId"`
	Enabled   bool   `json:"enabled"`
	Provider  string `json:"provider"`
}

// IngestOptions tunes ingestion.
type IngestOptions struct {
	DedupWindow time.Duration
}

// IngestService turns authenticated deliveries into TriggerEvents and
// queued runs. It never executes actions itself.
type IngestService struct {
	db         *gorm.DB
	events     *EventStore
	providers  *providers.Registry
	filters    *filter.Evaluator
	runs       *AutomationService
	dispatcher RunDispatcher
	window     time.Duration
	logger     *logrus.Logger
	now        func() time.Time
}

func NewIngestService(db *gorm.DB, registry *providers.Registry, filters *filter.Evaluator, runs *AutomationService, dispatcher RunDispatcher, opts IngestOptions, logger *logrus.Logger) *IngestService {
	if logger == nil {
		logger = logrus.New()
	}
	if registry == nil {
		registry = providers.NewDefaultRegistry()
	}
	if filters == nil {
		filters = filter.NewEvaluator(nil, logger)
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 5 * time.Minute
	}
	return &IngestService{
		db:         db,
		events:     NewEventStore(db),
		providers:  registry,
		filters:    filters,
		runs:       runs,
		dispatcher: dispatcher,
		window:     opts.DedupWindow,
		logger:     logger,
		now:        time.Now,
	}
}

// inbound is one normalized item ready for dedup and persistence.
type inbound struct {
	externalID string
	eventType  string
	dedupKey   string
	raw        string
	context    providers.Context
	passes     bool
}

type acceptance struct {
	event     *models.TriggerEvent
	run       *models.AutomationRun
	duplicate bool
	skipped   bool
}

// TriggerStatus 健康检查：返回触发器是否存在及启用状态
func (s *IngestService) TriggerStatus(ctx context.Context, triggerID string) (*TriggerHealth, error) {
	trig, err := s.loadTrigger(ctx, triggerID)
	if err != nil {
		return nil, err
	}
	return &TriggerHealth{Status: "ok", TriggerID: trig.ID, Enabled: trig.Enabled, Provider: trig.Provider}, nil
}

// IngestGeneric handles POST /webhooks/custom/:triggerId.
func (s *IngestService) IngestGeneric(ctx context.Context, triggerID string, header http.Header, body []byte) (*WebhookResult, error) {
	trig, err := s.loadTrigger(ctx, triggerID)
	if err != nil {
		appmetrics.IncWebhook(models.ProviderWebhook, outcomeRejected)
		return nil, err
	}
	return s.ingestGeneric(ctx, trig, header, body)
}

// IngestAutomationWebhook handles POST /webhooks/automation/:automationId by
// resolving the automation's enabled generic trigger.
func (s *IngestService) IngestAutomationWebhook(ctx context.Context, automationID string, header http.Header, body []byte) (*WebhookResult, error) {
	trig, err := s.triggerFor(ctx, automationID, models.ProviderWebhook)
	if err != nil {
		appmetrics.IncWebhook(models.ProviderWebhook, outcomeRejected)
		return nil, err
	}
	return s.ingestGeneric(ctx, trig, header, body)
}

func (s *IngestService) ingestGeneric(ctx context.Context, trig *models.Trigger, header http.Header, body []byte) (*WebhookResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.generic")
	defer span.End()
	span.SetAttributes(attribute.String("trigger.id", trig.ID))

	automation, err := s.checkEnabled(ctx, trig)
	if err != nil {
		appmetrics.IncWebhook(models.ProviderWebhook, outcomeRejected)
		return nil, err
	}
	// 签名校验必须在解析之前，基于原始字节
	if secret := secretOf(trig); secret != "" && !providers.VerifySignature(header, secret, body) {
		appmetrics.IncWebhook(models.ProviderWebhook, outcomeRejected)
		return nil, newError(KindAuth, "invalid or missing signature", nil)
	}

	raw, payload := normalizePayload(body)
	cfg, err := filter.ParseConfig(trig.Config)
	if err != nil {
		s.logger.WithError(err).WithField("trigger_id", trig.ID).Warn("ignoring malformed trigger config")
	}
	fe := genericFilterEvent(payload)
	acc, err := s.accept(ctx, trig, automation, inbound{
		eventType: fe.Name,
		dedupKey:  providers.GenericDedupKey(body),
		raw:       raw,
		context:   genericContext(payload),
		passes:    s.filters.Evaluate(ctx, fe, cfg),
	})
	if err != nil {
		return nil, err
	}

	res := &WebhookResult{Success: true, EventID: acc.event.ID, Duplicate: acc.duplicate, Skipped: acc.skipped}
	if acc.duplicate {
		res.EventID = ""
	}
	if acc.run != nil {
		res.RunID = acc.run.ID
	}
	appmetrics.IncWebhook(models.ProviderWebhook, acc.outcome())
	return res, nil
}

// IngestProvider handles POST /webhooks/:provider/:automationId. Items of a
// batch are processed independently; a persistence failure aborts the rest
// and the caller's retry is collapsed by dedup for the items already stored.
func (s *IngestService) IngestProvider(ctx context.Context, providerName, automationID string, header http.Header, body []byte) (*BatchResult, error) {
	ctx, span := tracer.Start(ctx, "ingest.provider")
	defer span.End()
	span.SetAttributes(attribute.String("provider", providerName), attribute.String("automation.id", automationID))

	p, ok := s.providers.Get(providerName)
	if !ok {
		return nil, newError(KindNotFound, fmt.Sprintf("unknown provider %q", providerName), nil)
	}
	trig, err := s.triggerFor(ctx, automationID, p.Name())
	if err != nil {
		appmetrics.IncWebhook(p.Name(), outcomeRejected)
		return nil, err
	}
	automation, err := s.checkEnabled(ctx, trig)
	if err != nil {
		appmetrics.IncWebhook(p.Name(), outcomeRejected)
		return nil, err
	}
	if secret := secretOf(trig); secret != "" {
		var verified bool
		if v, ok := p.(providers.Verifier); ok {
			verified = v.VerifyWebhook(header, secret, body)
		} else {
			verified = providers.VerifySignature(header, secret, body)
		}
		if !verified {
			appmetrics.IncWebhook(p.Name(), outcomeRejected)
			return nil, newError(KindAuth, "invalid or missing signature", nil)
		}
	}

	items, err := p.ParseWebhook(body)
	if err != nil {
		appmetrics.IncWebhook(p.Name(), outcomeRejected)
		return nil, newError(KindValidation, "malformed webhook payload", err)
	}
	cfg, err := filter.ParseConfig(trig.Config)
	if err != nil {
		s.logger.WithError(err).WithField("trigger_id", trig.ID).Warn("ignoring malformed trigger config")
	}

	res := &BatchResult{}
	for _, item := range items {
		raw, _ := json.Marshal(item)
		passes := p.Filter(item, cfg)
		if passes {
			passes = s.filters.Evaluate(ctx, p.FilterEvent(item), cfg)
		}
		acc, err := s.accept(ctx, trig, automation, inbound{
			externalID: p.ExtractExternalID(item),
			eventType:  p.EventType(item),
			dedupKey:   p.DedupKey(item),
			raw:        string(raw),
			context:    p.ParseContext(item),
			passes:     passes,
		})
		if err != nil {
			return res, err
		}
		switch {
		case acc.duplicate:
			res.Duplicates++
		case acc.skipped:
			res.Skipped++
		default:
			res.Processed++
		}
		appmetrics.IncWebhook(p.Name(), acc.outcome())
	}
	return res, nil
}

func (a *acceptance) outcome() string {
	switch {
	case a.duplicate:
		return outcomeDuplicate
	case a.skipped:
		return outcomeSkipped
	default:
		return outcomeProcessed
	}
}

// accept runs dedup, persists the event and queues its run. A failed
// duplicate check is logged and treated as no duplicate.
func (s *IngestService) accept(ctx context.Context, trig *models.Trigger, automation *models.Automation, in inbound) (*acceptance, error) {
	log := s.logger.WithFields(logrus.Fields{"trigger_id": trig.ID, "dedup_key": in.dedupKey})

	now := s.now()
	dup, err := s.events.FindDuplicate(ctx, trig.ID, in.dedupKey, now.Add(-s.window))
	if err != nil {
		log.WithError(err).Warn("duplicate check failed, proceeding")
	} else if dup != nil {
		log.WithField("event_id", dup.ID).Debug("duplicate delivery")
		return &acceptance{event: dup, duplicate: true}, nil
	}

	parsed, _ := json.Marshal(in.context)
	ev := &models.TriggerEvent{
		TriggerID:         trig.ID,
		OrganizationID:    trig.OrganizationID,
		ExternalEventID:   in.externalID,
		DedupKey:          in.dedupKey,
		ProviderEventType: in.eventType,
		RawPayload:        in.raw,
		ParsedContext:     string(parsed),
		Status:            models.EventStatusQueued,
		CreatedAt:         now,
	}
	if !in.passes {
		reason := models.SkipReasonFilterMismatch
		ev.Status = models.EventStatusSkipped
		ev.SkipReason = &reason
	}
	if err := s.events.CreateEvent(ctx, ev); err != nil {
		return nil, newError(KindInternal, "failed to record event", err)
	}
	if !in.passes {
		log.WithField("event_id", ev.ID).Info("event skipped by filter")
		return &acceptance{event: ev, skipped: true}, nil
	}

	run, err := s.runs.CreateRun(ctx, ev, automation)
	if errors.Is(err, ErrRunExists) {
		return &acceptance{event: ev, run: run}, nil
	}
	if err != nil {
		return nil, newError(KindInternal, "failed to queue run", err)
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, ev.ID, run.ID); err != nil {
			log.WithError(err).WithField("run_id", run.ID).Warn("dispatch failed; run left for backfill")
		}
	}
	return &acceptance{event: ev, run: run}, nil
}

func (s *IngestService) loadTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	var trig models.Trigger
	if err := s.db.WithContext(ctx).First(&trig, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "trigger not found", nil)
		}
		return nil, newError(KindInternal, "failed to load trigger", err)
	}
	return &trig, nil
}

// triggerFor resolves the enabled trigger of provider for an automation.
func (s *IngestService) triggerFor(ctx context.Context, automationID, provider string) (*models.Trigger, error) {
	var automation models.Automation
	if err := s.db.WithContext(ctx).First(&automation, "id = ?", automationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "automation not found", nil)
		}
		return nil, newError(KindInternal, "failed to load automation", err)
	}

	var trig models.Trigger
	err := s.db.WithContext(ctx).
		Where("automation_id = ? AND provider = ? AND enabled = ?", automationID, provider, true).
		Order("created_at ASC").
		First(&trig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newError(KindNotFound, fmt.Sprintf("no enabled %s trigger for automation", provider), nil)
	}
	if err != nil {
		return nil, newError(KindInternal, "failed to load trigger", err)
	}
	return &trig, nil
}

func (s *IngestService) checkEnabled(ctx context.Context, trig *models.Trigger) (*models.Automation, error) {
	if !trig.Enabled {
		return nil, newError(KindDisabled, "trigger is disabled", nil)
	}
	var automation models.Automation
	if err := s.db.WithContext(ctx).First(&automation, "id = ?", trig.AutomationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "automation not found", nil)
		}
		return nil, newError(KindInternal, "failed to load automation", err)
	}
	if !automation.Enabled {
		return nil, newError(KindDisabled, "automation is disabled", nil)
	}
	return &automation, nil
}

func secretOf(t *models.Trigger) string {
	if t.Secret == nil {
		return ""
	}
	return *t.Secret
}

// normalizePayload returns the stored form of body and its decoded value.
// Anything that is not JSON is kept as {"raw": body}.
func normalizePayload(body []byte) (string, any) {
	var v any
	if len(body) > 0 && json.Unmarshal(body, &v) == nil {
		return string(body), v
	}
	wrapped := map[string]any{"raw": string(body)}
	b, _ := json.Marshal(wrapped)
	return string(b), wrapped
}

func genericFilterEvent(payload any) filter.Event {
	props, _ := payload.(map[string]any)
	if props == nil {
		props = map[string]any{"body": payload}
	}
	return filter.Event{Name: firstString(props, "event", "type", "action", "name"), Properties: props}
}

func genericContext(payload any) providers.Context {
	props, _ := payload.(map[string]any)
	title := firstString(props, "title", "event", "type", "name")
	if title == "" {
		title = "Webhook event"
	}
	return providers.Context{
		Title:   title,
		Summary: firstString(props, "message", "description", "summary", "text"),
		Source:  models.ProviderWebhook,
		URL:     firstString(props, "url", "html_url"),
		Details: props,
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
