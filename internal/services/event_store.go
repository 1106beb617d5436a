package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"triggerflow/internal/models"

	"gorm.io/gorm"
)

// EventStore persists TriggerEvents. Duplicate detection is check-then-insert
// without a lock: concurrent identical deliveries may each pass the check.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

// FindDuplicate returns the first event for (triggerID, dedupKey) created at
// or after since, or nil.
func (s *EventStore) FindDuplicate(ctx context.Context, triggerID, dedupKey string, since time.Time) (*models.TriggerEvent, error) {
	var ev models.TriggerEvent
	err := s.db.WithContext(ctx).
		Where("trigger_id = ? AND dedup_key = ? AND created_at >= ?", triggerID, dedupKey, since).
		Order("created_at ASC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	return &ev, nil
}

// CreateEvent 保存事件
func (s *EventStore) CreateEvent(ctx context.Context, ev *models.TriggerEvent) error {
	if err := s.db.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to create trigger event: %w", err)
	}
	return nil
}

// GetEvent loads one event by id.
func (s *EventStore) GetEvent(ctx context.Context, id string) (*models.TriggerEvent, error) {
	var ev models.TriggerEvent
	if err := s.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindNotFound, "trigger event not found", err)
		}
		return nil, err
	}
	return &ev, nil
}

// MarkCompleted moves a queued event to completed. Other statuses are left alone.
func (s *EventStore) MarkCompleted(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.TriggerEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusQueued).
		Update("status", models.EventStatusCompleted).Error
}
