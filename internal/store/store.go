package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"deploy-restart-agent/internal/model"
)

// Store defines the interface for all database operations.
type Store interface {
	SaveTargets(ctx context.Context, targets []model.Target) error
	ListTargets(ctx context.Context) ([]model.Target, error)
	GetTarget(ctx context.Context, name string) (*model.Target, error)

	SaveSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error)

	RecordNotification(ctx context.Context, rec *model.NotificationRecord) error
	RecentNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error)

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// SaveTargets upserts the configured targets by name in one transaction.
func (s *gormStore) SaveTargets(ctx context.Context, targets []model.Target) error {
	if len(targets) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"host", "port", "user", "script_path", "known_hosts", "updated_at"}),
		}).Create(&targets).Error
		if err != nil {
			return fmt.Errorf("failed to upsert %d targets: %w", len(targets), err)
		}
		return nil
	})
}

func (s *gormStore) ListTargets(ctx context.Context) ([]model.Target, error) {
	var targets []model.Target
	if err := s.db.WithContext(ctx).Order("name").Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return targets, nil
}

func (s *gormStore) GetTarget(ctx context.Context, name string) (*model.Target, error) {
	var target model.Target
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&target).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("target %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target %q: %w", name, err)
	}
	return &target, nil
}

// SaveSubscription creates or refreshes the keys of a push subscription.
func (s *gormStore) SaveSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "viewer"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription. Deleting an unknown endpoint
// is not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error
	if err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}

func (s *gormStore) ListSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

func (s *gormStore) RecordNotification(ctx context.Context, rec *model.NotificationRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to record notification %s: %w", rec.ID, err)
	}
	return nil
}

// RecentNotifications returns the newest records first.
func (s *gormStore) RecentNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	limit = min(limit, MaxRecentLimit)

	var recs []model.NotificationRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return recs, nil
}
