// Package notifications stores and fans out user-facing notifications
// raised by the sync machinery and the catalog.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Severity grades a notification for presentation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

var (
	errMissingDatabase = errors.New("notifications: database handle is required")

	// ErrNotFound indicates the notification does not exist.
	ErrNotFound = errors.New("notifications: not found")
)

// Notification is one persisted user-facing message.
type Notification struct {
	NotificationID   string   `gorm:"column:notification_id;primaryKey;size:36;not null"`
	Severity         Severity `gorm:"column:severity;size:16;not null"`
	Title            string   `gorm:"column:title;size:190;not null"`
	Body             string   `gorm:"column:body;type:text;not null;default:''"`
	Read             bool     `gorm:"column:read;not null;default:false;index:idx_notifications_read"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null;index:idx_notifications_created"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Service persists notifications and pushes each new one to an optional
// publish hook, typically the realtime broadcaster.
type Service struct {
	db      *gorm.DB
	clock   func() time.Time
	publish func(Notification)
	logger  *zap.Logger
}

// ServiceConfig describes the dependencies required by the Service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// Publish observes every emitted notification. Optional.
	Publish func(Notification)
	Logger  *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	publish := cfg.Publish
	if publish == nil {
		publish = func(Notification) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, publish: publish, logger: logger}, nil
}

// Emit stores a notification and hands it to the publish hook.
func (s *Service) Emit(ctx context.Context, severity Severity, title, body string) (Notification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Notification{}, fmt.Errorf("notifications: id generation failed: %w", err)
	}
	notification := Notification{
		NotificationID:   id.String(),
		Severity:         severity,
		Title:            title,
		Body:             body,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logger.Error("notification insert failed",
			zap.String("operation", "notifications.emit"),
			zap.Error(err))
		return Notification{}, fmt.Errorf("notifications: insert failed: %w", err)
	}
	s.publish(notification)
	return notification, nil
}

// List returns notifications newest first. unreadOnly filters to those
// not yet marked read.
func (s *Service) List(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	query := s.db.WithContext(ctx).Order("created_at_s DESC")
	if unreadOnly {
		query = query.Where("read = ?", false)
	}
	var notifications []Notification
	if err := query.Find(&notifications).Error; err != nil {
		return nil, fmt.Errorf("notifications: list failed: %w", err)
	}
	return notifications, nil
}

// MarkRead flags one notification as read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("notification_id = ?", id).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("notifications: mark read failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead flags every unread notification as read and reports how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&Notification{}).
		Where("read = ?", false).
		Update("read", true)
	if result.Error != nil {
		return 0, fmt.Errorf("notifications: mark all read failed: %w", result.Error)
	}
	return result.RowsAffected, nil
}
