package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func mustService(t *testing.T, publish func(Notification)) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: database,
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		Publish:  publish,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestEmitPersistsAndPublishes(t *testing.T) {
	var published []Notification
	service := mustService(t, func(n Notification) { published = append(published, n) })
	ctx := context.Background()

	emitted, err := service.Emit(ctx, SeverityWarning, "sync degraded", "3 operations dropped")
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if emitted.NotificationID == "" || emitted.CreatedAtSeconds != 1_700_000_000 {
		t.Fatalf("unexpected emitted notification: %+v", emitted)
	}
	if len(published) != 1 || published[0].NotificationID != emitted.NotificationID {
		t.Fatalf("expected the publish hook to see the notification, got %+v", published)
	}

	listed, err := service.List(ctx, false)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Title != "sync degraded" {
		t.Fatalf("unexpected listing: %+v", listed)
	}
}

func TestListUnreadOnlyAndMarkRead(t *testing.T) {
	service := mustService(t, nil)
	ctx := context.Background()

	first, err := service.Emit(ctx, SeverityInfo, "a", "")
	if err != nil {
		t.Fatalf("emit failed: %v", err)
	}
	if _, err := service.Emit(ctx, SeverityInfo, "b", ""); err != nil {
		t.Fatalf("emit failed: %v", err)
	}

	if err := service.MarkRead(ctx, first.NotificationID); err != nil {
		t.Fatalf("mark read failed: %v", err)
	}

	unread, err := service.List(ctx, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unread) != 1 || unread[0].Title != "b" {
		t.Fatalf("expected only the unread notification, got %+v", unread)
	}
}

func TestMarkReadMissingNotification(t *testing.T) {
	service := mustService(t, nil)

	err := service.MarkRead(context.Background(), "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestMarkAllRead(t *testing.T) {
	service := mustService(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := service.Emit(ctx, SeverityError, fmt.Sprintf("n%d", i), ""); err != nil {
			t.Fatalf("emit failed: %v", err)
		}
	}

	changed, err := service.MarkAllRead(ctx)
	if err != nil {
		t.Fatalf("mark all read failed: %v", err)
	}
	if changed != 3 {
		t.Fatalf("expected 3 notifications marked, got %d", changed)
	}

	unread, err := service.List(ctx, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected no unread notifications, got %+v", unread)
	}
}
