package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/arenadesk/relay/pkg/protocol"
)

type messageRow struct {
	ID         string `gorm:"primaryKey"`
	RoomID     string `gorm:"index"`
	AuthorID   string
	AuthorRole string
	Body       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (messageRow) TableName() string { return "messages" }

type notificationRow struct {
	ID        string `gorm:"primaryKey"`
	Title     string
	Body      string
	Link      string
	CreatedAt time.Time
}

func (notificationRow) TableName() string { return "notifications" }

type notificationReadRow struct {
	NotificationID string `gorm:"primaryKey"`
	AdminID        string `gorm:"primaryKey;index"`
}

func (notificationReadRow) TableName() string { return "notification_reads" }

// Postgres is the production store. The admin console platform already
// runs against postgres, so message history and read-state live there too.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&messageRow{}, &notificationRow{}, &notificationReadRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (s *Postgres) RoomMessages(ctx context.Context, roomID string) ([]protocol.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]protocol.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out, nil
}

func (s *Postgres) CreateMessage(ctx context.Context, m protocol.Message) (protocol.Message, error) {
	now := time.Now().UTC()
	row := messageRow{
		ID:         uuid.NewString(),
		RoomID:     m.RoomID,
		AuthorID:   m.AuthorID,
		AuthorRole: m.AuthorRole,
		Body:       m.Body,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return protocol.Message{}, err
	}
	return row.message(), nil
}

func (s *Postgres) UpdateMessage(ctx context.Context, id, body string) (protocol.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		row.Body = body
		row.UpdatedAt = time.Now().UTC()
		return tx.Save(&row).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Message{}, ErrNotFound
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return row.message(), nil
}

func (s *Postgres) DeleteMessage(ctx context.Context, id string) (protocol.Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&messageRow{}, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Message{}, ErrNotFound
	}
	if err != nil {
		return protocol.Message{}, err
	}
	return row.message(), nil
}

func (s *Postgres) Notifications(ctx context.Context, adminID string) ([]protocol.Notification, int, error) {
	var rows []notificationRow
	err := s.db.WithContext(ctx).
		Order("created_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	var readRows []notificationReadRow
	err = s.db.WithContext(ctx).
		Where("admin_id = ?", adminID).
		Find(&readRows).Error
	if err != nil {
		return nil, 0, err
	}
	read := make(map[string]struct{}, len(readRows))
	for _, r := range readRows {
		read[r.NotificationID] = struct{}{}
	}

	out := make([]protocol.Notification, 0, len(rows))
	unread := 0
	for _, r := range rows {
		n := r.notification()
		if _, ok := read[n.ID]; ok {
			n.Read = true
		} else {
			unread++
		}
		out = append(out, n)
	}
	return out, unread, nil
}

func (s *Postgres) CreateNotification(ctx context.Context, n protocol.Notification) (protocol.Notification, error) {
	row := notificationRow{
		ID:        uuid.NewString(),
		Title:     n.Title,
		Body:      n.Body,
		Link:      n.Link,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return protocol.Notification{}, err
	}
	return row.notification(), nil
}

func (s *Postgres) MarkNotificationRead(ctx context.Context, adminID, id string) (int, error) {
	var unread int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row notificationRow
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}

		// Idempotent: a second mark is a no-op and yields the same count.
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&notificationReadRow{NotificationID: id, AdminID: adminID}).Error
		if err != nil {
			return err
		}

		return tx.Model(&notificationRow{}).
			Where("id NOT IN (?)", tx.Model(&notificationReadRow{}).
				Select("notification_id").
				Where("admin_id = ?", adminID)).
			Count(&unread).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return int(unread), nil
}

func (r messageRow) message() protocol.Message {
	return protocol.Message{
		ID:         r.ID,
		RoomID:     r.RoomID,
		AuthorID:   r.AuthorID,
		AuthorRole: r.AuthorRole,
		Body:       r.Body,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (r notificationRow) notification() protocol.Notification {
	return protocol.Notification{
		ID:        r.ID,
		Title:     r.Title,
		Body:      r.Body,
		Link:      r.Link,
		CreatedAt: r.CreatedAt,
	}
}
