package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sosmesh/internal/models"
)

// PostgresStore keeps messages in a sos_messages table keyed by message id.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// OpenPostgres connects to dsn, checks the connection and, when migrate is
// set, creates the table.
func OpenPostgres(ctx context.Context, dsn string, migrate bool, logger *slog.Logger) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("remote: postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("remote: open gorm postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("remote: resolve postgres sql db handle: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("remote: ping postgres: %w", err)
	}

	store := NewPostgresStore(db, logger)
	if migrate {
		if err := db.WithContext(ctx).AutoMigrate(&messageModel{}); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("remote: migrating sos_messages: %w", err)
		}
	}
	return store, nil
}

func NewPostgresStore(db *gorm.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PostgresStore{db: db, logger: logger.With("component", "remote-postgres")}
}

func (s *PostgresStore) Upload(ctx context.Context, msg models.Message) error {
	row := messageModelFrom(msg)
	create := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&row)
	if create.Error != nil {
		if isUniqueViolation(create.Error) {
			return nil
		}
		return s.logError("remote_upload_failed", &UploadError{MessageID: msg.ID, Err: create.Error},
			"message_id", msg.ID)
	}
	return nil
}

func (s *PostgresStore) Dump(ctx context.Context) ([]Document, error) {
	var rows []messageModel
	if err := s.db.WithContext(ctx).Order("created_at ASC, message_id ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("remote_dump_failed", err)
	}
	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = row.toDocument()
	}
	return docs, nil
}

func (s *PostgresStore) Purge(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&messageModel{}).Error
	if err != nil {
		return s.logError("remote_purge_failed", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+4)
	fields = append(fields,
		"event", event,
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("remote store operation failed", fields...)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type messageModel struct {
	MessageID  string    `gorm:"column:message_id;primaryKey"`
	SenderID   string    `gorm:"column:sender_id;index"`
	Kind       string    `gorm:"column:kind"`
	Payload    string    `gorm:"column:payload;type:text"`
	Hops       int       `gorm:"column:hops"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
	UploadedAt time.Time `gorm:"column:uploaded_at;autoCreateTime"`
}

func (messageModel) TableName() string {
	return "sos_messages"
}

func messageModelFrom(msg models.Message) messageModel {
	return messageModel{
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Kind:      string(msg.Kind),
		Payload:   string(msg.Payload),
		Hops:      int(msg.HopCount),
		CreatedAt: msg.CreatedAt.UTC(),
	}
}

func (m messageModel) toDocument() Document {
	doc := Document{
		MessageID: m.MessageID,
		SenderID:  m.SenderID,
		Kind:      models.Kind(m.Kind),
		Timestamp: m.CreatedAt.UnixMilli(),
		Hops:      uint(m.Hops),
	}
	if m.Payload != "" {
		doc.Payload = []byte(m.Payload)
	}
	return doc
}
