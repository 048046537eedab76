// Package postgres archives dead-letter records in a Postgres table instead of
// a broker topic. The table name is the destination.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"eventrelay/internal/publisher/ports"
)

var errMissingEventID = errors.New("dead-letter message has no event_id header")

type deadLetterModel struct {
	ID            uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	EventID       string    `gorm:"column:event_id;uniqueIndex"`
	SubjectID     string    `gorm:"column:subject_id;index"`
	BatchID       string    `gorm:"column:batch_id"`
	FailureReason string    `gorm:"column:failure_reason"`
	Record        []byte    `gorm:"column:record;type:jsonb"`
	ArchivedAt    time.Time `gorm:"column:archived_at"`
}

// Archive implements the producer port over a gorm connection.
type Archive struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.Producer = (*Archive)(nil)

// Open prepares a connection pool without contacting the server; the first
// Ping or Produce does.
func Open(dsn string, logger *slog.Logger) (*Archive, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableAutomaticPing: true,
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{db: db, logger: logger, now: time.Now}
}

// Migrate creates or updates the archive table.
func (a *Archive) Migrate(ctx context.Context, table string) error {
	if err := a.db.WithContext(ctx).Table(table).AutoMigrate(&deadLetterModel{}); err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	return nil
}

// Produce inserts one dead-letter record. Re-archiving an event that is
// already present is a no-op.
func (a *Archive) Produce(ctx context.Context, msg ports.Message) error {
	row := deadLetterModel{
		EventID:       msg.Headers["event_id"],
		SubjectID:     string(msg.Key),
		BatchID:       msg.Headers["batch_id"],
		FailureReason: msg.Headers["failure_reason"],
		Record:        msg.Value,
		ArchivedAt:    a.now().UTC(),
	}
	if strings.TrimSpace(row.EventID) == "" {
		return errMissingEventID
	}
	res := a.db.WithContext(ctx).
		Table(msg.Destination).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return fmt.Errorf("archive event %s: %w", row.EventID, res.Error)
	}
	if res.RowsAffected == 0 {
		a.logger.InfoContext(ctx, "dead-letter record already archived", "event_id", row.EventID, "table", msg.Destination)
	}
	return nil
}

func (a *Archive) Ping(ctx context.Context) error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("resolve postgres sql db handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (a *Archive) DestinationExists(ctx context.Context, table string) (bool, error) {
	if err := a.Ping(ctx); err != nil {
		return false, err
	}
	return a.db.WithContext(ctx).Migrator().HasTable(table), nil
}

func (a *Archive) Classify(err error) ports.Classification {
	return Classify(err)
}

// Classify treats data, schema and authorization errors as fatal. Connection
// and resource-pressure errors are retried.
func Classify(err error) ports.Classification {
	if errors.Is(err, errMissingEventID) {
		return ports.Fatal
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "28", "42":
			return ports.Fatal
		}
	}
	return ports.Retryable
}

func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
