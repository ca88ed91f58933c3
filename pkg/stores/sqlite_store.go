package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateTrigger registers a new delayed re-invocation.
func (s *SQLiteStore) CreateTrigger(ctx context.Context, trigger *Trigger) error {
	query := `
		INSERT INTO triggers (name, target_id, target, bearer_token, invocation, payload, fire_at, fired_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		trigger.Name,
		trigger.TargetID,
		trigger.Target,
		trigger.BearerToken,
		trigger.Invocation,
		trigger.Payload,
		trigger.FireAt.UnixMilli(),
		nullableMillis(trigger.FiredAt),
		trigger.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create trigger: %w", err)
	}

	return nil
}

// GetTrigger retrieves a trigger by name
func (s *SQLiteStore) GetTrigger(ctx context.Context, name string) (*Trigger, error) {
	query := `
		SELECT name, target_id, target, bearer_token, invocation, payload, fire_at, fired_at, created_at
		FROM triggers
		WHERE name = ?
	`

	trigger, err := scanTrigger(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("trigger %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}

	return trigger, nil
}

// DeleteTrigger removes a trigger by name. It reports whether a trigger was removed;
// deleting an unknown trigger is not an error.
func (s *SQLiteStore) DeleteTrigger(ctx context.Context, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete trigger: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows > 0, nil
}

// ListTriggers lists triggers ordered by fire time.
func (s *SQLiteStore) ListTriggers(ctx context.Context, pendingOnly bool, limit, offset int) ([]*Trigger, error) {
	query := `
		SELECT name, target_id, target, bearer_token, invocation, payload, fire_at, fired_at, created_at
		FROM triggers
		WHERE (? = 0 OR fired_at IS NULL)
		ORDER BY fire_at ASC
		LIMIT ? OFFSET ?
	`

	pending := 0
	if pendingOnly {
		pending = 1
	}

	rows, err := s.db.QueryContext(ctx, query, pending, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	defer rows.Close()

	triggers := []*Trigger{}
	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		triggers = append(triggers, trigger)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

// ClaimDueTriggers marks up to limit due triggers as fired and returns them.
// A trigger is claimed by exactly one caller. On error the triggers claimed so
// far are returned alongside it.
func (s *SQLiteStore) ClaimDueTriggers(ctx context.Context, now time.Time, limit int) ([]*Trigger, error) {
	query := `
		SELECT name
		FROM triggers
		WHERE fired_at IS NULL AND fire_at <= ?
		ORDER BY fire_at ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due triggers: %w", err)
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan trigger name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating due triggers: %w", err)
	}
	rows.Close()

	claimed := []*Trigger{}
	for _, name := range names {
		result, err := s.db.ExecContext(ctx,
			`UPDATE triggers SET fired_at = ? WHERE name = ? AND fired_at IS NULL`,
			now.UnixMilli(), name)
		if err != nil {
			return claimed, fmt.Errorf("failed to claim trigger %s: %w", name, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			continue
		}

		trigger, err := s.GetTrigger(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, trigger)
	}

	return claimed, nil
}

// AppendReport appends a progress report.
func (s *SQLiteStore) AppendReport(ctx context.Context, report *Report) error {
	query := `
		INSERT INTO reports (bearer_token, status, previous_status, error_code, message, resource_model, reported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		report.BearerToken,
		report.Status,
		report.PreviousStatus,
		report.ErrorCode,
		report.Message,
		report.ResourceModel,
		report.ReportedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to append report: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get report ID: %w", err)
	}

	report.ID = id
	return nil
}

// ListReports lists reports in the order they were appended, optionally for one bearer token.
func (s *SQLiteStore) ListReports(ctx context.Context, bearerToken *string, limit, offset int) ([]*Report, error) {
	query := `
		SELECT id, bearer_token, status, previous_status, error_code, message, resource_model, reported_at
		FROM reports
		WHERE (? IS NULL OR bearer_token = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, bearerToken, bearerToken, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []*Report{}
	for rows.Next() {
		report := &Report{}
		var reportedAt int64
		err := rows.Scan(
			&report.ID,
			&report.BearerToken,
			&report.Status,
			&report.PreviousStatus,
			&report.ErrorCode,
			&report.Message,
			&report.ResourceModel,
			&reportedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		report.ReportedAt = time.UnixMilli(reportedAt).UTC()
		reports = append(reports, report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}

	return reports, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	trigger := &Trigger{}
	var fireAt, createdAt int64
	var firedAt sql.NullInt64

	err := row.Scan(
		&trigger.Name,
		&trigger.TargetID,
		&trigger.Target,
		&trigger.BearerToken,
		&trigger.Invocation,
		&trigger.Payload,
		&fireAt,
		&firedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.FireAt = time.UnixMilli(fireAt).UTC()
	trigger.CreatedAt = time.UnixMilli(createdAt).UTC()
	if firedAt.Valid {
		t := time.UnixMilli(firedAt.Int64).UTC()
		trigger.FiredAt = &t
	}

	return trigger, nil
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
