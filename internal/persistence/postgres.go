// Package persistence writes durable request accounting to PostgreSQL: spend
// logs for billing and per-deployment health history. The database sits off
// the request path; routing works without it, and writers degrade to dropped
// rows with a warning rather than failed requests.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Config contains PostgreSQL connection settings.
type Config struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// DefaultConfig returns defaults for a local database.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         5432,
		Database:     "lmrelay",
		SSLMode:      "disable",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
		ConnLifetime: 5 * time.Minute,
	}
}

// DB wraps the sql.DB handle with the gateway's writers.
type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects and verifies the database is reachable.
func Open(cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Ping checks connectivity. Readiness wires this in as the "db" component.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Stats exposes connection pool statistics for metrics export.
func (d *DB) Stats() sql.DBStats { return d.db.Stats() }

// Close closes the connection pool.
func (d *DB) Close() error { return d.db.Close() }

// Migrate creates the gateway's tables when they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range []string{
		createSpendLogsTable,
		createHealthHistoryTable,
	} {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const createSpendLogsTable = `
CREATE TABLE IF NOT EXISTS spend_logs (
	id               BIGSERIAL PRIMARY KEY,
	trace_id         TEXT NOT NULL,
	call_type        TEXT NOT NULL,
	model_group      TEXT NOT NULL,
	model            TEXT NOT NULL,
	provider         TEXT NOT NULL,
	deployment_id    TEXT NOT NULL,
	api_user         TEXT,
	prompt_tokens    INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens     INTEGER NOT NULL DEFAULT 0,
	spend            DOUBLE PRECISION NOT NULL DEFAULT 0,
	cache_hit        BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms       BIGINT NOT NULL DEFAULT 0,
	metadata         JSONB,
	started_at       TIMESTAMPTZ NOT NULL,
	completed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spend_logs_trace ON spend_logs (trace_id);
CREATE INDEX IF NOT EXISTS idx_spend_logs_group_time ON spend_logs (model_group, completed_at);`

const createHealthHistoryTable = `
CREATE TABLE IF NOT EXISTS health_history (
	id            BIGSERIAL PRIMARY KEY,
	deployment_id TEXT NOT NULL,
	healthy       BOOLEAN NOT NULL,
	reason        TEXT,
	mode          TEXT NOT NULL,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	checked_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_history_dep_time ON health_history (deployment_id, checked_at);`

// SpendLog is one billing row.
type SpendLog struct {
	TraceID          string
	CallType         string
	ModelGroup       string
	Model            string
	Provider         string
	DeploymentID     string
	User             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Spend            float64
	CacheHit         bool
	LatencyMs        int64
	Metadata         map[string]any
	StartedAt        time.Time
	CompletedAt      time.Time
}

// InsertSpendLog records one completed request.
func (d *DB) InsertSpendLog(ctx context.Context, log *SpendLog) error {
	var metadata any
	if len(log.Metadata) > 0 {
		data, err := json.Marshal(log.Metadata)
		if err == nil {
			metadata = data
		}
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO spend_logs (
			trace_id, call_type, model_group, model, provider, deployment_id,
			api_user, prompt_tokens, completion_tokens, total_tokens, spend,
			cache_hit, latency_ms, metadata, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		log.TraceID, log.CallType, log.ModelGroup, log.Model, log.Provider,
		log.DeploymentID, nullable(log.User), log.PromptTokens, log.CompletionTokens,
		log.TotalTokens, log.Spend, log.CacheHit, log.LatencyMs, metadata,
		log.StartedAt, log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert spend log: %w", err)
	}
	return nil
}

// GroupSpend sums spend for a model group over a window.
func (d *DB) GroupSpend(ctx context.Context, group string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := d.db.QueryRowContext(ctx, `
		SELECT SUM(spend) FROM spend_logs
		WHERE model_group = $1 AND completed_at >= $2`,
		group, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query group spend: %w", err)
	}
	return total.Float64, nil
}

// HealthRecord is one probe outcome row.
type HealthRecord struct {
	DeploymentID string
	Healthy      bool
	Reason       string
	Mode         string
	LatencyMs    int64
	CheckedAt    time.Time
}

// InsertHealthRecord appends one probe outcome to the history.
func (d *DB) InsertHealthRecord(ctx context.Context, rec *HealthRecord) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO health_history (deployment_id, healthy, reason, mode, latency_ms, checked_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.DeploymentID, rec.Healthy, nullable(rec.Reason), rec.Mode, rec.LatencyMs, rec.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert health record: %w", err)
	}
	return nil
}

// HealthHistory returns the most recent probe outcomes for a deployment,
// newest first.
func (d *DB) HealthHistory(ctx context.Context, deploymentID string, limit int) ([]HealthRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT deployment_id, healthy, COALESCE(reason, ''), mode, latency_ms, checked_at
		FROM health_history
		WHERE deployment_id = $1
		ORDER BY checked_at DESC
		LIMIT $2`,
		deploymentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query health history: %w", err)
	}
	defer rows.Close()

	var records []HealthRecord
	for rows.Next() {
		var rec HealthRecord
		if err := rows.Scan(&rec.DeploymentID, &rec.Healthy, &rec.Reason, &rec.Mode, &rec.LatencyMs, &rec.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
