package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_endpoints (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        target_url TEXT NOT NULL,
        secret TEXT NOT NULL,
        subscribed_events JSONB NOT NULL DEFAULT '[]',
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
        id TEXT PRIMARY KEY,
        event_type TEXT NOT NULL,
        payload JSON NOT NULL,
        resource_id TEXT,
        processed BOOLEAN NOT NULL DEFAULT FALSE,
        processed_at TIMESTAMPTZ,
        locked_at TIMESTAMPTZ,
        locked_by TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,
	`CREATE INDEX IF NOT EXISTS webhook_events_pending_idx ON webhook_events (processed, created_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
        id TEXT PRIMARY KEY,
        event_id TEXT NOT NULL REFERENCES webhook_events (id),
        endpoint_id TEXT NOT NULL REFERENCES webhook_endpoints (id),
        status TEXT NOT NULL,
        attempt_count INTEGER NOT NULL DEFAULT 0,
        last_attempt_at TIMESTAMPTZ,
        next_retry_at TIMESTAMPTZ,
        response_code INTEGER,
        response_body TEXT,
        error_message TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (event_id, endpoint_id)
    )`,
	`CREATE INDEX IF NOT EXISTS webhook_delivery_logs_retry_idx ON webhook_delivery_logs (status, next_retry_at)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS webhook_endpoints (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        target_url TEXT NOT NULL,
        secret TEXT NOT NULL,
        subscribed_events TEXT NOT NULL DEFAULT '[]',
        is_active BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL
    )`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
        id TEXT PRIMARY KEY,
        event_type TEXT NOT NULL,
        payload TEXT NOT NULL,
        resource_id TEXT,
        processed BOOLEAN NOT NULL DEFAULT FALSE,
        processed_at TIMESTAMP,
        locked_at TIMESTAMP,
        locked_by TEXT,
        created_at TIMESTAMP NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS webhook_events_pending_idx ON webhook_events (processed, created_at)`,
	`CREATE TABLE IF NOT EXISTS webhook_delivery_logs (
        id TEXT PRIMARY KEY,
        event_id TEXT NOT NULL REFERENCES webhook_events (id),
        endpoint_id TEXT NOT NULL REFERENCES webhook_endpoints (id),
        status TEXT NOT NULL,
        attempt_count INTEGER NOT NULL DEFAULT 0,
        last_attempt_at TIMESTAMP,
        next_retry_at TIMESTAMP,
        response_code INTEGER,
        response_body TEXT,
        error_message TEXT,
        created_at TIMESTAMP NOT NULL,
        updated_at TIMESTAMP NOT NULL,
        UNIQUE (event_id, endpoint_id)
    )`,
	`CREATE INDEX IF NOT EXISTS webhook_delivery_logs_retry_idx ON webhook_delivery_logs (status, next_retry_at)`,
}

// Migrate creates the webhook tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Migrate")
	defer span.End()

	var statements []string
	switch dialect {
	case DialectPostgres:
		statements = postgresSchema
	case DialectSQLite:
		statements = sqliteSchema
	default:
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			recordSpanError(span, err)
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
