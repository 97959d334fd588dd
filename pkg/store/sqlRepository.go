package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventColumns    = `id, event_type, payload, resource_id, processed, processed_at, locked_at, locked_by, created_at`
	endpointColumns = `id, name, target_url, secret, subscribed_events, is_active, created_at, updated_at`
	logColumns      = `id, event_id, endpoint_id, status, attempt_count, last_attempt_at, next_retry_at, response_code, response_body, error_message, created_at, updated_at`
)

// SQLRepository stores webhook state in postgres or sqlite through database/sql.
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
	opts    repoOptions
}

func NewSQLRepository(db *sql.DB, dialect Dialect, opts ...Option) *SQLRepository {
	return &SQLRepository{db: db, dialect: dialect, opts: newOptions(opts)}
}

// DB exposes the underlying handle for migrations.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

func (r *SQLRepository) Dialect() Dialect {
	return r.dialect
}

func (r *SQLRepository) CreateWebhookEvent(ctx context.Context, event *schema.WebhookEvent) error {
	return r.withTransaction(ctx, "CreateWebhookEvent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, r.dialect.rebind(
			`INSERT INTO webhook_events (id, event_type, payload, resource_id, processed, created_at)
             VALUES (?, ?, ?, ?, FALSE, ?)`),
			event.ID, event.EventType, string(event.Payload), nullString(event.ResourceID), event.CreatedAt.UTC())
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
}

func (r *SQLRepository) GetPendingWebhookEvents(ctx context.Context, limit int) ([]schema.WebhookEvent, error) {
	var events []schema.WebhookEvent
	err := r.withQuery(ctx, "GetPendingWebhookEvents", func(ctx context.Context) (int, error) {
		rows, err := r.db.QueryContext(ctx, r.dialect.rebind(
			`SELECT `+eventColumns+` FROM webhook_events
             WHERE processed = FALSE AND (locked_at IS NULL OR locked_at < ?)
             ORDER BY created_at ASC LIMIT ?`),
			r.opts.lockExpiry(r.opts.clock()), limit)
		if err != nil {
			return 0, err
		}
		events, err = scanEvents(rows)
		return len(events), err
	})
	return events, err
}

func (r *SQLRepository) GetRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]schema.WebhookEvent, error) {
	var events []schema.WebhookEvent
	err := r.withQuery(ctx, "GetRetryableWebhookEvents", func(ctx context.Context) (int, error) {
		rows, err := r.db.QueryContext(ctx, r.dialect.rebind(
			`SELECT `+eventColumns+` FROM webhook_events e
             WHERE e.processed = TRUE AND (e.locked_at IS NULL OR e.locked_at < ?)
             AND EXISTS (SELECT 1 FROM webhook_delivery_logs l
                         WHERE l.event_id = e.id AND l.status = 'pending' AND l.next_retry_at <= ?)
             ORDER BY e.created_at ASC LIMIT ?`),
			r.opts.lockExpiry(r.opts.clock()), now.UTC(), limit)
		if err != nil {
			return 0, err
		}
		events, err = scanEvents(rows)
		return len(events), err
	})
	return events, err
}

func (r *SQLRepository) LockWebhookEvent(ctx context.Context, eventID, workerID string) (*schema.WebhookEvent, error) {
	var locked *schema.WebhookEvent
	err := r.withTransaction(ctx, "LockWebhookEvent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		now := r.opts.clock()
		row := tx.QueryRowContext(ctx, r.dialect.rebind(
			`UPDATE webhook_events SET locked_at = ?, locked_by = ?
             WHERE id = ? AND (locked_at IS NULL OR locked_at < ?)
             RETURNING `+eventColumns),
			now, workerID, eventID, r.opts.lockExpiry(now))

		event, err := scanEvent(row)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		locked = event
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return locked, nil
}

func (r *SQLRepository) UnlockWebhookEvent(ctx context.Context, eventID, workerID string) error {
	return r.withTransaction(ctx, "UnlockWebhookEvent", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, r.dialect.rebind(
			`UPDATE webhook_events SET locked_at = NULL, locked_by = NULL WHERE id = ? AND locked_by = ?`),
			eventID, workerID)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		return int(n), err
	})
}

func (r *SQLRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	return r.withTransaction(ctx, "MarkWebhookEventProcessed", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, r.dialect.rebind(
			`UPDATE webhook_events SET processed = TRUE, processed_at = COALESCE(processed_at, ?) WHERE id = ?`),
			r.opts.clock(), eventID)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("webhook event %s: %w", eventID, ErrNotFound)
		}
		return int(n), nil
	})
}

func (r *SQLRepository) GetActiveWebhookEndpoints(ctx context.Context) ([]schema.WebhookEndpoint, error) {
	var endpoints []schema.WebhookEndpoint
	err := r.withQuery(ctx, "GetActiveWebhookEndpoints", func(ctx context.Context) (int, error) {
		rows, err := r.db.QueryContext(ctx,
			`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE is_active = TRUE ORDER BY created_at ASC`)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			endpoint, err := scanEndpoint(rows)
			if err != nil {
				return 0, err
			}
			endpoints = append(endpoints, *endpoint)
		}
		return len(endpoints), rows.Err()
	})
	return endpoints, err
}

func (r *SQLRepository) GetWebhookEndpoint(ctx context.Context, id string) (*schema.WebhookEndpoint, error) {
	var endpoint *schema.WebhookEndpoint
	err := r.withQuery(ctx, "GetWebhookEndpoint", func(ctx context.Context) (int, error) {
		row := r.db.QueryRowContext(ctx, r.dialect.rebind(
			`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`), id)
		var err error
		endpoint, err = scanEndpoint(row)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("webhook endpoint %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return endpoint, nil
}

// UpsertWebhookEndpoint inserts the endpoint or replaces the stored row with the same id.
func (r *SQLRepository) UpsertWebhookEndpoint(ctx context.Context, endpoint *schema.WebhookEndpoint) error {
	events, err := json.Marshal(endpoint.SubscribedEvents)
	if err != nil {
		return err
	}

	return r.withTransaction(ctx, "UpsertWebhookEndpoint", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, r.dialect.rebind(
			`INSERT INTO webhook_endpoints (`+endpointColumns+`)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT (id) DO UPDATE SET
                 name = excluded.name,
                 target_url = excluded.target_url,
                 secret = excluded.secret,
                 subscribed_events = excluded.subscribed_events,
                 is_active = excluded.is_active,
                 updated_at = excluded.updated_at`),
			endpoint.ID, endpoint.Name, endpoint.TargetURL, endpoint.Secret, string(events),
			endpoint.IsActive, endpoint.CreatedAt.UTC(), endpoint.UpdatedAt.UTC())
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
}

func (r *SQLRepository) GetWebhookDeliveryLogs(ctx context.Context, eventID string) ([]schema.WebhookDeliveryLog, error) {
	var logs []schema.WebhookDeliveryLog
	err := r.withQuery(ctx, "GetWebhookDeliveryLogs", func(ctx context.Context) (int, error) {
		rows, err := r.db.QueryContext(ctx, r.dialect.rebind(
			`SELECT `+logColumns+` FROM webhook_delivery_logs WHERE event_id = ? ORDER BY created_at DESC`), eventID)
		if err != nil {
			return 0, err
		}
		logs, err = scanLogs(rows)
		return len(logs), err
	})
	return logs, err
}

func (r *SQLRepository) GetRecentWebhookDeliveries(ctx context.Context, limit int) ([]schema.WebhookDeliveryLog, error) {
	var logs []schema.WebhookDeliveryLog
	err := r.withQuery(ctx, "GetRecentWebhookDeliveries", func(ctx context.Context) (int, error) {
		rows, err := r.db.QueryContext(ctx, r.dialect.rebind(
			`SELECT `+logColumns+` FROM webhook_delivery_logs ORDER BY created_at DESC LIMIT ?`), limit)
		if err != nil {
			return 0, err
		}
		logs, err = scanLogs(rows)
		return len(logs), err
	})
	return logs, err
}

func (r *SQLRepository) CreateWebhookDeliveryLog(ctx context.Context, log *schema.WebhookDeliveryLog) error {
	return r.withTransaction(ctx, "CreateWebhookDeliveryLog", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, r.dialect.rebind(
			`INSERT INTO webhook_delivery_logs (`+logColumns+`)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			log.ID, log.EventID, log.EndpointID, string(log.Status), log.AttemptCount,
			nullTime(log.LastAttemptAt), nullTime(log.NextRetryAt), nullInt(log.ResponseCode),
			nullStringPtr(log.ResponseBody), nullStringPtr(log.ErrorMessage),
			log.CreatedAt.UTC(), log.UpdatedAt.UTC())
		if isUniqueViolation(err) {
			return 0, ErrDuplicateDeliveryLog
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
}

func (r *SQLRepository) UpdateWebhookDeliveryLog(ctx context.Context, id string, update schema.DeliveryLogUpdate) error {
	return r.withTransaction(ctx, "UpdateWebhookDeliveryLog", func(ctx context.Context, tx *sql.Tx) (int, error) {
		last := update.LastAttemptAt.UTC()
		res, err := tx.ExecContext(ctx, r.dialect.rebind(
			`UPDATE webhook_delivery_logs SET status = ?, attempt_count = ?, last_attempt_at = ?, next_retry_at = ?,
             response_code = ?, response_body = ?, error_message = ?, updated_at = ? WHERE id = ?`),
			string(update.Status), update.AttemptCount, last, nullTime(update.NextRetryAt),
			nullInt(update.ResponseCode), nullStringPtr(update.ResponseBody), nullStringPtr(update.ErrorMessage),
			last, id)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("delivery log %s: %w", id, ErrNotFound)
		}
		return int(n), nil
	})
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// withTransaction runs fn in its own transaction under a span named after the operation.
func (r *SQLRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	startTime := time.Now()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
		if err != nil {
			recordSpanError(span, err)
		}
	}()

	rowCount, err := fn(ctx, tx)
	if err != nil {
		recordSpanError(span, err)
		return err
	}

	addDBStatsToSpan(span, r.dialect.system(), spanName, rowCount, time.Since(startTime))
	return nil
}

func (r *SQLRepository) withQuery(ctx context.Context, spanName string, fn func(ctx context.Context) (int, error)) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	startTime := time.Now()
	rowCount, err := fn(ctx)
	if err != nil {
		recordSpanError(span, err)
		return err
	}

	addDBStatsToSpan(span, r.dialect.system(), spanName, rowCount, time.Since(startTime))
	return nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
