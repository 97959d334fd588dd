package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-webhooks/schema"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

var (
	spannerEventColumns    = []string{"id", "event_type", "payload", "resource_id", "processed", "processed_at", "locked_at", "locked_by", "created_at"}
	spannerEndpointColumns = []string{"id", "name", "target_url", "secret", "subscribed_events", "is_active", "created_at", "updated_at"}
	spannerLogColumns      = []string{"id", "event_id", "endpoint_id", "status", "attempt_count", "last_attempt_at", "next_retry_at", "response_code", "response_body", "error_message", "created_at", "updated_at"}
)

// SpannerRepository stores webhook state in Cloud Spanner. The
// webhook_delivery_logs table is expected to carry a unique index on
// (event_id, endpoint_id).
type SpannerRepository struct {
	client *spanner.Client
	opts   repoOptions
}

func NewSpannerRepository(client *spanner.Client, opts ...Option) *SpannerRepository {
	return &SpannerRepository{client: client, opts: newOptions(opts)}
}

func (s *SpannerRepository) CreateWebhookEvent(ctx context.Context, event *schema.WebhookEvent) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("webhook_events",
			[]string{"id", "event_type", "payload", "resource_id", "processed", "created_at"},
			[]interface{}{event.ID, event.EventType, string(event.Payload), spannerNullString(event.ResourceID), false, event.CreatedAt.UTC()}),
	})
	return err
}

func (s *SpannerRepository) GetPendingWebhookEvents(ctx context.Context, limit int) ([]schema.WebhookEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, event_type, payload, resource_id, processed, processed_at, locked_at, locked_by, created_at
              FROM webhook_events
              WHERE processed = FALSE AND (locked_at IS NULL OR locked_at < @lockExpiration)
              ORDER BY created_at ASC LIMIT @limit`,
		Params: map[string]interface{}{
			"lockExpiration": s.opts.lockExpiry(s.opts.clock()),
			"limit":          int64(limit),
		},
	}
	return s.queryEvents(ctx, "GetPendingWebhookEvents", stmt)
}

func (s *SpannerRepository) GetRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]schema.WebhookEvent, error) {
	stmt := spanner.Statement{
		SQL: `SELECT e.id, e.event_type, e.payload, e.resource_id, e.processed, e.processed_at, e.locked_at, e.locked_by, e.created_at
              FROM webhook_events e
              WHERE e.processed = TRUE AND (e.locked_at IS NULL OR e.locked_at < @lockExpiration)
              AND EXISTS (SELECT 1 FROM webhook_delivery_logs l
                          WHERE l.event_id = e.id AND l.status = 'pending' AND l.next_retry_at <= @now)
              ORDER BY e.created_at ASC LIMIT @limit`,
		Params: map[string]interface{}{
			"lockExpiration": s.opts.lockExpiry(s.opts.clock()),
			"now":            now.UTC(),
			"limit":          int64(limit),
		},
	}
	return s.queryEvents(ctx, "GetRetryableWebhookEvents", stmt)
}

func (s *SpannerRepository) LockWebhookEvent(ctx context.Context, eventID, workerID string) (*schema.WebhookEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "LockWebhookEvent")
	defer span.End()

	var locked *schema.WebhookEvent
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		locked = nil
		row, err := txn.ReadRow(ctx, "webhook_events", spanner.Key{eventID}, spannerEventColumns)
		if spanner.ErrCode(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}

		event, err := spannerEvent(row)
		if err != nil {
			return err
		}

		now := s.opts.clock()
		if !unlocked(event, s.opts.lockExpiry(now)) {
			return nil
		}

		event.LockedAt = &now
		event.LockedBy = workerID
		locked = event
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Update("webhook_events", []string{"id", "locked_at", "locked_by"}, []interface{}{eventID, now, workerID}),
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return locked, nil
}

func (s *SpannerRepository) UnlockWebhookEvent(ctx context.Context, eventID, workerID string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		_, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE webhook_events SET locked_at = NULL, locked_by = NULL WHERE id = @id AND locked_by = @workerID`,
			Params: map[string]interface{}{
				"id":       eventID,
				"workerID": workerID,
			},
		})
		return err
	})
	return err
}

func (s *SpannerRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		count, err := txn.Update(ctx, spanner.Statement{
			SQL: `UPDATE webhook_events SET processed = TRUE, processed_at = COALESCE(processed_at, @now) WHERE id = @id`,
			Params: map[string]interface{}{
				"now": s.opts.clock(),
				"id":  eventID,
			},
		})
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("webhook event %s: %w", eventID, ErrNotFound)
		}
		return nil
	})
	return err
}

func (s *SpannerRepository) GetActiveWebhookEndpoints(ctx context.Context) ([]schema.WebhookEndpoint, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT id, name, target_url, secret, subscribed_events, is_active, created_at, updated_at
              FROM webhook_endpoints WHERE is_active = TRUE ORDER BY created_at ASC`,
	})
	defer iter.Stop()

	var endpoints []schema.WebhookEndpoint
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		endpoint, err := spannerEndpoint(row)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, *endpoint)
	}
	return endpoints, nil
}

func (s *SpannerRepository) GetWebhookEndpoint(ctx context.Context, id string) (*schema.WebhookEndpoint, error) {
	row, err := s.client.Single().ReadRow(ctx, "webhook_endpoints", spanner.Key{id}, spannerEndpointColumns)
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, fmt.Errorf("webhook endpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return spannerEndpoint(row)
}

// UpsertWebhookEndpoint inserts the endpoint or replaces the stored row with the same id.
func (s *SpannerRepository) UpsertWebhookEndpoint(ctx context.Context, endpoint *schema.WebhookEndpoint) error {
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("webhook_endpoints", spannerEndpointColumns, []interface{}{
			endpoint.ID, endpoint.Name, endpoint.TargetURL, endpoint.Secret, endpoint.SubscribedEvents,
			endpoint.IsActive, endpoint.CreatedAt.UTC(), endpoint.UpdatedAt.UTC(),
		}),
	})
	return err
}

func (s *SpannerRepository) GetWebhookDeliveryLogs(ctx context.Context, eventID string) ([]schema.WebhookDeliveryLog, error) {
	return s.queryLogs(ctx, spanner.Statement{
		SQL: `SELECT id, event_id, endpoint_id, status, attempt_count, last_attempt_at, next_retry_at,
                     response_code, response_body, error_message, created_at, updated_at
              FROM webhook_delivery_logs WHERE event_id = @eventID ORDER BY created_at DESC`,
		Params: map[string]interface{}{"eventID": eventID},
	})
}

func (s *SpannerRepository) GetRecentWebhookDeliveries(ctx context.Context, limit int) ([]schema.WebhookDeliveryLog, error) {
	return s.queryLogs(ctx, spanner.Statement{
		SQL: `SELECT id, event_id, endpoint_id, status, attempt_count, last_attempt_at, next_retry_at,
                     response_code, response_body, error_message, created_at, updated_at
              FROM webhook_delivery_logs ORDER BY created_at DESC LIMIT @limit`,
		Params: map[string]interface{}{"limit": int64(limit)},
	})
}

func (s *SpannerRepository) CreateWebhookDeliveryLog(ctx context.Context, log *schema.WebhookDeliveryLog) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT id FROM webhook_delivery_logs WHERE event_id = @eventID AND endpoint_id = @endpointID LIMIT 1`,
			Params: map[string]interface{}{"eventID": log.EventID, "endpointID": log.EndpointID},
		})
		defer iter.Stop()

		_, err := iter.Next()
		if err == nil {
			return ErrDuplicateDeliveryLog
		}
		if err != iterator.Done {
			return err
		}

		return txn.BufferWrite([]*spanner.Mutation{
			spanner.Insert("webhook_delivery_logs", spannerLogColumns, []interface{}{
				log.ID, log.EventID, log.EndpointID, string(log.Status), int64(log.AttemptCount),
				spannerNullTime(log.LastAttemptAt), spannerNullTime(log.NextRetryAt), spannerNullInt(log.ResponseCode),
				spannerNullStringPtr(log.ResponseBody), spannerNullStringPtr(log.ErrorMessage),
				log.CreatedAt.UTC(), log.UpdatedAt.UTC(),
			}),
		})
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return ErrDuplicateDeliveryLog
	}
	return err
}

func (s *SpannerRepository) UpdateWebhookDeliveryLog(ctx context.Context, id string, update schema.DeliveryLogUpdate) error {
	last := update.LastAttemptAt.UTC()
	_, err := s.client.Apply(ctx, []*spanner.Mutation{
		spanner.Update("webhook_delivery_logs",
			[]string{"id", "status", "attempt_count", "last_attempt_at", "next_retry_at", "response_code", "response_body", "error_message", "updated_at"},
			[]interface{}{
				id, string(update.Status), int64(update.AttemptCount), last, spannerNullTime(update.NextRetryAt),
				spannerNullInt(update.ResponseCode), spannerNullStringPtr(update.ResponseBody), spannerNullStringPtr(update.ErrorMessage), last,
			}),
	})
	if spanner.ErrCode(err) == codes.NotFound {
		return fmt.Errorf("delivery log %s: %w", id, ErrNotFound)
	}
	return err
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) queryEvents(ctx context.Context, spanName string, stmt spanner.Statement) ([]schema.WebhookEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []schema.WebhookEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		event, err := spannerEvent(row)
		if err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		events = append(events, *event)
	}

	addDBStatsToSpan(span, "spanner", stmt.SQL, len(events), time.Since(startTime))
	return events, nil
}

func (s *SpannerRepository) queryLogs(ctx context.Context, stmt spanner.Statement) ([]schema.WebhookDeliveryLog, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var logs []schema.WebhookDeliveryLog
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var (
			log                     schema.WebhookDeliveryLog
			status                  string
			attempts                int64
			lastAttempt, nextRetry  spanner.NullTime
			responseCode            spanner.NullInt64
			responseBody, errorText spanner.NullString
		)
		if err := row.Columns(&log.ID, &log.EventID, &log.EndpointID, &status, &attempts, &lastAttempt, &nextRetry,
			&responseCode, &responseBody, &errorText, &log.CreatedAt, &log.UpdatedAt); err != nil {
			return nil, err
		}

		log.Status = schema.DeliveryStatus(status)
		log.AttemptCount = int(attempts)
		log.LastAttemptAt = spannerTimePtr(lastAttempt)
		log.NextRetryAt = spannerTimePtr(nextRetry)
		if responseCode.Valid {
			code := int(responseCode.Int64)
			log.ResponseCode = &code
		}
		if responseBody.Valid {
			log.ResponseBody = &responseBody.StringVal
		}
		if errorText.Valid {
			log.ErrorMessage = &errorText.StringVal
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func spannerEvent(row *spanner.Row) (*schema.WebhookEvent, error) {
	var (
		event               schema.WebhookEvent
		payload             string
		resourceID          spanner.NullString
		processedAt, locked spanner.NullTime
		lockedBy            spanner.NullString
	)
	if err := row.Columns(&event.ID, &event.EventType, &payload, &resourceID, &event.Processed,
		&processedAt, &locked, &lockedBy, &event.CreatedAt); err != nil {
		return nil, err
	}

	event.Payload = []byte(payload)
	event.ResourceID = resourceID.StringVal
	event.ProcessedAt = spannerTimePtr(processedAt)
	event.LockedAt = spannerTimePtr(locked)
	event.LockedBy = lockedBy.StringVal
	return &event, nil
}

func spannerEndpoint(row *spanner.Row) (*schema.WebhookEndpoint, error) {
	var endpoint schema.WebhookEndpoint
	if err := row.Columns(&endpoint.ID, &endpoint.Name, &endpoint.TargetURL, &endpoint.Secret,
		&endpoint.SubscribedEvents, &endpoint.IsActive, &endpoint.CreatedAt, &endpoint.UpdatedAt); err != nil {
		return nil, err
	}
	return &endpoint, nil
}

func spannerTimePtr(t spanner.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func spannerNullTime(t *time.Time) spanner.NullTime {
	if t == nil {
		return spanner.NullTime{}
	}
	return spanner.NullTime{Time: t.UTC(), Valid: true}
}

func spannerNullInt(v *int) spanner.NullInt64 {
	if v == nil {
		return spanner.NullInt64{}
	}
	return spanner.NullInt64{Int64: int64(*v), Valid: true}
}

func spannerNullString(s string) spanner.NullString {
	return spanner.NullString{StringVal: s, Valid: s != ""}
}

func spannerNullStringPtr(s *string) spanner.NullString {
	if s == nil {
		return spanner.NullString{}
	}
	return spanner.NullString{StringVal: *s, Valid: true}
}
