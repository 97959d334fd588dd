package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*schema.WebhookEvent, error) {
	var (
		event       schema.WebhookEvent
		payload     []byte
		resourceID  sql.NullString
		processedAt sql.NullTime
		lockedAt    sql.NullTime
		lockedBy    sql.NullString
	)
	if err := row.Scan(&event.ID, &event.EventType, &payload, &resourceID, &event.Processed,
		&processedAt, &lockedAt, &lockedBy, &event.CreatedAt); err != nil {
		return nil, err
	}

	event.Payload = json.RawMessage(payload)
	event.ResourceID = resourceID.String
	event.ProcessedAt = timePtr(processedAt)
	event.LockedAt = timePtr(lockedAt)
	event.LockedBy = lockedBy.String
	event.CreatedAt = event.CreatedAt.UTC()
	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]schema.WebhookEvent, error) {
	defer rows.Close()

	var events []schema.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanEndpoint(row scanner) (*schema.WebhookEndpoint, error) {
	var (
		endpoint schema.WebhookEndpoint
		events   []byte
	)
	if err := row.Scan(&endpoint.ID, &endpoint.Name, &endpoint.TargetURL, &endpoint.Secret, &events,
		&endpoint.IsActive, &endpoint.CreatedAt, &endpoint.UpdatedAt); err != nil {
		return nil, err
	}

	if len(events) > 0 {
		if err := json.Unmarshal(events, &endpoint.SubscribedEvents); err != nil {
			return nil, err
		}
	}
	endpoint.CreatedAt = endpoint.CreatedAt.UTC()
	endpoint.UpdatedAt = endpoint.UpdatedAt.UTC()
	return &endpoint, nil
}

func scanLogs(rows *sql.Rows) ([]schema.WebhookDeliveryLog, error) {
	defer rows.Close()

	var logs []schema.WebhookDeliveryLog
	for rows.Next() {
		var (
			log          schema.WebhookDeliveryLog
			status       string
			lastAttempt  sql.NullTime
			nextRetry    sql.NullTime
			responseCode sql.NullInt64
			responseBody sql.NullString
			errorMessage sql.NullString
		)
		if err := rows.Scan(&log.ID, &log.EventID, &log.EndpointID, &status, &log.AttemptCount,
			&lastAttempt, &nextRetry, &responseCode, &responseBody, &errorMessage,
			&log.CreatedAt, &log.UpdatedAt); err != nil {
			return nil, err
		}

		log.Status = schema.DeliveryStatus(status)
		log.LastAttemptAt = timePtr(lastAttempt)
		log.NextRetryAt = timePtr(nextRetry)
		if responseCode.Valid {
			code := int(responseCode.Int64)
			log.ResponseCode = &code
		}
		if responseBody.Valid {
			log.ResponseBody = &responseBody.String
		}
		if errorMessage.Valid {
			log.ErrorMessage = &errorMessage.String
		}
		log.CreatedAt = log.CreatedAt.UTC()
		log.UpdatedAt = log.UpdatedAt.UTC()
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
