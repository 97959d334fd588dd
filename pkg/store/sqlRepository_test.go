package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-webhooks/schema"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockRepository(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewSQLRepository(db, DialectPostgres, WithClock(func() time.Time { return fixedNow }))
	return repo, mock
}

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "event_type", "payload", "resource_id", "processed", "processed_at", "locked_at", "locked_by", "created_at"})
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", DialectPostgres.rebind("SELECT 1 WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1 WHERE a = ?", DialectSQLite.rebind("SELECT 1 WHERE a = ?"))
}

func TestCreateWebhookEvent(t *testing.T) {
	repo, mock := newMockRepository(t)
	event := &schema.WebhookEvent{
		ID:         "evt-1",
		EventType:  schema.EventFundedDealCreated,
		Payload:    json.RawMessage(`{"event":"fundedDeal.created"}`),
		ResourceID: "deal-1",
		CreatedAt:  fixedNow,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO webhook_events \(id, event_type, payload, resource_id, processed, created_at\) VALUES \(\$1, \$2, \$3, \$4, FALSE, \$5\)`).
		WithArgs("evt-1", schema.EventFundedDealCreated, `{"event":"fundedDeal.created"}`, "deal-1", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.CreateWebhookEvent(context.Background(), event)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingWebhookEvents(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := eventRows().
		AddRow("evt-1", schema.EventFundedDealCreated, []byte(`{"a":1}`), "deal-1", false, nil, nil, nil, fixedNow.Add(-2*time.Minute)).
		AddRow("evt-2", schema.EventFundedDealUpdated, []byte(`{"a":2}`), nil, false, nil, nil, nil, fixedNow.Add(-time.Minute))

	mock.ExpectQuery(`SELECT id, event_type, payload, resource_id, processed, processed_at, locked_at, locked_by, created_at FROM webhook_events WHERE processed = FALSE AND \(locked_at IS NULL OR locked_at < \$1\) ORDER BY created_at ASC LIMIT \$2`).
		WithArgs(fixedNow.Add(-defaultLockTimeout), 10).
		WillReturnRows(rows)

	events, err := repo.GetPendingWebhookEvents(context.Background(), 10)
	assert.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, "deal-1", events[0].ResourceID)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Payload))
	assert.Equal(t, "evt-2", events[1].ID)
	assert.Empty(t, events[1].ResourceID)
	assert.Nil(t, events[1].LockedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRetryableWebhookEvents(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := eventRows().
		AddRow("evt-1", schema.EventFundedDealCreated, []byte(`{}`), nil, true, fixedNow.Add(-time.Hour), nil, nil, fixedNow.Add(-time.Hour))

	mock.ExpectQuery(`FROM webhook_events e WHERE e.processed = TRUE AND \(e.locked_at IS NULL OR e.locked_at < \$1\) AND EXISTS \(SELECT 1 FROM webhook_delivery_logs l WHERE l.event_id = e.id AND l.status = 'pending' AND l.next_retry_at <= \$2\)`).
		WithArgs(fixedNow.Add(-defaultLockTimeout), fixedNow, 5).
		WillReturnRows(rows)

	events, err := repo.GetRetryableWebhookEvents(context.Background(), fixedNow, 5)
	assert.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Processed)
	require.NotNil(t, events[0].ProcessedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockWebhookEvent(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := eventRows().
		AddRow("evt-1", schema.EventFundedDealCreated, []byte(`{}`), nil, false, nil, fixedNow, "worker-a", fixedNow.Add(-time.Minute))

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE webhook_events SET locked_at = \$1, locked_by = \$2 WHERE id = \$3 AND \(locked_at IS NULL OR locked_at < \$4\) RETURNING`).
		WithArgs(fixedNow, "worker-a", "evt-1", fixedNow.Add(-defaultLockTimeout)).
		WillReturnRows(rows)
	mock.ExpectCommit()

	event, err := repo.LockWebhookEvent(context.Background(), "evt-1", "worker-a")
	assert.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "worker-a", event.LockedBy)
	require.NotNil(t, event.LockedAt)
	assert.True(t, fixedNow.Equal(*event.LockedAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockWebhookEvent_HeldByAnotherWorker(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE webhook_events SET locked_at = \$1, locked_by = \$2`).
		WithArgs(fixedNow, "worker-b", "evt-1", fixedNow.Add(-defaultLockTimeout)).
		WillReturnRows(eventRows())
	mock.ExpectCommit()

	event, err := repo.LockWebhookEvent(context.Background(), "evt-1", "worker-b")
	assert.NoError(t, err)
	assert.Nil(t, event)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnlockWebhookEvent(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE webhook_events SET locked_at = NULL, locked_by = NULL WHERE id = \$1 AND locked_by = \$2`).
		WithArgs("evt-1", "worker-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.UnlockWebhookEvent(context.Background(), "evt-1", "worker-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkWebhookEventProcessed(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE webhook_events SET processed = TRUE, processed_at = COALESCE\(processed_at, \$1\) WHERE id = \$2`).
		WithArgs(fixedNow, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.MarkWebhookEventProcessed(context.Background(), "evt-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkWebhookEventProcessed_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE webhook_events SET processed = TRUE`).
		WithArgs(fixedNow, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.MarkWebhookEventProcessed(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveWebhookEndpoints(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := sqlmock.NewRows([]string{"id", "name", "target_url", "secret", "subscribed_events", "is_active", "created_at", "updated_at"}).
		AddRow("ep-1", "CRM", "https://crm.example.com/hook", "s3cret", []byte(`["fundedDeal.*"]`), true, fixedNow, fixedNow)

	mock.ExpectQuery(`SELECT id, name, target_url, secret, subscribed_events, is_active, created_at, updated_at FROM webhook_endpoints WHERE is_active = TRUE`).
		WillReturnRows(rows)

	endpoints, err := repo.GetActiveWebhookEndpoints(context.Background())
	assert.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, []string{"fundedDeal.*"}, endpoints[0].SubscribedEvents)
	assert.Equal(t, "s3cret", endpoints[0].Secret)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWebhookEndpoint_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`FROM webhook_endpoints WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	endpoint, err := repo.GetWebhookEndpoint(context.Background(), "missing")
	assert.Nil(t, endpoint)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWebhookDeliveryLog(t *testing.T) {
	repo, mock := newMockRepository(t)
	code := 200
	next := fixedNow.Add(time.Minute)
	log := &schema.WebhookDeliveryLog{
		ID: "log-1", EventID: "evt-1", EndpointID: "ep-1", Status: schema.DeliveryPending, AttemptCount: 1,
		LastAttemptAt: &fixedNow, NextRetryAt: &next, ResponseCode: &code, CreatedAt: fixedNow, UpdatedAt: fixedNow,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO webhook_delivery_logs`).
		WithArgs("log-1", "evt-1", "ep-1", "pending", 1, fixedNow, next, int64(200), nil, nil, fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.CreateWebhookDeliveryLog(context.Background(), log))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWebhookDeliveryLog_Duplicate(t *testing.T) {
	repo, mock := newMockRepository(t)
	log := &schema.WebhookDeliveryLog{ID: "log-2", EventID: "evt-1", EndpointID: "ep-1", Status: schema.DeliveryDelivered, AttemptCount: 1}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO webhook_delivery_logs`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	err := repo.CreateWebhookDeliveryLog(context.Background(), log)
	assert.ErrorIs(t, err, ErrDuplicateDeliveryLog)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWebhookDeliveryLog(t *testing.T) {
	repo, mock := newMockRepository(t)
	msg := "HTTP 500"
	update := schema.DeliveryLogUpdate{
		Status: schema.DeliveryFailed, AttemptCount: 5, LastAttemptAt: fixedNow, ErrorMessage: &msg,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE webhook_delivery_logs SET status = \$1, attempt_count = \$2, last_attempt_at = \$3, next_retry_at = \$4, response_code = \$5, response_body = \$6, error_message = \$7, updated_at = \$8 WHERE id = \$9`).
		WithArgs("failed", 5, fixedNow, nil, nil, nil, "HTTP 500", fixedNow, "log-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.UpdateWebhookDeliveryLog(context.Background(), "log-1", update))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateWebhookDeliveryLog_NotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE webhook_delivery_logs SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.UpdateWebhookDeliveryLog(context.Background(), "missing", schema.DeliveryLogUpdate{LastAttemptAt: fixedNow})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWebhookDeliveryLogs(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := sqlmock.NewRows([]string{"id", "event_id", "endpoint_id", "status", "attempt_count", "last_attempt_at", "next_retry_at", "response_code", "response_body", "error_message", "created_at", "updated_at"}).
		AddRow("log-1", "evt-1", "ep-1", "pending", 2, fixedNow, fixedNow.Add(5*time.Minute), int64(503), "unavailable", "HTTP 503", fixedNow, fixedNow).
		AddRow("log-2", "evt-1", "ep-2", "delivered", 1, fixedNow, nil, int64(200), nil, nil, fixedNow, fixedNow)

	mock.ExpectQuery(`FROM webhook_delivery_logs WHERE event_id = \$1 ORDER BY created_at DESC`).
		WithArgs("evt-1").
		WillReturnRows(rows)

	logs, err := repo.GetWebhookDeliveryLogs(context.Background(), "evt-1")
	assert.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, schema.DeliveryPending, logs[0].Status)
	require.NotNil(t, logs[0].ResponseCode)
	assert.Equal(t, 503, *logs[0].ResponseCode)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Equal(t, "HTTP 503", *logs[0].ErrorMessage)
	assert.Nil(t, logs[1].NextRetryAt)
	assert.Nil(t, logs[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}
