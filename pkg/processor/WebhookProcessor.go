package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-webhooks/pkg/broker"
	"github.com/zoff-tech/go-webhooks/pkg/config"
	"github.com/zoff-tech/go-webhooks/pkg/delivery"
	"github.com/zoff-tech/go-webhooks/pkg/store"
	"github.com/zoff-tech/go-webhooks/pkg/telemetry"
	"github.com/zoff-tech/go-webhooks/schema"
)

const (
	passNew   = "new"
	passRetry = "retry"

	// maxResponseBody bounds the response excerpt kept on a delivery log.
	maxResponseBody = 500

	errEndpointInactive = "endpoint inactive"
)

// Deliverer sends one signed webhook request.
type Deliverer interface {
	Deliver(ctx context.Context, req delivery.Request) delivery.Result
}

type Option func(*WebhookProcessor)

// WithClock overrides the time source used for attempt timestamps and backoff.
func WithClock(now func() time.Time) Option {
	return func(p *WebhookProcessor) {
		if now != nil {
			p.now = now
		}
	}
}

// WebhookProcessor fans webhook events out to subscribed endpoints.
type WebhookProcessor struct {
	repo            store.WebhookRepository
	dispatcher      Deliverer
	broker          broker.MessageBroker
	tracer          trace.Tracer
	workerID        string
	batchSize       int
	deadLetterTopic string
	now             func() time.Time
}

// NewWebhookProcessor creates a new instance of WebhookProcessor.
func NewWebhookProcessor(repo store.WebhookRepository, dispatcher Deliverer, b broker.MessageBroker, cfg *config.Settings, opts ...Option) *WebhookProcessor {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	p := &WebhookProcessor{
		repo:            repo,
		dispatcher:      dispatcher,
		broker:          b,
		tracer:          otel.Tracer(telemetry.TracerName),
		workerID:        workerID,
		batchSize:       batchSize,
		deadLetterTopic: cfg.DeadLetterTopic,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DefaultWorkerID identifies this process in event locks.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("worker-%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (p *WebhookProcessor) WorkerID() string {
	return p.workerID
}

// ProcessWebhookEvents runs one tick: fan out unprocessed events, then
// re-attempt deliveries whose retry time has come. Per-event and per-endpoint
// failures are logged and recorded; only a failed batch fetch is returned.
func (p *WebhookProcessor) ProcessWebhookEvents(ctx context.Context) error {
	events, err := p.repo.GetPendingWebhookEvents(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("fetching pending webhook events: %w", err)
	}
	for _, event := range events {
		p.processEvent(ctx, event, passNew)
	}

	retryable, err := p.repo.GetRetryableWebhookEvents(ctx, p.now().UTC(), p.batchSize)
	if err != nil {
		return fmt.Errorf("fetching retryable webhook events: %w", err)
	}
	for _, event := range retryable {
		p.processEvent(ctx, event, passRetry)
	}

	return nil
}

func (p *WebhookProcessor) processEvent(ctx context.Context, candidate schema.WebhookEvent, pass string) {
	ctx, span := p.tracer.Start(ctx, "ProcessWebhookEvent", trace.WithAttributes(
		attribute.String("event.id", candidate.ID),
		attribute.String("event.type", candidate.EventType),
		attribute.String("event.pass", pass),
		attribute.String("event.created_at", candidate.CreatedAt.String()),
	))
	defer span.End()

	logger := log.With().Str("event_id", candidate.ID).Str("event_type", candidate.EventType).Str("pass", pass).Logger()

	event, err := p.repo.LockWebhookEvent(ctx, candidate.ID, p.workerID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to lock webhook event")
		recordError(span, err)
		return
	}
	if event == nil {
		logger.Debug().Msg("Webhook event locked by another worker, skipping")
		telemetry.RecordLockContention()
		return
	}
	defer func() {
		// detached so a cancelled tick still releases the lock
		if err := p.repo.UnlockWebhookEvent(context.WithoutCancel(ctx), event.ID, p.workerID); err != nil {
			logger.Warn().Err(err).Msg("Failed to release webhook event lock")
		}
	}()

	endpoints, err := p.repo.GetActiveWebhookEndpoints(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load active webhook endpoints")
		recordError(span, err)
		return
	}

	logs, err := p.repo.GetWebhookDeliveryLogs(ctx, event.ID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load delivery logs")
		recordError(span, err)
		return
	}
	byEndpoint := make(map[string]*schema.WebhookDeliveryLog, len(logs))
	for i := range logs {
		byEndpoint[logs[i].EndpointID] = &logs[i]
	}

	attempted := 0
	served := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		if !delivery.IsSubscribed(endpoint.SubscribedEvents, event.EventType) {
			continue
		}
		served[endpoint.ID] = true

		existing := byEndpoint[endpoint.ID]
		if pass == passRetry && existing == nil {
			continue
		}
		if existing != nil && !dueForAttempt(existing, p.now()) {
			continue
		}

		p.attempt(ctx, event, endpoint, existing)
		attempted++
	}
	span.SetAttributes(attribute.Int("event.attempts", attempted))
	p.retireOrphanedLogs(ctx, logs, served)

	if pass == passNew {
		if err := p.repo.MarkWebhookEventProcessed(ctx, event.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark webhook event as processed")
			recordError(span, err)
			return
		}
	}
	telemetry.RecordEventProcessed(pass)
}

// dueForAttempt reports whether a pair with an existing log should be tried now.
// Delivered and failed logs are terminal.
func dueForAttempt(entry *schema.WebhookDeliveryLog, now time.Time) bool {
	if entry.Status != schema.DeliveryPending {
		return false
	}
	return entry.NextRetryAt == nil || !entry.NextRetryAt.After(now)
}

// retireOrphanedLogs fails due pending logs whose endpoint is no longer
// active or subscribed, taking them out of the retry queue.
func (p *WebhookProcessor) retireOrphanedLogs(ctx context.Context, logs []schema.WebhookDeliveryLog, served map[string]bool) {
	now := p.now().UTC()
	for i := range logs {
		entry := &logs[i]
		if served[entry.EndpointID] || !dueForAttempt(entry, now) {
			continue
		}

		last := now
		if entry.LastAttemptAt != nil {
			last = *entry.LastAttemptAt
		}
		msg := errEndpointInactive
		update := schema.DeliveryLogUpdate{
			Status:        schema.DeliveryFailed,
			AttemptCount:  entry.AttemptCount,
			LastAttemptAt: last,
			ResponseCode:  entry.ResponseCode,
			ResponseBody:  entry.ResponseBody,
			ErrorMessage:  &msg,
		}
		logger := log.With().Str("event_id", entry.EventID).Str("endpoint_id", entry.EndpointID).Logger()
		if err := p.repo.UpdateWebhookDeliveryLog(ctx, entry.ID, update); err != nil {
			logger.Error().Err(err).Str("log_id", entry.ID).Msg("Failed to retire delivery log")
			continue
		}
		logger.Warn().Int("attempt", entry.AttemptCount).Msg("Endpoint no longer receives this event, delivery abandoned")
	}
}

func (p *WebhookProcessor) attempt(ctx context.Context, event *schema.WebhookEvent, endpoint schema.WebhookEndpoint, existing *schema.WebhookDeliveryLog) {
	logger := log.With().Str("event_id", event.ID).Str("endpoint_id", endpoint.ID).Str("event_type", event.EventType).Logger()

	result := p.dispatcher.Deliver(ctx, delivery.Request{
		TargetURL: endpoint.TargetURL,
		Secret:    endpoint.Secret,
		EventType: event.EventType,
		Payload:   event.Payload,
	})

	attemptCount := 1
	if existing != nil {
		attemptCount = existing.AttemptCount + 1
	}

	now := p.now().UTC()
	status, nextRetry := delivery.NextAttempt(result.Success, attemptCount, now)
	update := schema.DeliveryLogUpdate{
		Status:        status,
		AttemptCount:  attemptCount,
		LastAttemptAt: now,
		NextRetryAt:   nextRetry,
	}
	if result.StatusCode != 0 {
		code := result.StatusCode
		update.ResponseCode = &code
	}
	if !result.Success {
		body := delivery.Truncate(result.Error, maxResponseBody)
		msg := result.Error
		update.ResponseBody = &body
		update.ErrorMessage = &msg
	}

	telemetry.RecordDelivery(event.EventType, string(status), result.Success, result.Duration)

	level := zerolog.InfoLevel
	if !result.Success {
		level = zerolog.WarnLevel
	}
	logger.WithLevel(level).
		Func(func(e *zerolog.Event) {
			if !result.Success {
				e.Str("error", result.Error)
			}
		}).
		Int("attempt", attemptCount).Int("status_code", result.StatusCode).Str("status", string(status)).
		Dur("duration", result.Duration).Msg("Webhook delivery attempted")

	if existing == nil {
		entry := &schema.WebhookDeliveryLog{
			ID:         uuid.NewString(),
			EventID:    event.ID,
			EndpointID: endpoint.ID,
			CreatedAt:  now,
		}
		update.Apply(entry)
		if err := p.repo.CreateWebhookDeliveryLog(ctx, entry); err != nil {
			if errors.Is(err, store.ErrDuplicateDeliveryLog) {
				logger.Warn().Msg("Delivery log already recorded by another worker")
				return
			}
			logger.Error().Err(err).Msg("Failed to create delivery log")
			return
		}
	} else {
		if err := p.repo.UpdateWebhookDeliveryLog(ctx, existing.ID, update); err != nil {
			logger.Error().Err(err).Str("log_id", existing.ID).Msg("Failed to update delivery log")
			return
		}
	}

	if status == schema.DeliveryFailed {
		p.publishDeadLetter(ctx, event, endpoint, update)
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
