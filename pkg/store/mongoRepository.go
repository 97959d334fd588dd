package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-webhooks/schema"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

const (
	eventsCollection    = "webhook_events"
	endpointsCollection = "webhook_endpoints"
	logsCollection      = "webhook_delivery_logs"
)

type MongoRepository struct {
	client   *mongo.Client
	database string
	opts     repoOptions
}

func NewMongoRepository(client *mongo.Client, database string, opts ...Option) *MongoRepository {
	return &MongoRepository{
		client:   client,
		database: database,
		opts:     newOptions(opts),
	}
}

// EnsureIndexes creates the unique (event_id, endpoint_id) index the
// idempotency guarantee relies on, plus lookup indexes.
func (m *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := m.collection(logsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "endpoint_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = m.collection(eventsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "processed", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = m.collection(endpointsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoRepository) CreateWebhookEvent(ctx context.Context, event *schema.WebhookEvent) error {
	_, err := m.collection(eventsCollection).InsertOne(ctx, event)
	return err
}

func (m *MongoRepository) GetPendingWebhookEvents(ctx context.Context, limit int) ([]schema.WebhookEvent, error) {
	filter := bson.M{
		"processed": false,
		"$or":       m.unlockedFilter(),
	}
	return m.findEvents(ctx, "GetPendingWebhookEvents", filter, limit)
}

func (m *MongoRepository) GetRetryableWebhookEvents(ctx context.Context, now time.Time, limit int) ([]schema.WebhookEvent, error) {
	ids, err := m.collection(logsCollection).Distinct(ctx, "event_id", bson.M{
		"status":        schema.DeliveryPending,
		"next_retry_at": bson.M{"$lte": now.UTC()},
	})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	filter := bson.M{
		"id":        bson.M{"$in": ids},
		"processed": true,
		"$or":       m.unlockedFilter(),
	}
	return m.findEvents(ctx, "GetRetryableWebhookEvents", filter, limit)
}

func (m *MongoRepository) LockWebhookEvent(ctx context.Context, eventID, workerID string) (*schema.WebhookEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "LockWebhookEvent")
	defer span.End()

	now := m.opts.clock()
	filter := bson.M{
		"id": eventID,
		"$or": []bson.M{
			{"locked_at": nil},
			{"locked_at": bson.M{"$lt": m.opts.lockExpiry(now)}},
		},
	}
	update := bson.M{"$set": bson.M{"locked_at": now, "locked_by": workerID}}

	var event schema.WebhookEvent
	err := m.collection(eventsCollection).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return &event, nil
}

func (m *MongoRepository) UnlockWebhookEvent(ctx context.Context, eventID, workerID string) error {
	_, err := m.collection(eventsCollection).UpdateOne(ctx,
		bson.M{"id": eventID, "locked_by": workerID},
		bson.M{"$unset": bson.M{"locked_at": "", "locked_by": ""}})
	return err
}

func (m *MongoRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	coll := m.collection(eventsCollection)
	res, err := coll.UpdateOne(ctx,
		bson.M{"id": eventID, "processed": false},
		bson.M{"$set": bson.M{"processed": true, "processed_at": m.opts.clock()}})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	count, err := coll.CountDocuments(ctx, bson.M{"id": eventID})
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("webhook event %s: %w", eventID, ErrNotFound)
	}
	return nil
}

func (m *MongoRepository) GetActiveWebhookEndpoints(ctx context.Context) ([]schema.WebhookEndpoint, error) {
	cursor, err := m.collection(endpointsCollection).Find(ctx,
		bson.M{"is_active": true},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var endpoints []schema.WebhookEndpoint
	if err := cursor.All(ctx, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (m *MongoRepository) GetWebhookEndpoint(ctx context.Context, id string) (*schema.WebhookEndpoint, error) {
	var endpoint schema.WebhookEndpoint
	err := m.collection(endpointsCollection).FindOne(ctx, bson.M{"id": id}).Decode(&endpoint)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("webhook endpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &endpoint, nil
}

// UpsertWebhookEndpoint inserts the endpoint or replaces the stored document with the same id.
func (m *MongoRepository) UpsertWebhookEndpoint(ctx context.Context, endpoint *schema.WebhookEndpoint) error {
	_, err := m.collection(endpointsCollection).ReplaceOne(ctx, bson.M{"id": endpoint.ID}, endpoint,
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoRepository) GetWebhookDeliveryLogs(ctx context.Context, eventID string) ([]schema.WebhookDeliveryLog, error) {
	return m.findLogs(ctx, bson.M{"event_id": eventID}, 0)
}

func (m *MongoRepository) GetRecentWebhookDeliveries(ctx context.Context, limit int) ([]schema.WebhookDeliveryLog, error) {
	return m.findLogs(ctx, bson.M{}, limit)
}

func (m *MongoRepository) CreateWebhookDeliveryLog(ctx context.Context, log *schema.WebhookDeliveryLog) error {
	_, err := m.collection(logsCollection).InsertOne(ctx, log)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateDeliveryLog
	}
	return err
}

func (m *MongoRepository) UpdateWebhookDeliveryLog(ctx context.Context, id string, update schema.DeliveryLogUpdate) error {
	last := update.LastAttemptAt.UTC()
	res, err := m.collection(logsCollection).UpdateOne(ctx, bson.M{"id": id}, bson.M{
		"$set": bson.M{
			"status":          update.Status,
			"attempt_count":   update.AttemptCount,
			"last_attempt_at": last,
			"next_retry_at":   update.NextRetryAt,
			"response_code":   update.ResponseCode,
			"response_body":   update.ResponseBody,
			"error_message":   update.ErrorMessage,
			"updated_at":      last,
		},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("delivery log %s: %w", id, ErrNotFound)
	}
	return nil
}

func (m *MongoRepository) Close() error {
	return m.client.Disconnect(context.Background())
}

func (m *MongoRepository) collection(name string) *mongo.Collection {
	return m.client.Database(m.database).Collection(name)
}

func (m *MongoRepository) unlockedFilter() []bson.M {
	return []bson.M{
		{"locked_at": nil},
		{"locked_at": bson.M{"$lt": m.opts.lockExpiry(m.opts.clock())}},
	}
}

func (m *MongoRepository) findEvents(ctx context.Context, spanName string, filter bson.M, limit int) ([]schema.WebhookEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	startTime := time.Now()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection(eventsCollection).Find(ctx, filter, opts)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []schema.WebhookEvent
	for cursor.Next(ctx) {
		var event schema.WebhookEvent
		if err := cursor.Decode(&event); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		events = append(events, event)
	}
	if err := cursor.Err(); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", spanName, len(events), time.Since(startTime))
	return events, nil
}

func (m *MongoRepository) findLogs(ctx context.Context, filter bson.M, limit int) ([]schema.WebhookDeliveryLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.collection(logsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []schema.WebhookDeliveryLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
