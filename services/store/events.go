package main

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// PaymentEvent is one webhook notification as received.
type PaymentEvent struct {
	ID         string         `json:"id" bson:"_id"`
	PaymentID  string         `json:"payment_id" bson:"payment_id"`
	Topic      string         `json:"topic" bson:"topic"`
	Status     string         `json:"status,omitempty" bson:"status,omitempty"`
	OrderID    string         `json:"order_id,omitempty" bson:"order_id,omitempty"`
	Review     string         `json:"review,omitempty" bson:"review,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" bson:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at" bson:"received_at"`
}

// PaymentEventStore is the append-only log of payment notifications.
type PaymentEventStore interface {
	Record(ctx context.Context, event PaymentEvent) error
	List(ctx context.Context, limit int) ([]PaymentEvent, error)
}

// NoopPaymentEventStore is used when no MongoDB is configured.
type NoopPaymentEventStore struct{}

func (NoopPaymentEventStore) Record(context.Context, PaymentEvent) error { return nil }

func (NoopPaymentEventStore) List(context.Context, int) ([]PaymentEvent, error) {
	return []PaymentEvent{}, nil
}

const paymentEventsCollection = "payment_events"

// MongoPaymentEventStore keeps payment events in MongoDB.
type MongoPaymentEventStore struct {
	collection *mongo.Collection
}

func NewMongoPaymentEventStore(db *mongo.Database) *MongoPaymentEventStore {
	return &MongoPaymentEventStore{collection: db.Collection(paymentEventsCollection)}
}

// EnsureIndexes creates the lookup indexes used by the back-office.
func (s *MongoPaymentEventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "received_at", Value: -1}}},
		{Keys: bson.D{{Key: "payment_id", Value: 1}}},
		{Keys: bson.D{{Key: "order_id", Value: 1}}},
	})
	return err
}

func (s *MongoPaymentEventStore) Record(ctx context.Context, event PaymentEvent) error {
	if _, err := s.collection.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("failed to insert payment event: %w", err)
	}
	return nil
}

func (s *MongoPaymentEventStore) List(ctx context.Context, limit int) ([]PaymentEvent, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "received_at", Value: -1}}).
		SetLimit(int64(normalizeLimit(limit)))

	cursor, err := s.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	defer cursor.Close(ctx)

	events := make([]PaymentEvent, 0)
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode payment events: %w", err)
	}
	return events, nil
}

// connectMongo opens a client and verifies it with a ping.
func connectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	return client, nil
}
