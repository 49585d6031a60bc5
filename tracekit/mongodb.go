package tracekit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// MongoClientOptions returns MongoDB client options with OpenTelemetry instrumentation
func (s *SDK) MongoClientOptions() *options.ClientOptions {
	opts := options.Client()
	opts.Monitor = otelmongo.NewMonitor(
		otelmongo.WithTracerProvider(s.tracerProvider),
	)
	return opts
}

// WrapMongoClient returns client unchanged: it adds no OpenTelemetry
// instrumentation to an existing client. Use MongoClientOptions when
// creating the client to get traced operations.
func (s *SDK) WrapMongoClient(client *mongo.Client) *mongo.Client {
	// MongoDB doesn't support wrapping existing clients well
	// Users should use MongoClientOptions() when creating the client
	return client
}

// mongoSnapshotDocument is the BSON shape MongoAuditStore writes.
type mongoSnapshotDocument struct {
	BreakpointID string    `bson:"breakpointId"`
	ServiceName  string    `bson:"serviceName"`
	Payload      []byte    `bson:"payload"`
	CapturedAt   time.Time `bson:"capturedAt"`
}

// MongoAuditStore implements AuditStore (client.go) over a collection
// on a client built with MongoClientOptions, so writes are traced the
// same way as any other Mongo operation.
type MongoAuditStore struct {
	collection *mongo.Collection
}

// NewMongoAuditStore wraps collection, e.g.
// client.Database("tracekit").Collection("snapshot_audit").
func NewMongoAuditStore(collection *mongo.Collection) *MongoAuditStore {
	return &MongoAuditStore{collection: collection}
}

func (a *MongoAuditStore) Record(ctx context.Context, snap *Snapshot) error {
	payload, err := jsonMarshalSnapshot(snap)
	if err != nil {
		return err
	}

	doc := mongoSnapshotDocument{
		BreakpointID: idKey(snap.BreakpointID),
		ServiceName:  snap.ServiceName,
		Payload:      payload,
		CapturedAt:   snap.CapturedAt,
	}
	_, err = a.collection.InsertOne(ctx, doc)
	return err
}
