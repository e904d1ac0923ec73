package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

type kvDoc struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	Source    string    `bson:"source,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		Key string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *kvDoc `bson:"fullDocument"`
}

// MongoStore keeps one document per key. Change notifications come from a change
// stream, which requires the server to run as a replica set.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	buffer int
	logger *zap.Logger
	owned  bool
}

// NewMongoStore uses db.<prefix>_kv as its collection. The client stays owned by the caller.
func NewMongoStore(db *mongo.Database, opts ...Option) *MongoStore {
	o := buildOptions(opts)
	return &MongoStore{
		client: db.Client(),
		coll:   db.Collection(o.prefix + "_kv"),
		buffer: o.bufferSize,
		logger: o.logger,
	}
}

// OpenMongo connects to uri and uses the named database. Close disconnects the client.
func OpenMongo(ctx context.Context, uri, database string, opts ...Option) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := NewMongoStore(client.Database(database), opts...)
	s.owned = true
	return s, nil
}

func (m *MongoStore) Get(ctx context.Context, key string) (string, bool, error) {
	var doc kvDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mongo get %s: %w", key, err)
	}
	return doc.Value, true, nil
}

func (m *MongoStore) Set(ctx context.Context, key, value string) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value, "source": SourceFrom(ctx), "updatedAt": time.Now().UTC()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo set %s: %w", key, err)
	}
	return nil
}

func (m *MongoStore) Remove(ctx context.Context, key string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("mongo remove %s: %w", key, err)
	}
	return nil
}

// Subscribe opens a change stream on the collection. Deletions carry no source.
func (m *MongoStore) Subscribe(ctx context.Context) (<-chan Event, error) {
	stream, err := m.coll.Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("open change stream: %w", err)
	}

	out := make(chan Event, m.buffer)
	go func() {
		defer func() {
			_ = stream.Close(context.Background())
			close(out)
		}()
		for stream.Next(ctx) {
			var change changeDoc
			if err := stream.Decode(&change); err != nil {
				m.logger.Warn("malformed change event", zap.Error(err))
				continue
			}
			ev, ok := change.event()
			if !ok {
				continue
			}
			select {
			case out <- ev:
			default:
				m.logger.Warn("dropping storage event for slow subscriber", zap.String("key", ev.Key))
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.logger.Warn("change stream stopped", zap.Error(err))
		}
	}()
	return out, nil
}

func (c changeDoc) event() (Event, bool) {
	switch c.OperationType {
	case "insert", "update", "replace":
		if c.FullDocument == nil {
			return Event{}, false
		}
		return Event{Key: c.FullDocument.Key, Value: c.FullDocument.Value, Source: c.FullDocument.Source}, true
	case "delete":
		return Event{Key: c.DocumentKey.Key, Deleted: true}, true
	}
	return Event{}, false
}

func (m *MongoStore) Close() error {
	if !m.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
