// Package mongostore implements the store interfaces on MongoDB. Each
// recipient maps to one capped collection; the acknowledgement mask is
// flipped with a single atomic find-and-update so concurrent
// committers on one channel can never both claim the same record.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xiucall/push/store"
)

// Config for the Mongo store. Defaults can be loaded via envdecode.
type Config struct {
	// URI is the MongoDB connection string. ENV: MONGO_URI
	URI string `env:"MONGO_URI,default=mongodb://localhost:27017"`
	// Database holding the per-recipient collections. ENV: MONGO_DB
	Database string `env:"MONGO_DB,default=messages"`
}

// Store is a MongoDB-backed store.Store.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ store.Store = (*Store)(nil)

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	uri := cfg.URI
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbName := cfg.Database
	if dbName == "" {
		dbName = "messages"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return &Store{client: client, db: client.Database(dbName)}, nil
}

// ConnectFromEnv dials MongoDB using envdecode to populate Config.
func ConnectFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode mongo config: %w", err)
	}
	return Connect(ctx, cfg)
}

func (s *Store) Open(ctx context.Context, recipient string) (store.Log, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": recipient})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	if len(names) == 0 {
		return nil, store.ErrNotFound
	}
	return &Log{coll: s.db.Collection(recipient)}, nil
}

func (s *Store) Create(ctx context.Context, recipient string, cappedSize int64) (store.Log, error) {
	opts := options.CreateCollection().SetCapped(true).SetSizeInBytes(cappedSize)
	if err := s.db.CreateCollection(ctx, recipient, opts); err != nil {
		var cmdErr mongo.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == 48 { // NamespaceExists
			return nil, store.ErrExists
		}
		return nil, fmt.Errorf("create collection %s: %w", recipient, err)
	}
	return &Log{coll: s.db.Collection(recipient)}, nil
}

func (s *Store) Drop(ctx context.Context, recipient string) error {
	if err := s.db.Collection(recipient).Drop(ctx); err != nil {
		return fmt.Errorf("drop collection %s: %w", recipient, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Log is one recipient's capped collection.
type Log struct {
	coll *mongo.Collection
}

var _ store.Log = (*Log)(nil)

type record struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Payload      map[string]any     `bson:"payload"`
	AckMask      int32              `bson:"ackMask"`
	LastModified time.Time          `bson:"lastModified"`
}

func (r *record) export() *store.Record {
	return &store.Record{
		ID:           r.ID.Hex(),
		Payload:      r.Payload,
		AckMask:      uint16(r.AckMask),
		LastModified: r.LastModified,
	}
}

// unackedFilter matches records whose channel bit is still clear.
func unackedFilter(channel uint8) bson.M {
	return bson.M{"ackMask": bson.M{"$bitsAllClear": int32(1) << channel}}
}

// natural returns a sort in capped-collection insertion order.
func natural() bson.D {
	return bson.D{{Key: "$natural", Value: 1}}
}

func (l *Log) Insert(ctx context.Context, payload map[string]any) error {
	_, err := l.coll.InsertOne(ctx, record{
		Payload:      payload,
		AckMask:      0,
		LastModified: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

func (l *Log) OldestUnacked(ctx context.Context, channel uint8) (*store.Record, error) {
	var rec record
	err := l.coll.FindOne(ctx, unackedFilter(channel),
		options.FindOne().SetSort(natural()),
	).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNoRecord
		}
		return nil, fmt.Errorf("find oldest unacked: %w", err)
	}
	return rec.export(), nil
}

func (l *Log) AckOldest(ctx context.Context, channel uint8) (bool, error) {
	update := bson.M{
		"$bit":         bson.M{"ackMask": bson.M{"or": int32(1) << channel}},
		"$currentDate": bson.M{"lastModified": true},
	}
	err := l.coll.FindOneAndUpdate(ctx, unackedFilter(channel), update,
		options.FindOneAndUpdate().SetSort(natural()),
	).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("ack oldest: %w", err)
	}
	return true, nil
}

func (l *Log) Query(ctx context.Context, since time.Time, limit int) ([]store.Record, error) {
	filter := bson.M{}
	if !since.IsZero() {
		filter["lastModified"] = bson.M{"$gte": since}
	}
	opts := options.Find().SetSort(natural())
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := l.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.Record
	for cur.Next(ctx) {
		var rec record
		if err := cur.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, *rec.export())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query cursor: %w", err)
	}
	return out, nil
}

func (l *Log) Drop(ctx context.Context) error {
	if err := l.coll.Drop(ctx); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	return nil
}
