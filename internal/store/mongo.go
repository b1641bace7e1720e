package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxloop/voxloop/internal/call"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Mongo implements [Store] on a MongoDB collection. One document per Call,
// shard key initiate.caller_phone_number, optimistic concurrency on the
// version field via a conditional replace.
type Mongo struct {
	coll *mongo.Collection
}

// Compile-time interface assertion.
var _ Store = (*Mongo)(nil)

// NewMongo returns a Mongo store over client's database/collection and
// ensures the supporting indexes exist. The collection name encodes the
// schema version; migrations are by rewrite into a new collection.
func NewMongo(ctx context.Context, client *mongo.Client, database, collection string) (*Mongo, error) {
	coll := client.Database(database).Collection(collection)

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "initiate.caller_phone_number", Value: "hashed"}}},
		{Keys: bson.D{{Key: "initiate.caller_phone_number", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("store: create indexes: %w", err)
	}
	return &Mongo{coll: coll}, nil
}

// GetByID implements Store.
func (m *Mongo) GetByID(ctx context.Context, id string) (*call.Call, error) {
	var c call.Call
	err := m.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, classify("get by id", err)
	}
	return &c, nil
}

// GetLast implements Store.
func (m *Mongo) GetLast(ctx context.Context, phoneNumber string) (*call.Call, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var c call.Call
	err := m.coll.FindOne(ctx, bson.D{{Key: "initiate.caller_phone_number", Value: phoneNumber}}, opts).Decode(&c)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, classify("get last", err)
	}
	return &c, nil
}

// ListByPhone implements Store.
func (m *Mongo) ListByPhone(ctx context.Context, phoneNumber string, limit int) ([]*call.Call, error) {
	if limit <= 0 {
		limit = 10
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := m.coll.Find(ctx, bson.D{{Key: "initiate.caller_phone_number", Value: phoneNumber}}, opts)
	if err != nil {
		return nil, classify("list by phone", err)
	}
	defer cur.Close(ctx)

	var calls []*call.Call
	for cur.Next(ctx) {
		var c call.Call
		if err := cur.Decode(&c); err != nil {
			return nil, fmt.Errorf("store: decode call: %w", err)
		}
		calls = append(calls, &c)
	}
	if err := cur.Err(); err != nil {
		return nil, classify("list cursor", err)
	}
	return calls, nil
}

// Save implements Store. The first save of a Call (version 0) is an insert;
// later saves replace the document only when the stored version matches.
func (m *Mongo) Save(ctx context.Context, c *call.Call) error {
	next := *c
	next.Version = c.Version + 1
	next.UpdatedAt = time.Now().UTC()
	if next.UpdatedAt.Before(c.UpdatedAt) {
		next.UpdatedAt = c.UpdatedAt
	}

	if c.Version == 0 {
		if _, err := m.coll.InsertOne(ctx, &next); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrConflict
			}
			return classify("insert", err)
		}
		c.Version = next.Version
		c.UpdatedAt = next.UpdatedAt
		return nil
	}

	filter := bson.D{
		{Key: "_id", Value: c.ID},
		{Key: "version", Value: c.Version},
	}
	res, err := m.coll.ReplaceOne(ctx, filter, &next)
	if err != nil {
		return classify("replace", err)
	}
	if res.MatchedCount == 0 {
		// Either the document vanished or another writer bumped the version.
		// Both surface as a conflict; the caller reloads and re-applies.
		return ErrConflict
	}
	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

// classify maps driver errors to the store taxonomy. Timeouts and network
// errors are transient; everything else is surfaced as-is.
func classify(op string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("store: %s: %w: %w", op, ErrTransient, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
