package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the repositories rely on. The
// unique (user_id, source, original_id) index is what makes record
// upserts idempotent under concurrent syncs.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		IntegrationsCollection: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "provider_user_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "token_expiry", Value: 1}}},
		},
		RecordsCollection: {
			{
				Keys: bson.D{
					{Key: "user_id", Value: 1},
					{Key: "source", Value: 1},
					{Key: "original_id", Value: 1},
				},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}, {Key: "start_time", Value: 1}}},
		},
		CursorsCollection: {
			{
				Keys:    bson.D{{Key: "integration_id", Value: 1}, {Key: "data_type", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		SubscriptionsCollection: {
			{Keys: bson.D{{Key: "integration_id", Value: 1}}},
			{Keys: bson.D{{Key: "provider", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
	}

	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}
