package mongodb

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	IntegrationsCollection  = "integrations"
	RecordsCollection       = "unified_records"
	CursorsCollection       = "sync_cursors"
	SubscriptionsCollection = "webhook_subscriptions"
)

// Connect opens the MongoDB client and verifies the connection with a
// ping before returning the database handle.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	opts := options.Client().ApplyURI(uri).SetConnectTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}

	log.Info().Str("database", dbName).Msg("connected to MongoDB")
	return client, client.Database(dbName), nil
}

// Ping verifies the connection for health checks.
func Ping(ctx context.Context, client *mongo.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client on shutdown.
func Close(ctx context.Context, client *mongo.Client) {
	if err := client.Disconnect(ctx); err != nil {
		log.Error().Err(err).Msg("error closing MongoDB connection")
	}
}
