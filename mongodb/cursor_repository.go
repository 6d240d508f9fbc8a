package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pulseline/fitsync/domain"
)

type CursorRepository struct {
	coll *mongo.Collection
}

func NewCursorRepository(db *mongo.Database) domain.CursorRepository {
	return &CursorRepository{coll: db.Collection(CursorsCollection)}
}

func (r *CursorRepository) Get(ctx context.Context, integrationID, dataType string) (*domain.SyncCursor, error) {
	var cursor domain.SyncCursor
	err := r.coll.FindOne(ctx, bson.M{
		"integration_id": integrationID,
		"data_type":      dataType,
	}).Decode(&cursor)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	return &cursor, nil
}

// Advance moves the high-water mark forward using $max, so concurrent
// writers can never move it backwards regardless of ordering.
func (r *CursorRepository) Advance(ctx context.Context, integrationID, dataType string, to time.Time) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"integration_id": integrationID, "data_type": dataType},
		bson.M{
			"$max": bson.M{"high_water_mark": to},
			"$set": bson.M{"updated_at": time.Now().UTC()},
			"$setOnInsert": bson.M{
				"integration_id": integrationID,
				"data_type":      dataType,
			},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}
	return nil
}
