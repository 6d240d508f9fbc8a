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

type RecordRepository struct {
	coll *mongo.Collection
}

func NewRecordRepository(db *mongo.Database) domain.RecordRepository {
	return &RecordRepository{coll: db.Collection(RecordsCollection)}
}

func keyFilter(key domain.RecordKey) bson.M {
	return bson.M{"user_id": key.UserID, "source": key.Source, "original_id": key.OriginalID}
}

// UpsertPage writes one provider page as a single unordered bulk. Data
// fields are overwritten on re-sync; the canonical flag and created_at
// are only set on first insert so dedup decisions survive re-fetches.
// The matched count is the number of records that already existed,
// which is what the incremental early-exit keys on.
func (r *RecordRepository) UpsertPage(ctx context.Context, records []*domain.UnifiedRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(records))
	for _, rec := range records {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(keyFilter(rec.Key())).
			SetUpdate(bson.M{
				"$set": bson.M{
					"type":       rec.Type,
					"start_time": rec.StartTime,
					"duration":   rec.Duration,
					"value":      rec.Value,
					"updated_at": now,
				},
				"$setOnInsert": bson.M{
					"canonical":  true,
					"created_at": now,
				},
			}).
			SetUpsert(true))
	}

	result, err := r.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return 0, fmt.Errorf("failed to upsert record page: %w", err)
	}
	return int(result.MatchedCount), nil
}

func (r *RecordRepository) Get(ctx context.Context, key domain.RecordKey) (*domain.UnifiedRecord, error) {
	var rec domain.UnifiedRecord
	err := r.coll.FindOne(ctx, keyFilter(key)).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	return &rec, nil
}

func (r *RecordRepository) Exists(ctx context.Context, key domain.RecordKey) (bool, error) {
	count, err := r.coll.CountDocuments(ctx, keyFilter(key))
	if err != nil {
		return false, fmt.Errorf("failed to check record existence: %w", err)
	}
	return count > 0, nil
}

func (r *RecordRepository) Delete(ctx context.Context, key domain.RecordKey) error {
	result, err := r.coll.DeleteOne(ctx, keyFilter(key))
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *RecordRepository) FindNear(ctx context.Context, userID, recordType string, t time.Time, window time.Duration) ([]*domain.UnifiedRecord, error) {
	cursor, err := r.coll.Find(ctx, bson.M{
		"user_id": userID,
		"type":    recordType,
		"start_time": bson.M{
			"$gte": t.Add(-window),
			"$lte": t.Add(window),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query record neighborhood: %w", err)
	}
	var results []*domain.UnifiedRecord
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	return results, nil
}

func (r *RecordRepository) SetCanonical(ctx context.Context, key domain.RecordKey, canonical bool) error {
	result, err := r.coll.UpdateOne(ctx, keyFilter(key), bson.M{
		"$set": bson.M{"canonical": canonical, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to flag record: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
