package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/pulseline/fitsync/domain"
)

type IntegrationRepository struct {
	coll *mongo.Collection
}

func NewIntegrationRepository(db *mongo.Database) domain.IntegrationRepository {
	return &IntegrationRepository{coll: db.Collection(IntegrationsCollection)}
}

func (r *IntegrationRepository) Create(ctx context.Context, integration *domain.Integration) error {
	_, err := r.coll.InsertOne(ctx, integration)
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*domain.Integration, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *IntegrationRepository) GetByUserProvider(ctx context.Context, userID, provider string) (*domain.Integration, error) {
	return r.findOne(ctx, bson.M{"user_id": userID, "provider": provider})
}

func (r *IntegrationRepository) GetByProviderUserID(ctx context.Context, provider, providerUserID string) (*domain.Integration, error) {
	return r.findOne(ctx, bson.M{"provider": provider, "provider_user_id": providerUserID})
}

func (r *IntegrationRepository) findOne(ctx context.Context, filter bson.M) (*domain.Integration, error) {
	var in domain.Integration
	err := r.coll.FindOne(ctx, filter).Decode(&in)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	return &in, nil
}

func (r *IntegrationRepository) ListConnected(ctx context.Context) ([]*domain.Integration, error) {
	return r.findMany(ctx, bson.M{"status": domain.IntegrationStatusConnected})
}

func (r *IntegrationRepository) ListExpiringBefore(ctx context.Context, t time.Time) ([]*domain.Integration, error) {
	return r.findMany(ctx, bson.M{
		"status":       bson.M{"$in": []domain.IntegrationStatus{domain.IntegrationStatusConnected, domain.IntegrationStatusSyncing}},
		"token_expiry": bson.M{"$lt": t},
	})
}

func (r *IntegrationRepository) findMany(ctx context.Context, filter bson.M) ([]*domain.Integration, error) {
	cursor, err := r.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	var results []*domain.Integration
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode integrations: %w", err)
	}
	return results, nil
}

func (r *IntegrationRepository) UpdateStatus(ctx context.Context, id string, status domain.IntegrationStatus) error {
	result, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"status": status, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to update integration status: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *IntegrationRepository) SetLastSyncedAt(ctx context.Context, id string, t time.Time) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"last_synced_at": t, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to record sync time: %w", err)
	}
	return nil
}

// UpdateTokens is the compare-and-swap write at the heart of single-use
// refresh token safety: the filter pins the token_version the caller
// read, so a racing refresh that already rotated makes this a no-match.
func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiry time.Time) error {
	result, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "token_version": expectedVersion},
		bson.M{
			"$set": bson.M{
				"access_token":  accessToken,
				"refresh_token": refreshToken,
				"token_expiry":  expiry,
				"updated_at":    time.Now().UTC(),
			},
			"$inc": bson.M{"token_version": 1},
		})
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	if result.MatchedCount == 0 {
		// Distinguish a lost CAS race from a missing row.
		count, cerr := r.coll.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return fmt.Errorf("failed to update tokens: %w", cerr)
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return domain.ErrTokenVersionConflict
	}
	return nil
}

func (r *IntegrationRepository) ClearTokens(ctx context.Context, id string) error {
	result, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"access_token":  "",
			"refresh_token": "",
			"status":        domain.IntegrationStatusDisconnected,
			"updated_at":    time.Now().UTC(),
		},
		"$inc": bson.M{"token_version": 1},
	})
	if err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
