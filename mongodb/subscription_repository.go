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

type SubscriptionRepository struct {
	coll *mongo.Collection
}

func NewSubscriptionRepository(db *mongo.Database) domain.SubscriptionRepository {
	return &SubscriptionRepository{coll: db.Collection(SubscriptionsCollection)}
}

func (r *SubscriptionRepository) Save(ctx context.Context, sub *domain.WebhookSubscription) error {
	sub.UpdatedAt = time.Now().UTC()
	_, err := r.coll.ReplaceOne(ctx, bson.M{"_id": sub.ID}, sub, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) GetByIntegration(ctx context.Context, integrationID string) (*domain.WebhookSubscription, error) {
	return r.findOne(ctx, bson.M{"integration_id": integrationID})
}

func (r *SubscriptionRepository) GetByProvider(ctx context.Context, provider string) (*domain.WebhookSubscription, error) {
	return r.findOne(ctx, bson.M{"provider": provider, "integration_id": bson.M{"$exists": false}})
}

func (r *SubscriptionRepository) findOne(ctx context.Context, filter bson.M) (*domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	err := r.coll.FindOne(ctx, filter).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

func (r *SubscriptionRepository) ListExpiringBefore(ctx context.Context, t time.Time) ([]*domain.WebhookSubscription, error) {
	cursor, err := r.coll.Find(ctx, bson.M{"expires_at": bson.M{"$lt": t}})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	var results []*domain.WebhookSubscription
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	return results, nil
}

func (r *SubscriptionRepository) IncrementFailedRenewals(ctx context.Context, id string) (int, error) {
	var sub domain.WebhookSubscription
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"failed_renewals": 1},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&sub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count renewal failure: %w", err)
	}
	return sub.FailedRenewals, nil
}

func (r *SubscriptionRepository) ResetFailedRenewals(ctx context.Context, id string) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"failed_renewals": 0, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to reset renewal failures: %w", err)
	}
	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if result.DeletedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
