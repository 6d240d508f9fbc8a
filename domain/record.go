package domain

import "time"

// UnifiedRecord is the canonical event/metric row produced by provider
// adapters. Unique on (UserID, Source, OriginalID); upsert-only. Rows
// are removed only on an explicit provider delete event.
type UnifiedRecord struct {
	UserID     string         `bson:"user_id" json:"user_id"`
	Source     string         `bson:"source" json:"source"`
	OriginalID string         `bson:"original_id" json:"original_id"`
	Type       string         `bson:"type" json:"type"`
	StartTime  time.Time      `bson:"start_time" json:"start_time"`
	Duration   time.Duration  `bson:"duration" json:"duration"`
	Value      map[string]any `bson:"value,omitempty" json:"value,omitempty"`
	Canonical  bool           `bson:"canonical" json:"canonical"`
	CreatedAt  time.Time      `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `bson:"updated_at" json:"updated_at"`
}

// Key identifies a record within its uniqueness constraint.
type RecordKey struct {
	UserID     string
	Source     string
	OriginalID string
}

func (r *UnifiedRecord) Key() RecordKey {
	return RecordKey{UserID: r.UserID, Source: r.Source, OriginalID: r.OriginalID}
}
