package domain

import "time"

// SyncCursor is the per (integration, data type) high-water mark.
// It only ever advances; a write with an older timestamp is a no-op.
type SyncCursor struct {
	IntegrationID string    `bson:"integration_id" json:"integration_id"`
	DataType      string    `bson:"data_type" json:"data_type"`
	HighWaterMark time.Time `bson:"high_water_mark" json:"high_water_mark"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}
