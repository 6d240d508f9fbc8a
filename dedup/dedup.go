package dedup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pulseline/fitsync/domain"
)

const (
	// Two records describe the same real-world event when their start
	// times are within startWindow and their durations within
	// durationTolerance of each other.
	startWindow       = 60 * time.Second
	durationTolerance = 0.05
)

// Deduplicator resolves the same real-world activity arriving through
// multiple sources. The losing record is flagged non-canonical and
// retained for audit, never deleted.
type Deduplicator struct {
	records domain.RecordRepository
	// priority ranks sources; higher wins. Declared per deployment,
	// e.g. direct-API sources outrank passive relay sources.
	priority map[string]int
}

func New(records domain.RecordRepository, priority map[string]int) *Deduplicator {
	return &Deduplicator{records: records, priority: priority}
}

// Matches reports whether two records describe the same event.
func Matches(a, b *domain.UnifiedRecord) bool {
	if a.UserID != b.UserID || a.Type != b.Type {
		return false
	}
	if a.Source == b.Source {
		return false
	}
	delta := a.StartTime.Sub(b.StartTime)
	if delta < 0 {
		delta = -delta
	}
	if delta > startWindow {
		return false
	}
	if a.Duration <= 0 {
		return false
	}
	diff := math.Abs(float64(a.Duration-b.Duration)) / float64(a.Duration)
	return diff <= durationTolerance
}

// Resolve runs conflict resolution for a freshly ingested record
// against its neighborhood. Deterministic: the winner is the matched
// record from the highest-priority source, ties broken by source name.
func (d *Deduplicator) Resolve(ctx context.Context, rec *domain.UnifiedRecord) error {
	neighbors, err := d.records.FindNear(ctx, rec.UserID, rec.Type, rec.StartTime, startWindow)
	if err != nil {
		return fmt.Errorf("failed to load dedup neighborhood: %w", err)
	}

	group := []*domain.UnifiedRecord{rec}
	for _, n := range neighbors {
		if n.Key() == rec.Key() {
			continue
		}
		if Matches(rec, n) {
			group = append(group, n)
		}
	}
	if len(group) == 1 {
		// No conflict: a lone record is canonical.
		if !rec.Canonical {
			return d.records.SetCanonical(ctx, rec.Key(), true)
		}
		return nil
	}

	winner := group[0]
	for _, candidate := range group[1:] {
		if d.outranks(candidate, winner) {
			winner = candidate
		}
	}

	for _, member := range group {
		canonical := member.Key() == winner.Key()
		if member.Canonical == canonical && member.Key() != rec.Key() {
			continue
		}
		if err := d.records.SetCanonical(ctx, member.Key(), canonical); err != nil {
			return fmt.Errorf("failed to flag record canonicality: %w", err)
		}
	}

	log.Debug().
		Str("user", rec.UserID).
		Str("type", rec.Type).
		Str("winner", winner.Source).
		Int("group_size", len(group)).
		Msg("duplicate records resolved")
	return nil
}

func (d *Deduplicator) outranks(a, b *domain.UnifiedRecord) bool {
	pa, pb := d.priority[a.Source], d.priority[b.Source]
	if pa != pb {
		return pa > pb
	}
	return a.Source < b.Source
}
