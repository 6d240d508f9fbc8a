package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/pulseline/fitsync/dedup"
	"github.com/pulseline/fitsync/domain"
	syncerrors "github.com/pulseline/fitsync/errors"
	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/ratelimit"
	"github.com/pulseline/fitsync/tokens"
)

// errSyncBusy signals that another worker holds the integration's sync
// lock; the task is rescheduled, not failed.
var errSyncBusy = errors.New("integration sync already running")

type syncMode int

const (
	modeIncremental syncMode = iota
	modeBackfill
	modeTargeted
)

// WorkerParams bundles the worker pool dependencies.
type WorkerParams struct {
	Registry      *providers.Registry
	Tokens        *tokens.Manager
	Limiter       *ratelimit.Limiter
	Integrations  domain.IntegrationRepository
	Records       domain.RecordRepository
	Cursors       domain.CursorRepository
	Subscriptions domain.SubscriptionRepository
	Dedup         *dedup.Deduplicator
	Locker        domain.Locker
	Enqueuer      TaskEnqueuer

	BackfillDays int
	PageSize     int
	MaxPages     int
}

// Worker executes sync tasks. Tasks for different integrations run in
// parallel across the asynq pool; tasks for the same integration are
// serialized through a per-integration lock so token refreshes and
// cursor writes never interleave.
type Worker struct {
	WorkerParams
	now func() time.Time
}

func NewWorker(p WorkerParams) *Worker {
	if p.BackfillDays <= 0 {
		p.BackfillDays = 30
	}
	if p.PageSize <= 0 {
		p.PageSize = 50
	}
	if p.MaxPages <= 0 {
		p.MaxPages = 100
	}
	return &Worker{WorkerParams: p, now: time.Now}
}

// Register wires the worker's handlers into the asynq mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeSyncTargeted, w.HandleTargetedSync)
	mux.HandleFunc(TypeSyncIncremental, w.HandleIncrementalSync)
	mux.HandleFunc(TypeSyncBackfill, w.HandleBackfill)
	mux.HandleFunc(TypeSyncSweep, w.HandleSyncSweep)
	mux.HandleFunc(TypeTokenSweep, w.HandleTokenSweep)
	mux.HandleFunc(TypeSubscriptionRenew, w.HandleSubscriptionRenew)
}

func (w *Worker) HandleTargetedSync(ctx context.Context, task *asynq.Task) error {
	var p TargetedSyncPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal targeted sync payload: %w", err)
	}

	in, err := w.Integrations.GetByID(ctx, p.IntegrationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	if p.Deleted && p.ObjectID != "" {
		// Explicit provider delete: the one case where a unified
		// record is removed.
		key := domain.RecordKey{UserID: in.UserID, Source: in.Provider, OriginalID: p.ObjectID}
		if err := w.Records.Delete(ctx, key); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil
	}

	since := w.now().AddDate(0, 0, -2)
	if p.Date != "" {
		if d, err := time.Parse("2006-01-02", p.Date); err == nil {
			since = d
		}
	}

	outcome, err := w.runSync(ctx, in, p.DataType, modeTargeted, since)
	return w.settle(ctx, task, in, outcome, err)
}

func (w *Worker) HandleIncrementalSync(ctx context.Context, task *asynq.Task) error {
	var p IncrementalSyncPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal incremental sync payload: %w", err)
	}

	in, err := w.Integrations.GetByID(ctx, p.IntegrationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	since := w.now().AddDate(0, 0, -w.BackfillDays)
	if cursor, err := w.Cursors.Get(ctx, in.ID, p.DataType); err == nil && cursor != nil {
		since = cursor.HighWaterMark
	}

	outcome, err := w.runSync(ctx, in, p.DataType, modeIncremental, since)
	return w.settle(ctx, task, in, outcome, err)
}

func (w *Worker) HandleBackfill(ctx context.Context, task *asynq.Task) error {
	var p BackfillSyncPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal backfill payload: %w", err)
	}

	in, err := w.Integrations.GetByID(ctx, p.IntegrationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}

	adapter, err := w.Registry.Get(in.Provider)
	if err != nil {
		return err
	}

	lookback := p.LookbackDays
	if lookback <= 0 {
		lookback = w.BackfillDays
	}
	since := w.now().AddDate(0, 0, -lookback)

	// Backfill covers every data type the provider exposes and
	// paginates the whole window; early exit is disabled.
	for _, dataType := range adapter.DataTypes() {
		outcome, err := w.runSync(ctx, in, dataType, modeBackfill, since)
		if outcome != domain.OutcomeOK {
			return w.settle(ctx, task, in, outcome, err)
		}
	}
	return nil
}

// runSync drives the page loop for one (integration, data type) pair
// under the integration's sync lock.
func (w *Worker) runSync(ctx context.Context, in *domain.Integration, dataType string, mode syncMode, since time.Time) (domain.SyncOutcome, error) {
	if in.Status == domain.IntegrationStatusDisconnected {
		return domain.OutcomeOK, nil
	}
	adapter, err := w.Registry.Get(in.Provider)
	if err != nil {
		return domain.OutcomeTransient, err
	}

	release, ok, err := w.Locker.Acquire(ctx, "sync:"+in.ID, 15*time.Minute)
	if err != nil {
		return domain.OutcomeTransient, syncerrors.NewStorageUnavailable(in.Provider, err)
	}
	if !ok {
		return domain.OutcomeTransient, errSyncBusy
	}
	defer release()

	if err := w.Integrations.UpdateStatus(ctx, in.ID, domain.IntegrationStatusSyncing); err != nil {
		log.Warn().Err(err).Str("integration", in.ID).Msg("failed to mark integration syncing")
	}

	outcome, err := w.pageLoop(ctx, in, adapter, dataType, mode, since)

	final := domain.IntegrationStatusConnected
	if outcome == domain.OutcomeAuthExpired {
		final = domain.IntegrationStatusError
	}
	if uerr := w.Integrations.UpdateStatus(ctx, in.ID, final); uerr != nil {
		log.Warn().Err(uerr).Str("integration", in.ID).Msg("failed to restore integration status")
	}
	if outcome == domain.OutcomeOK {
		if uerr := w.Integrations.SetLastSyncedAt(ctx, in.ID, w.now()); uerr != nil {
			log.Warn().Err(uerr).Str("integration", in.ID).Msg("failed to record last sync time")
		}
	}
	return outcome, err
}

func (w *Worker) pageLoop(ctx context.Context, in *domain.Integration, adapter providers.Adapter, dataType string, mode syncMode, since time.Time) (domain.SyncOutcome, error) {
	earlyExit := mode != modeBackfill
	pageToken := ""
	refreshed := false

	for pages := 0; pages < w.MaxPages; pages++ {
		token, err := w.Tokens.GetValidToken(ctx, in)
		if err != nil {
			return outcomeOf(err), err
		}

		for _, pol := range adapter.RateLimits() {
			if !w.Limiter.Allow(ctx, scopeKey(in, pol), pol.Limit, pol.Window) {
				return domain.OutcomeRateLimited,
					syncerrors.NewRateLimited(in.Provider, pol.Window, fmt.Errorf("local quota %s exhausted", pol.Name))
			}
		}

		page, err := adapter.FetchPage(ctx, token, providers.PageRequest{
			DataType:  dataType,
			Since:     since,
			PageToken: pageToken,
			PageSize:  w.PageSize,
		})
		if err != nil {
			if syncerrors.IsAuthExpired(err) && !refreshed {
				// Exactly one forced refresh-and-retry on a 401.
				refreshed = true
				if _, rerr := w.Tokens.RefreshAfterReject(ctx, in, token); rerr != nil {
					return outcomeOf(rerr), rerr
				}
				pages--
				continue
			}
			return outcomeOf(err), err
		}

		if page.Quota != nil {
			w.Limiter.ObserveAuthoritative(ctx,
				quotaScopeKey(in, adapter, page.Quota.PolicyName),
				page.Quota.Remaining, page.Quota.Reset)
		}

		if len(page.Records) > 0 {
			newest := since
			for _, rec := range page.Records {
				rec.UserID = in.UserID
				if rec.StartTime.After(newest) {
					newest = rec.StartTime
				}
			}

			// One page commits as a unit; the cursor only advances
			// after the page is persisted, so a mid-run crash leaves
			// the cursor consistent with what was actually stored.
			existing, err := w.Records.UpsertPage(ctx, page.Records)
			if err != nil {
				return domain.OutcomeTransient, syncerrors.NewStorageUnavailable(in.Provider, err)
			}
			if err := w.Cursors.Advance(ctx, in.ID, dataType, newest); err != nil {
				return domain.OutcomeTransient, syncerrors.NewStorageUnavailable(in.Provider, err)
			}

			for _, rec := range page.Records {
				if err := w.Dedup.Resolve(ctx, rec); err != nil {
					log.Warn().Err(err).Str("integration", in.ID).
						Str("record", rec.OriginalID).Msg("dedup resolution failed")
				}
			}

			if earlyExit && existing > 0 {
				// Everything older than a known record is already
				// synced; stop paging.
				break
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return domain.OutcomeOK, nil
}

// settle maps a sync outcome onto asynq retry semantics. Rate limits
// reschedule after the window; expired auth drops the task (the user
// must reconnect); transient failures ride asynq's retry backoff.
func (w *Worker) settle(ctx context.Context, task *asynq.Task, in *domain.Integration, outcome domain.SyncOutcome, err error) error {
	if errors.Is(err, errSyncBusy) {
		if rerr := w.Enqueuer.RescheduleIn(ctx, task, time.Minute); rerr != nil {
			return rerr
		}
		return nil
	}
	switch outcome {
	case domain.OutcomeOK:
		return nil
	case domain.OutcomeRateLimited:
		delay := syncerrors.RetryAfterOf(err)
		if delay <= 0 {
			delay = 15 * time.Minute
		}
		log.Info().Str("integration", in.ID).Dur("delay", delay).
			Msg("sync cycle aborted on rate limit, rescheduling")
		if rerr := w.Enqueuer.RescheduleIn(ctx, task, delay); rerr != nil {
			return rerr
		}
		return nil
	case domain.OutcomeAuthExpired:
		log.Info().Str("integration", in.ID).Str("provider", in.Provider).
			Msg("authentication expired, user must reconnect")
		return nil
	default:
		return err
	}
}

func (w *Worker) HandleSyncSweep(ctx context.Context, _ *asynq.Task) error {
	integrations, err := w.Integrations.ListConnected(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connected integrations: %w", err)
	}
	for _, in := range integrations {
		adapter, err := w.Registry.Get(in.Provider)
		if err != nil {
			continue
		}
		for _, dataType := range adapter.DataTypes() {
			payload := &IncrementalSyncPayload{IntegrationID: in.ID, DataType: dataType}
			if err := w.Enqueuer.EnqueueIncrementalSync(ctx, payload); err != nil {
				log.Warn().Err(err).Str("integration", in.ID).
					Str("data_type", dataType).Msg("failed to enqueue incremental sync")
			}
		}
	}
	return nil
}

// HandleTokenSweep proactively refreshes tokens expiring soon, so user
// requests rarely pay the refresh latency.
func (w *Worker) HandleTokenSweep(ctx context.Context, _ *asynq.Task) error {
	expiring, err := w.Integrations.ListExpiringBefore(ctx, w.now().Add(time.Hour))
	if err != nil {
		return fmt.Errorf("failed to list expiring integrations: %w", err)
	}
	for _, in := range expiring {
		if _, err := w.Tokens.GetValidToken(ctx, in); err != nil {
			log.Warn().Err(err).Str("integration", in.ID).
				Msg("proactive token refresh failed")
		}
	}
	return nil
}

const renewalAlertThreshold = 3

func (w *Worker) HandleSubscriptionRenew(ctx context.Context, _ *asynq.Task) error {
	subs, err := w.Subscriptions.ListExpiringBefore(ctx, w.now().Add(24*time.Hour))
	if err != nil {
		return fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	for _, sub := range subs {
		if err := w.renewSubscription(ctx, sub); err != nil {
			failures, ierr := w.Subscriptions.IncrementFailedRenewals(ctx, sub.ID)
			if ierr != nil {
				log.Warn().Err(ierr).Str("subscription", sub.ID).Msg("failed to count renewal failure")
			}
			if failures >= renewalAlertThreshold {
				// Operational alert; normal sync keeps running.
				log.Error().Err(err).Str("subscription", sub.ID).
					Str("provider", sub.Provider).Int("consecutive_failures", failures).
					Msg("webhook subscription renewal failing repeatedly")
			} else {
				log.Warn().Err(err).Str("subscription", sub.ID).Msg("subscription renewal failed")
			}
		}
	}
	return nil
}

func (w *Worker) renewSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	adapter, err := w.Registry.Get(sub.Provider)
	if err != nil {
		return err
	}

	accessToken := ""
	if sub.IntegrationID != "" {
		in, err := w.Integrations.GetByID(ctx, sub.IntegrationID)
		if err != nil {
			return err
		}
		if accessToken, err = w.Tokens.GetValidToken(ctx, in); err != nil {
			return err
		}
	}

	expiry, err := adapter.RenewSubscription(ctx, accessToken, sub.ProviderSubID)
	if err != nil {
		return err
	}
	sub.ExpiresAt = expiry
	if err := w.Subscriptions.Save(ctx, sub); err != nil {
		return err
	}
	return w.Subscriptions.ResetFailedRenewals(ctx, sub.ID)
}

func outcomeOf(err error) domain.SyncOutcome {
	switch syncerrors.KindOf(err) {
	case syncerrors.KindAuthExpired:
		return domain.OutcomeAuthExpired
	case syncerrors.KindRateLimited:
		return domain.OutcomeRateLimited
	default:
		return domain.OutcomeTransient
	}
}

// scopeKey builds the counter key for a policy: app-scoped limits are
// shared across all users of the provider, user-scoped ones are not.
func scopeKey(in *domain.Integration, pol providers.RateLimitPolicy) string {
	if pol.Scope == providers.RateScopeUser {
		return fmt.Sprintf("%s:%s:%s", in.Provider, pol.Name, in.UserID)
	}
	return fmt.Sprintf("%s:%s", in.Provider, pol.Name)
}

func quotaScopeKey(in *domain.Integration, adapter providers.Adapter, policyName string) string {
	for _, pol := range adapter.RateLimits() {
		if pol.Name == policyName {
			return scopeKey(in, pol)
		}
	}
	return fmt.Sprintf("%s:%s", in.Provider, policyName)
}
