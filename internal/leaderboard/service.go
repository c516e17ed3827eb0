// Package leaderboard accumulates completed-session results into per-period
// ranked aggregates. Application is idempotent per (session, period, bucket):
// a durable processed-once marker makes retried deltas no-ops, and score
// upserts are atomic increments in the store so concurrently finalizing
// engine replicas stay correct.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
	"github.com/victornm/quizparty/internal/event"
	"github.com/victornm/quizparty/internal/telemetry"
)

const (
	publishInterval = 200 * time.Millisecond

	defaultRecomputeInterval = time.Minute
)

// Store is the durable side of the aggregates: the authority the redis
// serving copy can always be rebuilt from.
type Store interface {
	ApplyFinalizeDelta(ctx context.Context, sessionID string, period domain.Period, periodStart time.Time, deltas []domain.PlayerDelta) (bool, error)
	RecomputeRanks(ctx context.Context, period domain.Period, periodStart time.Time) error
	Leaderboard(ctx context.Context, period domain.Period, periodStart time.Time) ([]domain.LeaderboardEntry, error)
}

type Config struct {
	EventBus *event.Bus
	Store    Store
	Redis    redis.UniversalClient
	Prefix   string

	// IncludeCancelled counts a cancelled session's partial scores toward
	// period leaderboards. Off by default.
	IncludeCancelled bool

	RecomputeInterval time.Duration
}

type Service struct {
	eb     *event.Bus
	store  Store
	redis  redis.UniversalClient
	prefix string

	includeCancelled  bool
	recomputeInterval time.Duration

	mu    sync.Mutex
	dirty map[bucket]struct{}

	retry *retryQueue
	sched gocron.Scheduler
}

type bucket struct {
	period domain.Period
	start  int64
}

func NewService(c Config) *Service {
	s := &Service{
		eb:                c.EventBus,
		store:             c.Store,
		redis:             c.Redis,
		prefix:            c.Prefix,
		includeCancelled:  c.IncludeCancelled,
		recomputeInterval: c.RecomputeInterval,
		dirty:             make(map[bucket]struct{}),
	}
	if s.recomputeInterval <= 0 {
		s.recomputeInterval = defaultRecomputeInterval
	}

	s.retry = newRetryQueue(func(ctx context.Context, op applyOp) error {
		return s.Apply(ctx, op.sessionID, op.endTime, op.deltas)
	})

	s.eb.Subscribe("leaderboard", domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventSessionCompleted)
		return s.applyOrRetry(ctx, ev.SessionID, ev.EndTime, ev.Deltas)
	})
	s.eb.Subscribe("leaderboard", domain.EventNameSessionCancelled, func(ctx context.Context, e event.Event) error {
		if !s.includeCancelled {
			return nil
		}
		ev := e.(domain.EventSessionCancelled)
		return s.applyOrRetry(ctx, ev.SessionID, ev.EndTime, ev.Deltas)
	})

	return s
}

// applyOrRetry applies a finalize delta in-line and hands a failed attempt to
// the retry queue, so a transient store outage delays the points instead of
// losing them.
func (s *Service) applyOrRetry(ctx context.Context, sessionID string, endTime time.Time, deltas []domain.PlayerDelta) error {
	err := s.Apply(ctx, sessionID, endTime, deltas)
	if err != nil {
		s.retry.enqueue(applyOp{sessionID: sessionID, endTime: endTime, deltas: deltas})
	}
	return err
}

// Apply folds one session's finalize delta into every tracked period bucket
// containing endTime. The marker and the scores land in one store transaction,
// so a failed bucket stays unmarked and the whole call can be retried: the
// durable marker turns a re-applied bucket into a no-op, never a double count.
func (s *Service) Apply(ctx context.Context, sessionID string, endTime time.Time, deltas []domain.PlayerDelta) error {
	for _, period := range domain.Periods() {
		start := BucketStart(period, endTime)

		applied, err := s.store.ApplyFinalizeDelta(ctx, sessionID, period, start, deltas)
		if err != nil {
			return fmt.Errorf("apply finalize delta: session=%s period=%s: %w", sessionID, period, err)
		}
		if !applied {
			continue
		}

		s.refreshServingCopy(ctx, period, start, deltas)

		telemetry.LeaderboardDeltas.Inc()
		s.markDirty(period, start)

		// Publish throttling is advisory fan-out; a failed refresh never
		// blocks the remaining periods.
		if err := s.schedulePublish(ctx, period, start); err != nil {
			slog.ErrorContext(ctx, "leaderboard: publish refresh failed",
				"session", sessionID,
				"period", period,
				"error", err,
			)
		}
	}

	return nil
}

// refreshServingCopy folds the delta into the redis ZSET. Redis is a serving
// copy rebuilt from the durable store on demand: a failed increment drops the
// bucket key so reads fall back instead of serving a half-updated bucket.
func (s *Service) refreshServingCopy(ctx context.Context, period domain.Period, start time.Time, deltas []domain.PlayerDelta) {
	for _, d := range deltas {
		if err := s.redis.ZIncrBy(ctx, s.bucketKey(period, start), float64(d.Points), d.UserID).Err(); err != nil {
			slog.ErrorContext(ctx, "leaderboard: serving copy update failed, dropping bucket key",
				"period", period,
				"error", err,
			)
			s.redis.Del(ctx, s.bucketKey(period, start))
			return
		}
	}
}

type GetLeaderboardRequest struct {
	Period      domain.Period
	PeriodStart time.Time
}

// GetLeaderboard returns one bucket's ranked entries: score descending,
// user id ascending on ties. Reads the redis serving copy and falls back to
// the durable store when the ZSET is cold.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	start := BucketStart(req.Period, req.PeriodStart)

	res, err := s.redis.ZRevRangeWithScores(ctx, s.bucketKey(req.Period, start), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			UserID:      z.Member.(string),
			Period:      req.Period,
			PeriodStart: start,
			Score:       int64(z.Score),
		})
	}

	if len(entries) == 0 {
		entries, err = s.store.Leaderboard(ctx, req.Period, start)
		if err != nil {
			return nil, err
		}
	}

	if len(entries) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard not found: period=%s start=%s", req.Period, start.Format(time.RFC3339)))
	}

	// Redis orders equal scores by member descending; re-rank here so ties
	// always break by user id ascending.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return &domain.Leaderboard{
		Period:      req.Period,
		PeriodStart: start,
		Entries:     entries,
	}, nil
}

func (s *Service) markDirty(period domain.Period, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty[bucket{period: period, start: start.Unix()}] = struct{}{}
}

// RecomputeDirty rewrites durable ranks for every bucket touched since the
// last run. Rank recomputation is deferred and batched; the redis serving
// copy already orders reads in the meantime.
func (s *Service) RecomputeDirty(ctx context.Context) error {
	s.mu.Lock()
	pending := s.dirty
	s.dirty = make(map[bucket]struct{})
	s.mu.Unlock()

	for b := range pending {
		start := time.Unix(b.start, 0).UTC()
		if err := s.store.RecomputeRanks(ctx, b.period, start); err != nil {
			// Put it back so the next run converges.
			s.markDirty(b.period, start)
			return fmt.Errorf("recompute ranks: period=%s: %w", b.period, err)
		}
	}

	return nil
}

// StartRecompute runs RecomputeDirty on a fixed cadence until Stop.
func (s *Service) StartRecompute() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.recomputeInterval),
		gocron.NewTask(func(ctx context.Context) {
			_ = s.RecomputeDirty(ctx)
		}),
	)
	if err != nil {
		return fmt.Errorf("schedule recompute: %w", err)
	}

	sched.Start()
	s.sched = sched

	return nil
}

// Stop drains queued delta retries, flushes pending rank recomputes and stops
// the job.
func (s *Service) Stop() {
	if s.sched != nil {
		_ = s.sched.Shutdown()
	}

	s.retry.close()
	_ = s.RecomputeDirty(context.Background())
}

// schedulePublish throttles leaderboard.updated events with a SETNX lease so
// a burst of finishing sessions publishes one refresh per interval.
func (s *Service) schedulePublish(ctx context.Context, period domain.Period, start time.Time) error {
	ok, err := s.redis.SetNX(ctx, s.publishKey(period, start), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{Period: period, PeriodStart: start})
	if err != nil {
		return fmt.Errorf("get leaderboard for publish: %w", err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *l})

	return nil
}

func (s *Service) bucketKey(period domain.Period, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d:leaderboard", s.prefix, period, start.Unix())
}

func (s *Service) publishKey(period domain.Period, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d:publish", s.prefix, period, start.Unix())
}
