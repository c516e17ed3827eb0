package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/victornm/quizparty/internal/domain"
)

// ApplyFinalizeDelta folds one session's finalize delta into a period bucket.
// The processed-once marker and the score upserts commit in a single
// transaction: either the whole delta lands or none of it does, so a failed
// attempt can be retried without double counting. Returns false when the
// marker already exists. The upserts are atomic increments in the store, so
// concurrently finalizing engine replicas never clobber each other's writes.
func (s *Store) ApplyFinalizeDelta(ctx context.Context, sessionID string, period domain.Period, periodStart time.Time, deltas []domain.PlayerDelta) (applied bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const markStmt = `
INSERT INTO leaderboard_applied (session_id, period, period_start)
VALUES ($1, $2, $3)
ON CONFLICT (session_id, period, period_start) DO NOTHING;`

	tag, err := tx.Exec(ctx, markStmt, sessionID, string(period), periodStart)
	if err != nil {
		return false, fmt.Errorf("mark applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	const upsertStmt = `
INSERT INTO leaderboard_entries (user_id, period, period_start, score, rank)
VALUES ($1, $2, $3, $4, 0)
ON CONFLICT (user_id, period, period_start)
DO UPDATE SET score = leaderboard_entries.score + EXCLUDED.score;`

	for _, d := range deltas {
		if _, err = tx.Exec(ctx, upsertStmt, d.UserID, string(period), periodStart, d.Points); err != nil {
			return false, fmt.Errorf("apply delta for %s: %w", d.UserID, err)
		}
	}

	return true, tx.Commit(ctx)
}

// RecomputeRanks rewrites the rank column for one bucket: score descending,
// user id ascending on ties.
func (s *Store) RecomputeRanks(ctx context.Context, period domain.Period, periodStart time.Time) error {
	const stmt = `
UPDATE leaderboard_entries e
SET rank = ranked.new_rank
FROM (
	SELECT user_id, ROW_NUMBER() OVER (ORDER BY score DESC, user_id ASC) AS new_rank
	FROM leaderboard_entries
	WHERE period = $1 AND period_start = $2
) ranked
WHERE e.period = $1 AND e.period_start = $2 AND e.user_id = ranked.user_id;`

	if _, err := s.db.Exec(ctx, stmt, string(period), periodStart); err != nil {
		return fmt.Errorf("recompute ranks: %w", err)
	}

	return nil
}

// Leaderboard reads one bucket's durable ranked entries.
func (s *Store) Leaderboard(ctx context.Context, period domain.Period, periodStart time.Time) ([]domain.LeaderboardEntry, error) {
	const stmt = `
SELECT user_id, score, rank
FROM leaderboard_entries
WHERE period = $1 AND period_start = $2
ORDER BY score DESC, user_id ASC;`

	rows, err := s.db.Query(ctx, stmt, string(period), periodStart)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.LeaderboardEntry, error) {
		e := domain.LeaderboardEntry{Period: period, PeriodStart: periodStart}
		if err := r.Scan(&e.UserID, &e.Score, &e.Rank); err != nil {
			return domain.LeaderboardEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}
