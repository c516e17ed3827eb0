// Package store is the persistence gateway: the engine reads question sets
// through it and writes sessions, responses and leaderboard rows back. The
// in-memory session state stays authoritative until a round closes; writes
// here are off the round-timing path.
package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
)

const codeUniqueViolation = "23505"

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

func New(c Config) *Store {
	return &Store{db: c.DB}
}

// QuestionSet loads up to count questions with their answers for a category.
// A question with zero or multiple correct answers is a configuration error
// and fails the whole load, so a broken set can never reach a session.
func (s *Store) QuestionSet(ctx context.Context, categoryID string, count int) ([]domain.Question, error) {
	const stmt = `
SELECT q.question_id, q.question_text, a.answer_id, a.answer_text, a.is_correct
FROM (
	SELECT question_id, question_text
	FROM questions
	WHERE category_id = $1
	ORDER BY random()
	LIMIT $2
) q
JOIN answers a ON a.question_id = q.question_id
ORDER BY q.question_id;`

	rows, err := s.db.Query(ctx, stmt, categoryID, count)
	if err != nil {
		return nil, fmt.Errorf("query question set: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Question)
	var order []string
	for rows.Next() {
		var (
			qID, qText string
			a          domain.Answer
		)
		if err := rows.Scan(&qID, &qText, &a.AnswerID, &a.Text, &a.IsCorrect); err != nil {
			return nil, fmt.Errorf("scan question set: %w", err)
		}

		q, ok := byID[qID]
		if !ok {
			q = &domain.Question{QuestionID: qID, CategoryID: categoryID, Text: qText}
			byID[qID] = q
			order = append(order, qID)
		}
		q.Answers = append(q.Answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read question set: %w", err)
	}

	questions := make([]domain.Question, 0, len(order))
	for _, id := range order {
		q := byID[id]
		if _, ok := q.CorrectAnswerID(); !ok {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("question %s does not have exactly one correct answer", id))
		}
		questions = append(questions, *q)
	}

	return questions, nil
}

// CreateSession inserts the session row and its ordered question list. A
// game-code collision surfaces as AlreadyExists so the registry can retry
// with a fresh code.
func (s *Store) CreateSession(ctx context.Context, ss domain.GameSession) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const (
		insSessionStmt = `
INSERT INTO game_sessions (session_id, game_code, host_id, category_id, status, max_players, time_per_question_ms, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`
		insQuestionStmt = `INSERT INTO session_questions (session_id, question_index, question_id) VALUES ($1, $2, $3);`
	)

	_, err = tx.Exec(ctx, insSessionStmt,
		ss.SessionID, ss.GameCode, ss.HostID, ss.CategoryID, string(ss.State),
		ss.MaxPlayers, ss.TimePerQuestion.Milliseconds(), ss.CreateTime)
	if isUniqueViolation(err) {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("game code %s is taken", ss.GameCode),
			errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, q := range ss.QuestionIDs { // TODO: batch insert
		_, err = tx.Exec(ctx, insQuestionStmt, ss.SessionID, i, q)
		if err != nil {
			return fmt.Errorf("insert session question: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// AddPlayer inserts a (session, user) membership. A duplicate join surfaces
// as AlreadyExists.
func (s *Store) AddPlayer(ctx context.Context, p domain.GamePlayer) error {
	const stmt = `
INSERT INTO game_players (player_id, session_id, user_id, score, joined_at)
VALUES ($1, $2, $3, $4, $5);`

	_, err := s.db.Exec(ctx, stmt, p.PlayerID, p.SessionID, p.UserID, p.Score, p.JoinedAt)
	if isUniqueViolation(err) {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("user %s already joined session %s", p.UserID, p.SessionID),
			errors.WithCause(err))
	}

	return err
}

// SaveResponse records the authoritative fact for (session, user, question).
// The unique constraint rejects duplicates instead of overwriting.
func (s *Store) SaveResponse(ctx context.Context, r domain.PlayerResponse) error {
	const stmt = `
INSERT INTO player_responses (session_id, user_id, question_index, question_id, answer_id, is_correct, elapsed_ms, points_earned, suspect, submit_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`

	_, err := s.db.Exec(ctx, stmt,
		r.SessionID, r.UserID, r.QuestionIndex, r.QuestionID, r.AnswerID,
		r.Correct, r.ElapsedMs, r.PointsEarned, r.Suspect, r.SubmitTime)
	if isUniqueViolation(err) {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("response already recorded: session=%s user=%s question=%d", r.SessionID, r.UserID, r.QuestionIndex),
			errors.WithCause(err))
	}

	return err
}

// FinalizeSession moves the session to its terminal state and, for completed
// sessions, writes final ranks and rolls the results into profile stats. One
// transaction: either the whole outcome lands or none of it does.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, state domain.SessionState, endTime time.Time, ranks []domain.FinalRank) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const updSessionStmt = `UPDATE game_sessions SET status = $2, end_time = $3 WHERE session_id = $1;`
	if _, err = tx.Exec(ctx, updSessionStmt, sessionID, string(state), endTime); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	const (
		updPlayerStmt = `UPDATE game_players SET score = $3, final_rank = $4 WHERE session_id = $1 AND user_id = $2;`
		updProfile    = `
UPDATE profiles
SET total_score = total_score + $2,
    games_played = games_played + 1,
    games_won = games_won + $3
WHERE user_id = $1;`
	)

	for _, r := range ranks {
		if _, err = tx.Exec(ctx, updPlayerStmt, sessionID, r.UserID, r.Score, r.Rank); err != nil {
			return fmt.Errorf("update player %s: %w", r.UserID, err)
		}

		won := 0
		if r.Rank == 1 {
			won = 1
		}
		if _, err = tx.Exec(ctx, updProfile, r.UserID, r.Score, won); err != nil {
			return fmt.Errorf("update profile %s: %w", r.UserID, err)
		}
	}

	return tx.Commit(ctx)
}

// Session loads the durable session record, which stays readable after the
// in-memory instance is evicted.
func (s *Store) Session(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	const stmt = `
SELECT session_id, game_code, host_id, category_id, status, max_players, time_per_question_ms, create_time, COALESCE(end_time, 'epoch'::timestamptz)
FROM game_sessions
WHERE session_id = $1;`

	var (
		ss     domain.GameSession
		tpqMs  int64
		status string
	)
	err := s.db.QueryRow(ctx, stmt, sessionID).Scan(
		&ss.SessionID, &ss.GameCode, &ss.HostID, &ss.CategoryID, &status,
		&ss.MaxPlayers, &tpqMs, &ss.CreateTime, &ss.EndTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	ss.State = domain.SessionState(status)
	ss.TimePerQuestion = time.Duration(tpqMs) * time.Millisecond

	const questionStmt = `SELECT question_id FROM session_questions WHERE session_id = $1 ORDER BY question_index;`

	rows, err := s.db.Query(ctx, questionStmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session questions: %w", err)
	}
	ss.QuestionIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	return &ss, nil
}

// SessionPlayers loads the durable memberships for a session, ordered the way
// the final scoreboard ranks them. This is what a late scoreboard fetch reads
// after the live instance is evicted.
func (s *Store) SessionPlayers(ctx context.Context, sessionID string) ([]domain.GamePlayer, error) {
	const stmt = `
SELECT player_id, session_id, user_id, score, COALESCE(final_rank, 0), joined_at
FROM game_players
WHERE session_id = $1
ORDER BY score DESC, joined_at ASC, user_id ASC;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session players: %w", err)
	}

	players, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.GamePlayer, error) {
		var p domain.GamePlayer
		if err := r.Scan(&p.PlayerID, &p.SessionID, &p.UserID, &p.Score, &p.FinalRank, &p.JoinedAt); err != nil {
			return domain.GamePlayer{}, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	return players, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
