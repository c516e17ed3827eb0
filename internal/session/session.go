// Package session owns one game session's lifecycle: waiting through active
// rounds to a terminal state. Every mutation funnels through the session's
// mutex, which is what makes concurrent submissions from many players safe.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/victornm/quizparty/internal/clock"
	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
	"github.com/victornm/quizparty/internal/event"
	"github.com/victornm/quizparty/internal/scoring"
	"github.com/victornm/quizparty/internal/telemetry"
)

// defaultSuspectThreshold is how far the client-reported elapsed may drift
// from the server-observed elapsed before the response is flagged. The flag
// never changes the score; server time is authoritative.
const defaultSuspectThreshold = 2 * time.Second

type roundPhase int

const (
	roundIdle roundPhase = iota
	roundOpen
	roundScoring
	roundClosed
)

// Store is the slice of the persistence gateway a running session writes
// through. All writes go via the retry queue; none block round timing.
type Store interface {
	AddPlayer(ctx context.Context, p domain.GamePlayer) error
	SaveResponse(ctx context.Context, r domain.PlayerResponse) error
	FinalizeSession(ctx context.Context, sessionID string, state domain.SessionState, endTime time.Time, ranks []domain.FinalRank) error
}

type Config struct {
	Session   domain.GameSession
	Questions []domain.Question

	Clock    clock.Clock
	EventBus *event.Bus
	Store    Store

	SuspectThreshold time.Duration
}

// Session is the state machine for a single live game. One instance per
// session id; the registry enforces that.
type Session struct {
	mu sync.Mutex

	meta      domain.GameSession
	questions []domain.Question
	players   map[string]*domain.GamePlayer
	responses map[int]map[string]*domain.PlayerResponse

	phase         roundPhase
	roundIdx      int
	roundOpenedAt time.Time
	roundDeadline time.Time
	timer         clock.Timer

	clk              clock.Clock
	eb               *event.Bus
	store            Store
	persist          *persistQueue
	suspectThreshold time.Duration
}

// New builds a session in the waiting state. The question set must already be
// validated (exactly one correct answer per question); New double-checks and
// refuses a corrupted set so a broken session never starts.
func New(c Config) (*Session, error) {
	for _, q := range c.Questions {
		if _, ok := q.CorrectAnswerID(); !ok {
			return nil, errors.New(errors.CodeFailedPrecondition,
				errors.WithMessagef("question %s does not have exactly one correct answer", q.QuestionID))
		}
	}

	meta := c.Session
	meta.State = domain.StateWaiting

	threshold := c.SuspectThreshold
	if threshold <= 0 {
		threshold = defaultSuspectThreshold
	}

	s := &Session{
		meta:             meta,
		questions:        c.Questions,
		players:          make(map[string]*domain.GamePlayer),
		responses:        make(map[int]map[string]*domain.PlayerResponse),
		phase:            roundIdle,
		clk:              c.Clock,
		eb:               c.EventBus,
		store:            c.Store,
		persist:          newPersistQueue(),
		suspectThreshold: threshold,
	}

	telemetry.SessionsActive.Inc()

	return s, nil
}

func (s *Session) ID() string       { return s.meta.SessionID }
func (s *Session) GameCode() string { return s.meta.GameCode }

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.meta.State
}

// Join adds a player while the session is still waiting.
func (s *Session) Join(ctx context.Context, p domain.GamePlayer) (*domain.GamePlayer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != domain.StateWaiting {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s is %s, joining is only possible while waiting", s.meta.SessionID, s.meta.State))
	}
	if _, ok := s.players[p.UserID]; ok {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("user %s already joined session %s", p.UserID, s.meta.SessionID))
	}
	if len(s.players) >= s.meta.MaxPlayers {
		return nil, errors.New(errors.CodeResourceExhausted,
			errors.WithMessagef("session %s is full (%d players)", s.meta.SessionID, s.meta.MaxPlayers))
	}

	p.SessionID = s.meta.SessionID
	p.JoinedAt = s.clk.Now()
	s.players[p.UserID] = &p

	saved := p
	s.persist.enqueue(persistOp{name: "add_player", fn: func(ctx context.Context) error {
		err := s.store.AddPlayer(ctx, saved)
		if errors.Is(err, errors.CodeAlreadyExists) {
			return nil
		}
		return err
	}})

	return &p, nil
}

// Start transitions the session to active and opens round 0. Host only.
func (s *Session) Start(ctx context.Context, initiatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if initiatorID != s.meta.HostID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host can start session %s", s.meta.SessionID))
	}
	if s.meta.State != domain.StateWaiting {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s is %s, start is only possible while waiting", s.meta.SessionID, s.meta.State))
	}
	if len(s.players) < 1 {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has no players", s.meta.SessionID))
	}
	if len(s.questions) < 1 {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s has no questions", s.meta.SessionID))
	}

	s.meta.State = domain.StateActive
	s.openRoundLocked(ctx, 0)

	return nil
}

// Submit records one player's answer for the currently open round. The
// server-observed elapsed time is authoritative; the client-reported elapsed
// is only a fraud signal.
func (s *Session) Submit(ctx context.Context, userID string, questionIndex int, answerID string, clientElapsedMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != domain.StateActive {
		return 0, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s is %s, answers are not accepted", s.meta.SessionID, s.meta.State))
	}

	player, ok := s.players[userID]
	if !ok {
		return 0, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user %s is not a player in session %s", userID, s.meta.SessionID))
	}

	if s.phase != roundOpen || questionIndex != s.roundIdx {
		return 0, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("round %d is not open in session %s", questionIndex, s.meta.SessionID))
	}

	now := s.clk.Now()
	if now.After(s.roundDeadline) {
		// The deadline wake-up will close the round; the caller just missed it.
		return 0, errors.New(errors.CodeDeadlineExceeded,
			errors.WithMessagef("round %d deadline passed in session %s", questionIndex, s.meta.SessionID))
	}

	if _, ok := s.responses[s.roundIdx][userID]; ok {
		return 0, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("user %s already answered round %d in session %s", userID, questionIndex, s.meta.SessionID))
	}

	q := s.questions[s.roundIdx]
	if !hasAnswer(q, answerID) {
		return 0, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("answer %s does not belong to question %s", answerID, q.QuestionID))
	}

	correctID, _ := q.CorrectAnswerID()
	elapsed := now.Sub(s.roundOpenedAt)
	correct := answerID == correctID
	points := scoring.Score(correct, elapsed, s.meta.TimePerQuestion)

	drift := elapsed.Milliseconds() - clientElapsedMs
	if drift < 0 {
		drift = -drift
	}

	r := &domain.PlayerResponse{
		SessionID:     s.meta.SessionID,
		UserID:        userID,
		QuestionIndex: s.roundIdx,
		QuestionID:    q.QuestionID,
		AnswerID:      answerID,
		Correct:       correct,
		ElapsedMs:     elapsed.Milliseconds(),
		PointsEarned:  points,
		Suspect:       drift > s.suspectThreshold.Milliseconds(),
		SubmitTime:    now,
	}

	if s.responses[s.roundIdx] == nil {
		s.responses[s.roundIdx] = make(map[string]*domain.PlayerResponse)
	}
	s.responses[s.roundIdx][userID] = r
	player.Score += points

	telemetry.ResponsesSubmitted.Inc()

	saved := *r
	s.persist.enqueue(persistOp{name: "save_response", fn: func(ctx context.Context) error {
		err := s.store.SaveResponse(ctx, saved)
		if errors.Is(err, errors.CodeAlreadyExists) {
			return nil
		}
		return err
	}})

	if len(s.responses[s.roundIdx]) == len(s.players) {
		s.closeRoundLocked(ctx)
	}

	return points, nil
}

// Cancel terminates the session from waiting or active. Host only. Already
// recorded responses and scores stay as historical fact.
func (s *Session) Cancel(ctx context.Context, initiatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if initiatorID != s.meta.HostID {
		return errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host can cancel session %s", s.meta.SessionID))
	}
	if s.meta.State.Terminal() {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session %s is already %s", s.meta.SessionID, s.meta.State))
	}

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.phase = roundClosed
	s.meta.State = domain.StateCancelled
	s.meta.EndTime = s.clk.Now()

	telemetry.SessionsActive.Dec()

	endTime := s.meta.EndTime
	s.persist.enqueue(persistOp{name: "finalize_cancelled", fn: func(ctx context.Context) error {
		return s.store.FinalizeSession(ctx, s.meta.SessionID, domain.StateCancelled, endTime, nil)
	}})

	deltas := make([]domain.PlayerDelta, 0, len(s.players))
	for _, id := range s.userIDsByJoinOrder() {
		deltas = append(deltas, domain.PlayerDelta{UserID: id, Points: s.players[id].Score})
	}

	s.eb.Publish(ctx, domain.EventSessionCancelled{
		SessionID: s.meta.SessionID,
		EndTime:   endTime,
		Deltas:    deltas,
	})

	slog.InfoContext(ctx, "session: cancelled", "session", s.meta.SessionID)

	return nil
}

// openRoundLocked opens question idx with a fresh deadline and schedules the
// expiry wake-up. Caller holds the mutex.
func (s *Session) openRoundLocked(ctx context.Context, idx int) {
	s.phase = roundOpen
	s.roundIdx = idx
	s.roundOpenedAt = s.clk.Now()
	s.roundDeadline = s.roundOpenedAt.Add(s.meta.TimePerQuestion)
	s.responses[idx] = make(map[string]*domain.PlayerResponse)

	s.timer = s.clk.Schedule(s.meta.TimePerQuestion, func() {
		s.expireRound(idx)
	})

	s.eb.Publish(ctx, domain.EventRoundOpened{
		SessionID:     s.meta.SessionID,
		QuestionIndex: idx,
		Deadline:      s.roundDeadline,
	})

	slog.InfoContext(ctx, "session: round opened",
		"session", s.meta.SessionID,
		"round", idx,
		"deadline", s.roundDeadline,
	)
}

// expireRound is the deadline wake-up. It re-checks sub-state under the lock:
// if the round already closed (all players answered, or the session moved to
// a terminal state) the wake-up is a no-op.
func (s *Session) expireRound(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != domain.StateActive || s.phase != roundOpen || s.roundIdx != idx {
		return
	}

	s.closeRoundLocked(context.Background())
}

// closeRoundLocked scores the round, broadcasts results and advances. The
// phase transition at the top makes the close single-fire even when the
// deadline wake-up races an all-players-answered submission. Caller holds the
// mutex.
func (s *Session) closeRoundLocked(ctx context.Context) {
	if s.phase != roundOpen {
		return
	}
	s.phase = roundScoring

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	results := make([]domain.RoundResult, 0, len(s.players))
	for _, userID := range s.userIDsByJoinOrder() {
		res := domain.RoundResult{UserID: userID}
		if r, ok := s.responses[s.roundIdx][userID]; ok {
			res.AnswerID = r.AnswerID
			res.Correct = r.Correct
			res.PointsEarned = r.PointsEarned
		}
		// Unanswered players simply score nothing for the round.
		results = append(results, res)
	}

	s.phase = roundClosed

	telemetry.RoundsClosed.Inc()

	s.eb.Publish(ctx, domain.EventRoundClosed{
		SessionID:     s.meta.SessionID,
		QuestionIndex: s.roundIdx,
		Results:       results,
	})

	slog.InfoContext(ctx, "session: round closed",
		"session", s.meta.SessionID,
		"round", s.roundIdx,
		"responses", len(s.responses[s.roundIdx]),
	)

	if s.roundIdx+1 < len(s.questions) {
		s.openRoundLocked(ctx, s.roundIdx+1)
		return
	}

	s.completeLocked(ctx)
}

// completeLocked finalizes ranks and emits the finalize delta. Rank order is
// deterministic: score descending, then earliest joined_at, then user id.
func (s *Session) completeLocked(ctx context.Context) {
	s.meta.State = domain.StateCompleted
	s.meta.EndTime = s.clk.Now()

	ranked := make([]*domain.GamePlayer, 0, len(s.players))
	for _, p := range s.players {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if !ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
		}
		return ranked[i].UserID < ranked[j].UserID
	})

	finalRanks := make([]domain.FinalRank, 0, len(ranked))
	deltas := make([]domain.PlayerDelta, 0, len(ranked))
	for i, p := range ranked {
		p.FinalRank = i + 1
		finalRanks = append(finalRanks, domain.FinalRank{UserID: p.UserID, Score: p.Score, Rank: p.FinalRank})
		deltas = append(deltas, domain.PlayerDelta{UserID: p.UserID, Points: p.Score})
	}

	telemetry.SessionsActive.Dec()

	endTime := s.meta.EndTime
	s.persist.enqueue(persistOp{name: "finalize_completed", fn: func(ctx context.Context) error {
		return s.store.FinalizeSession(ctx, s.meta.SessionID, domain.StateCompleted, endTime, finalRanks)
	}})

	s.eb.Publish(ctx, domain.EventSessionCompleted{
		SessionID:  s.meta.SessionID,
		EndTime:    endTime,
		FinalRanks: finalRanks,
		Deltas:     deltas,
	})

	slog.InfoContext(ctx, "session: completed",
		"session", s.meta.SessionID,
		"players", len(ranked),
	)
}

// Close flushes the persistence queue. The registry calls it when evicting a
// terminal session.
func (s *Session) Close() {
	s.persist.close()
}

func (s *Session) userIDsByJoinOrder() []string {
	ids := make([]string, 0, len(s.players))
	for id := range s.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := s.players[ids[i]], s.players[ids[j]]
		if !pi.JoinedAt.Equal(pj.JoinedAt) {
			return pi.JoinedAt.Before(pj.JoinedAt)
		}
		return pi.UserID < pj.UserID
	})
	return ids
}

func hasAnswer(q domain.Question, answerID string) bool {
	for _, a := range q.Answers {
		if a.AnswerID == answerID {
			return true
		}
	}
	return false
}
