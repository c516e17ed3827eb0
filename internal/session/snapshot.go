package session

import (
	"time"

	"github.com/victornm/quizparty/internal/domain"
)

// Snapshot is a consistent read of the session for scoreboard fetches and the
// API. It copies everything out under the lock; callers can hold it freely.
type Snapshot struct {
	SessionID     string
	GameCode      string
	HostID        string
	State         domain.SessionState
	MaxPlayers    int
	QuestionCount int

	RoundOpen     bool
	QuestionIndex int
	Deadline      time.Time

	Players []PlayerSnapshot
}

type PlayerSnapshot struct {
	UserID    string
	Score     int64
	FinalRank int
	JoinedAt  time.Time
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:     s.meta.SessionID,
		GameCode:      s.meta.GameCode,
		HostID:        s.meta.HostID,
		State:         s.meta.State,
		MaxPlayers:    s.meta.MaxPlayers,
		QuestionCount: len(s.questions),
	}

	if s.meta.State == domain.StateActive && s.phase == roundOpen {
		snap.RoundOpen = true
		snap.QuestionIndex = s.roundIdx
		snap.Deadline = s.roundDeadline
	}

	for _, id := range s.userIDsByJoinOrder() {
		p := s.players[id]
		snap.Players = append(snap.Players, PlayerSnapshot{
			UserID:    p.UserID,
			Score:     p.Score,
			FinalRank: p.FinalRank,
			JoinedAt:  p.JoinedAt,
		})
	}

	return snap
}

// CurrentQuestion returns the open round's question with the correct-answer
// flags stripped, so the API can show it to players.
func (s *Session) CurrentQuestion() (domain.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != domain.StateActive || s.phase != roundOpen {
		return domain.Question{}, false
	}

	q := s.questions[s.roundIdx]
	out := domain.Question{
		QuestionID: q.QuestionID,
		CategoryID: q.CategoryID,
		Text:       q.Text,
		Answers:    make([]domain.Answer, 0, len(q.Answers)),
	}
	for _, a := range q.Answers {
		out.Answers = append(out.Answers, domain.Answer{AnswerID: a.AnswerID, Text: a.Text})
	}

	return out, true
}
