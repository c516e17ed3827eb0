package domain

import "time"

// SessionState is the lifecycle state of a game session. Transitions are
// one-way: waiting -> active -> completed|cancelled.
type SessionState string

const (
	StateWaiting   SessionState = "waiting"
	StateActive    SessionState = "active"
	StateCompleted SessionState = "completed"
	StateCancelled SessionState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Profile is the authoritative identity record. Cumulative stats are mutated
// only at session finalization, never mid-round.
type Profile struct {
	UserID      string
	Username    string
	TotalScore  int64
	GamesPlayed int64
	GamesWon    int64
}

type Category struct {
	CategoryID string
	Name       string
}

// Question is immutable once a session picked it up. Exactly one answer must
// be correct; a question violating that is a configuration error.
type Question struct {
	QuestionID string
	CategoryID string
	Text       string
	Answers    []Answer
}

type Answer struct {
	AnswerID  string
	Text      string
	IsCorrect bool
}

// CorrectAnswerID returns the single correct answer's id, or false when the
// question has zero or more than one correct answer.
func (q Question) CorrectAnswerID() (string, bool) {
	var id string
	n := 0
	for _, a := range q.Answers {
		if a.IsCorrect {
			id = a.AnswerID
			n++
		}
	}
	return id, n == 1
}

// GameSession identifies a room and its fixed configuration.
type GameSession struct {
	SessionID       string
	GameCode        string
	HostID          string
	CategoryID      string
	State           SessionState
	MaxPlayers      int
	TimePerQuestion time.Duration
	QuestionIDs     []string
	CreateTime      time.Time
	EndTime         time.Time
}

// GamePlayer is a (session, user) membership with its running score.
// FinalRank is zero until the session completes.
type GamePlayer struct {
	PlayerID  string
	SessionID string
	UserID    string
	Score     int64
	FinalRank int
	JoinedAt  time.Time
}

// PlayerResponse is the single authoritative fact for
// (session, user, question). Late or duplicate submissions are rejected, not
// overwritten. Suspect is set when the client-reported elapsed disagrees with
// the server-observed elapsed; the score always comes from server time.
type PlayerResponse struct {
	SessionID     string
	UserID        string
	QuestionIndex int
	QuestionID    string
	AnswerID      string
	Correct       bool
	ElapsedMs     int64
	PointsEarned  int64
	Suspect       bool
	SubmitTime    time.Time
}

// Period is a leaderboard aggregation window kind.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodAllTime Period = "all_time"
)

// Periods lists every tracked period, in the order deltas are applied.
func Periods() []Period {
	return []Period{PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodAllTime}
}

// LeaderboardEntry is the aggregate for (user, period, period_start). Owned
// exclusively by the aggregator.
type LeaderboardEntry struct {
	UserID      string
	Period      Period
	PeriodStart time.Time
	Score       int64
	Rank        int
}

// Leaderboard is one period bucket's ranked entries, score descending.
type Leaderboard struct {
	Period      Period
	PeriodStart time.Time
	Entries     []LeaderboardEntry
}

// PlayerDelta is one player's contribution in a finalize delta.
type PlayerDelta struct {
	UserID string
	Points int64
}

// RoundResult is one player's outcome for a closed round. Players who did not
// answer appear with zero points and an empty AnswerID.
type RoundResult struct {
	UserID       string
	AnswerID     string
	Correct      bool
	PointsEarned int64
}

// FinalRank is one player's position on a completed session's scoreboard.
type FinalRank struct {
	UserID string
	Score  int64
	Rank   int
}
