package domain

import "time"

const (
	EventNameRoundOpened        = "round.opened"
	EventNameRoundClosed        = "round.closed"
	EventNameSessionCompleted   = "session.completed"
	EventNameSessionCancelled   = "session.cancelled"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventRoundOpened struct {
	SessionID     string
	QuestionIndex int
	Deadline      time.Time
}

func (EventRoundOpened) Name() string { return EventNameRoundOpened }

type EventRoundClosed struct {
	SessionID     string
	QuestionIndex int
	Results       []RoundResult
}

func (EventRoundClosed) Name() string { return EventNameRoundClosed }

// EventSessionCompleted carries the finalize delta: applied to leaderboard
// aggregates exactly once per session.
type EventSessionCompleted struct {
	SessionID  string
	EndTime    time.Time
	FinalRanks []FinalRank
	Deltas     []PlayerDelta
}

func (EventSessionCompleted) Name() string { return EventNameSessionCompleted }

// EventSessionCancelled carries the partial scores recorded before the
// cancel. Whether they count toward leaderboards is aggregator policy.
type EventSessionCancelled struct {
	SessionID string
	EndTime   time.Time
	Deltas    []PlayerDelta
}

func (EventSessionCancelled) Name() string { return EventNameSessionCancelled }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
