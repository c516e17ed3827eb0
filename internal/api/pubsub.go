package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizparty/internal/domain"
)

const maxConcurrentPublishes = 100

// Notification is the envelope for every pushed message.
type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type (
	RoundOpened struct {
		SessionID     string    `json:"session_id"`
		QuestionIndex int       `json:"question_index"`
		Deadline      time.Time `json:"deadline"`
	}

	RoundClosed struct {
		SessionID     string              `json:"session_id"`
		QuestionIndex int                 `json:"question_index"`
		Results       []RoundResultPushed `json:"results"`
	}

	RoundResultPushed struct {
		UserID       string `json:"user_id"`
		Correct      bool   `json:"correct"`
		PointsEarned int64  `json:"points_earned"`
	}

	SessionCompleted struct {
		SessionID  string          `json:"session_id"`
		FinalRanks []FinalRankPush `json:"final_ranks"`
	}

	FinalRankPush struct {
		UserID string `json:"user_id"`
		Score  int64  `json:"score"`
		Rank   int    `json:"rank"`
	}

	LeaderboardPush struct {
		Period      string                 `json:"period"`
		PeriodStart time.Time              `json:"period_start"`
		Entries     []LeaderboardEntryPush `json:"entries"`
	}

	LeaderboardEntryPush struct {
		UserID string `json:"user_id"`
		Score  int64  `json:"score"`
		Rank   int    `json:"rank"`
	}
)

func (a *API) publishRoundOpened(ctx context.Context, e domain.EventRoundOpened) error {
	return a.publishToSession(ctx, e.SessionID, e.Name(), RoundOpened{
		SessionID:     e.SessionID,
		QuestionIndex: e.QuestionIndex,
		Deadline:      e.Deadline,
	})
}

func (a *API) publishRoundClosed(ctx context.Context, e domain.EventRoundClosed) error {
	data := RoundClosed{
		SessionID:     e.SessionID,
		QuestionIndex: e.QuestionIndex,
		Results:       make([]RoundResultPushed, 0, len(e.Results)),
	}
	for _, r := range e.Results {
		data.Results = append(data.Results, RoundResultPushed{
			UserID:       r.UserID,
			Correct:      r.Correct,
			PointsEarned: r.PointsEarned,
		})
	}

	return a.publishToSession(ctx, e.SessionID, e.Name(), data)
}

func (a *API) publishSessionCompleted(ctx context.Context, e domain.EventSessionCompleted) error {
	data := SessionCompleted{
		SessionID:  e.SessionID,
		FinalRanks: make([]FinalRankPush, 0, len(e.FinalRanks)),
	}
	for _, r := range e.FinalRanks {
		data.FinalRanks = append(data.FinalRanks, FinalRankPush{
			UserID: r.UserID,
			Score:  r.Score,
			Rank:   r.Rank,
		})
	}

	return a.publishToSession(ctx, e.SessionID, e.Name(), data)
}

// publishLeaderboardUpdated fans the refreshed leaderboard out to every user
// on it, bounded so a huge bucket cannot flood the client.
func (a *API) publishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	l := e.Leaderboard

	data := LeaderboardPush{
		Period:      string(l.Period),
		PeriodStart: l.PeriodStart,
		Entries:     make([]LeaderboardEntryPush, 0, len(l.Entries)),
	}
	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntryPush{
			UserID: entry.UserID,
			Score:  entry.Score,
			Rank:   entry.Rank,
		})
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrentPublishes)

	for _, entry := range data.Entries {
		entry := entry
		eg.Go(func() error {
			return a.publishNotification(ctx, fmt.Sprintf("%s:user:%s", a.prefix, entry.UserID), e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishToSession(ctx context.Context, sessionID, event string, data any) error {
	return a.publishNotification(ctx, fmt.Sprintf("%s:session:%s", a.prefix, sessionID), event, data)
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}
