//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizparty/internal/api"
	"github.com/victornm/quizparty/internal/domain"
)

const baseURL = "http://localhost:8080"

// TestGame runs a full game against a locally running server: create, join,
// answer every round, then watch the push events arrive.
func TestGame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var (
		host  = "host-user"
		users = []string{"u1", "u2", "u3"}
		wg    = new(sync.WaitGroup)
	)

	// Create a session.
	var created struct {
		SessionID string `json:"session_id"`
		GameCode  string `json:"game_code"`
	}
	postJSON(t, "/v1/sessions", map[string]any{
		"host_id":              host,
		"category_id":          "general",
		"max_players":          4,
		"time_per_question_ms": 10000,
		"question_count":       3,
	}, &created)
	t.Logf("Created session %s with code %s", created.SessionID, created.GameCode)

	subscribeToSession(t, makeRedis(t), wg, created.SessionID)

	// Everyone joins, including the host.
	for _, u := range append([]string{host}, users...) {
		var joined struct {
			PlayerID string `json:"player_id"`
		}
		postJSON(t, "/v1/sessions/join", map[string]any{
			"game_code": created.GameCode,
			"user_id":   u,
		}, &joined)
		t.Logf("User %q joined as player %s", u, joined.PlayerID)
	}

	postJSON(t, fmt.Sprintf("/v1/sessions/%s/start", created.SessionID), map[string]any{
		"host_id": host,
	}, nil)

	// Answer each round concurrently; the round advances once everyone
	// answered, so just poll the open round.
	for round := 0; round < 3; round++ {
		idx, answerID := waitForRound(ctx, t, created.SessionID, round)
		t.Logf("Round %d open", idx)

		var eg errgroup.Group
		for _, u := range append([]string{host}, users...) {
			u := u
			eg.Go(func() error {
				var resp struct {
					PointsEarned int64 `json:"points_earned"`
				}
				err := tryPostJSON(fmt.Sprintf("/v1/sessions/%s/answers", created.SessionID), map[string]any{
					"user_id":           u,
					"question_index":    idx,
					"answer_id":         answerID,
					"client_elapsed_ms": 500,
				}, &resp)
				if err != nil {
					return fmt.Errorf("user %q submit: %w", u, err)
				}
				t.Logf("User %q earned %d points", u, resp.PointsEarned)
				return nil
			})
		}
		require.NoError(t, eg.Wait())
	}

	// Daily leaderboard should now include everyone.
	require.Eventually(t, func() bool {
		resp, err := http.Get(baseURL + "/v1/leaderboard?period=daily")
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		defer resp.Body.Close()

		var l struct {
			Entries []struct {
				UserID string `json:"user_id"`
				Score  int64  `json:"score"`
				Rank   int    `json:"rank"`
			} `json:"entries"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&l); err != nil {
			return false
		}
		return len(l.Entries) >= len(users)+1
	}, 30*time.Second, 500*time.Millisecond)

	wg.Wait()
}

func waitForRound(ctx context.Context, t *testing.T, sessionID string, want int) (int, string) {
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("round %d never opened", want)
		case <-time.After(200 * time.Millisecond):
		}

		resp, err := http.Get(fmt.Sprintf("%s/v1/sessions/%s", baseURL, sessionID))
		require.NoError(t, err)

		var s struct {
			Round *struct {
				QuestionIndex int `json:"question_index"`
				Question      struct {
					Answers []struct {
						AnswerID string `json:"answer_id"`
					} `json:"answers"`
				} `json:"question"`
			} `json:"round"`
		}
		err = json.NewDecoder(resp.Body).Decode(&s)
		resp.Body.Close()
		require.NoError(t, err)

		if s.Round != nil && s.Round.QuestionIndex == want {
			return want, s.Round.Question.Answers[0].AnswerID
		}
	}
}

func subscribeToSession(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup, sessionID string) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("local:pubsub:session:%s", sessionID))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameRoundClosed:
				var e api.RoundClosed
				if err := json.Unmarshal(n.Data, &e); err == nil {
					t.Logf("round %d closed: %d results", e.QuestionIndex, len(e.Results))
				}
			case domain.EventNameSessionCompleted:
				var sc api.SessionCompleted
				if err := json.Unmarshal(n.Data, &sc); err == nil {
					for _, r := range sc.FinalRanks {
						t.Logf("#%d %s: %d", r.Rank, r.UserID, r.Score)
					}
				}
				return
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() {
		sub.Close()
		cancel()
	})

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{"localhost:6379"},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func postJSON(t *testing.T, path string, body any, out any) {
	t.Helper()
	require.NoError(t, tryPostJSON(path, body, out))
}

func tryPostJSON(path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	resp, err := http.Post(baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("POST %s: status=%d code=%d message=%s", path, resp.StatusCode, e.Code, e.Message)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
