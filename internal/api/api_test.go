package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizparty/internal/api"
	"github.com/victornm/quizparty/internal/clock"
	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
	"github.com/victornm/quizparty/internal/event"
	"github.com/victornm/quizparty/internal/registry"
)

func TestAPI_GetSessionFallsBackToDurableScoreboard(t *testing.T) {
	t.Parallel()

	gw := &fakeGateway{
		session: &domain.GameSession{
			SessionID:   "s1",
			GameCode:    "ABCDEF",
			HostID:      "host",
			State:       domain.StateCompleted,
			MaxPlayers:  4,
			QuestionIDs: []string{"q0", "q1"},
		},
		players: []domain.GamePlayer{
			{SessionID: "s1", UserID: "alice", Score: 1700, FinalRank: 1},
			{SessionID: "s1", UserID: "bob", Score: 900, FinalRank: 2},
		},
	}
	router := makeRouter(t, gw)

	// The live instance is long evicted; the durable record still serves the
	// final scoreboard.
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID     string `json:"session_id"`
		State         string `json:"state"`
		QuestionCount int    `json:"question_count"`
		Players       []struct {
			UserID    string `json:"user_id"`
			Score     int64  `json:"score"`
			FinalRank int    `json:"final_rank"`
		} `json:"players"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, string(domain.StateCompleted), resp.State)
	assert.Equal(t, 2, resp.QuestionCount)
	require.Len(t, resp.Players, 2)
	assert.Equal(t, "alice", resp.Players[0].UserID)
	assert.Equal(t, int64(1700), resp.Players[0].Score)
	assert.Equal(t, 1, resp.Players[0].FinalRank)
	assert.Equal(t, "bob", resp.Players[1].UserID)
	assert.Equal(t, 2, resp.Players[1].FinalRank)
}

func TestAPI_GetSessionUnknownID(t *testing.T) {
	t.Parallel()

	router := makeRouter(t, &fakeGateway{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/nosuch", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func makeRouter(t *testing.T, gw *fakeGateway) *gin.Engine {
	t.Helper()

	gin.SetMode(gin.TestMode)
	router := gin.New()

	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	reg, err := registry.New(registry.Config{
		Store:    gw,
		Clock:    clock.New(),
		EventBus: eb,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Stop)

	api.New(api.Config{
		Router:       router,
		EventBus:     eb,
		Registry:     reg,
		Sessions:     gw,
		Redis:        nopRedis{},
		PubsubPrefix: "test:pubsub",
	})

	return router
}

// fakeGateway stands in for the persistence gateway: registry writes are
// accepted and dropped, reads come from the canned session.
type fakeGateway struct {
	session *domain.GameSession
	players []domain.GamePlayer
}

func (g *fakeGateway) Session(_ context.Context, sessionID string) (*domain.GameSession, error) {
	if g.session == nil || g.session.SessionID != sessionID {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", sessionID))
	}
	return g.session, nil
}

func (g *fakeGateway) SessionPlayers(_ context.Context, _ string) ([]domain.GamePlayer, error) {
	return g.players, nil
}

func (g *fakeGateway) QuestionSet(_ context.Context, _ string, _ int) ([]domain.Question, error) {
	return nil, nil
}

func (g *fakeGateway) CreateSession(_ context.Context, _ domain.GameSession) error { return nil }

func (g *fakeGateway) AddPlayer(_ context.Context, _ domain.GamePlayer) error { return nil }

func (g *fakeGateway) SaveResponse(_ context.Context, _ domain.PlayerResponse) error { return nil }

func (g *fakeGateway) FinalizeSession(_ context.Context, _ string, _ domain.SessionState, _ time.Time, _ []domain.FinalRank) error {
	return nil
}

type nopRedis struct{}

func (nopRedis) Publish(ctx context.Context, _ string, _ any) *redis.IntCmd {
	return redis.NewIntCmd(ctx)
}
