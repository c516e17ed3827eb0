// Package api exposes the engine's message contracts as a JSON API and pushes
// live game events to subscribers over redis pubsub.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
	"github.com/victornm/quizparty/internal/event"
	"github.com/victornm/quizparty/internal/leaderboard"
	"github.com/victornm/quizparty/internal/registry"
	"github.com/victornm/quizparty/internal/session"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Registry     *registry.Registry
	Leaderboard  *leaderboard.Service
	Sessions     SessionReader
	Redis        Redis
	PubsubPrefix string
}

// SessionReader serves scoreboard reads for sessions already evicted from the
// registry.
type SessionReader interface {
	Session(ctx context.Context, sessionID string) (*domain.GameSession, error)
	SessionPlayers(ctx context.Context, sessionID string) ([]domain.GamePlayer, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	reg      *registry.Registry
	ls       *leaderboard.Service
	sessions SessionReader

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		reg:      c.Registry,
		ls:       c.Leaderboard,
		sessions: c.Sessions,
		redis:    c.Redis,
		prefix:   c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	v1.POST("/sessions", a.createSession)
	v1.POST("/sessions/join", a.joinSession)
	v1.POST("/sessions/:id/start", a.startSession)
	v1.POST("/sessions/:id/answers", a.submitAnswer)
	v1.POST("/sessions/:id/cancel", a.cancelSession)
	v1.GET("/sessions/:id", a.getSession)
	v1.GET("/leaderboard", a.getLeaderboard)

	c.EventBus.Subscribe("api", domain.EventNameRoundOpened, func(ctx context.Context, e event.Event) error {
		return a.publishRoundOpened(ctx, e.(domain.EventRoundOpened))
	})
	c.EventBus.Subscribe("api", domain.EventNameRoundClosed, func(ctx context.Context, e event.Event) error {
		return a.publishRoundClosed(ctx, e.(domain.EventRoundClosed))
	})
	c.EventBus.Subscribe("api", domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		return a.publishSessionCompleted(ctx, e.(domain.EventSessionCompleted))
	})
	c.EventBus.Subscribe("api", domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.publishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

type createSessionRequest struct {
	HostID            string `json:"host_id" binding:"required"`
	CategoryID        string `json:"category_id" binding:"required"`
	MaxPlayers        int    `json:"max_players" binding:"required"`
	TimePerQuestionMs int64  `json:"time_per_question_ms" binding:"required"`
	QuestionCount     int    `json:"question_count" binding:"required"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	GameCode  string `json:"game_code"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	s, err := a.reg.Create(c.Request.Context(), registry.CreateRequest{
		HostID:          req.HostID,
		CategoryID:      req.CategoryID,
		MaxPlayers:      req.MaxPlayers,
		TimePerQuestion: time.Duration(req.TimePerQuestionMs) * time.Millisecond,
		QuestionCount:   req.QuestionCount,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, createSessionResponse{
		SessionID: s.ID(),
		GameCode:  s.GameCode(),
	})
}

type joinSessionRequest struct {
	GameCode string `json:"game_code" binding:"required"`
	UserID   string `json:"user_id" binding:"required"`
}

type joinSessionResponse struct {
	PlayerID  string `json:"player_id"`
	SessionID string `json:"session_id"`
}

func (a *API) joinSession(c *gin.Context) {
	var req joinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	s, err := a.reg.Lookup(req.GameCode)
	if err != nil {
		abortError(c, err)
		return
	}

	p, err := s.Join(c.Request.Context(), domain.GamePlayer{
		PlayerID: uuid.NewString(),
		UserID:   req.UserID,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, joinSessionResponse{
		PlayerID:  p.PlayerID,
		SessionID: p.SessionID,
	})
}

type startSessionRequest struct {
	HostID string `json:"host_id" binding:"required"`
}

func (a *API) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	s, err := a.reg.Get(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	if err := s.Start(c.Request.Context(), req.HostID); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusOK)
}

type submitAnswerRequest struct {
	UserID          string `json:"user_id" binding:"required"`
	QuestionIndex   *int   `json:"question_index" binding:"required"`
	AnswerID        string `json:"answer_id" binding:"required"`
	ClientElapsedMs int64  `json:"client_elapsed_ms"`
}

type submitAnswerResponse struct {
	PointsEarned int64 `json:"points_earned"`
}

func (a *API) submitAnswer(c *gin.Context) {
	var req submitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	s, err := a.reg.Get(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	points, err := s.Submit(c.Request.Context(), req.UserID, *req.QuestionIndex, req.AnswerID, req.ClientElapsedMs)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, submitAnswerResponse{PointsEarned: points})
}

type cancelSessionRequest struct {
	HostID string `json:"host_id" binding:"required"`
}

func (a *API) cancelSession(c *gin.Context) {
	var req cancelSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	s, err := a.reg.Get(c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	if err := s.Cancel(c.Request.Context(), req.HostID); err != nil {
		abortError(c, err)
		return
	}

	c.Status(http.StatusOK)
}

type sessionResponse struct {
	SessionID     string           `json:"session_id"`
	GameCode      string           `json:"game_code"`
	HostID        string           `json:"host_id"`
	State         string           `json:"state"`
	MaxPlayers    int              `json:"max_players"`
	QuestionCount int              `json:"question_count"`
	Round         *roundResponse   `json:"round,omitempty"`
	Players       []playerResponse `json:"players"`
}

type roundResponse struct {
	QuestionIndex int              `json:"question_index"`
	Deadline      time.Time        `json:"deadline"`
	Question      questionResponse `json:"question"`
}

type questionResponse struct {
	QuestionID string           `json:"question_id"`
	Text       string           `json:"text"`
	Answers    []answerResponse `json:"answers"`
}

type answerResponse struct {
	AnswerID string `json:"answer_id"`
	Text     string `json:"text"`
}

type playerResponse struct {
	UserID    string `json:"user_id"`
	Score     int64  `json:"score"`
	FinalRank int    `json:"final_rank,omitempty"`
}

func (a *API) getSession(c *gin.Context) {
	s, err := a.reg.Get(c.Param("id"))
	if err == nil {
		c.JSON(http.StatusOK, toSessionResponse(s))
		return
	}
	if !errors.Is(err, errors.CodeNotFound) {
		abortError(c, err)
		return
	}

	// Evicted from the registry; the durable record is still authoritative,
	// including the final scoreboard.
	ss, err := a.sessions.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	players, err := a.sessions.SessionPlayers(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	resp := sessionResponse{
		SessionID:     ss.SessionID,
		GameCode:      ss.GameCode,
		HostID:        ss.HostID,
		State:         string(ss.State),
		MaxPlayers:    ss.MaxPlayers,
		QuestionCount: len(ss.QuestionIDs),
		Players:       make([]playerResponse, 0, len(players)),
	}
	for _, p := range players {
		resp.Players = append(resp.Players, playerResponse{
			UserID:    p.UserID,
			Score:     p.Score,
			FinalRank: p.FinalRank,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func toSessionResponse(s *session.Session) sessionResponse {
	snap := s.Snapshot()

	resp := sessionResponse{
		SessionID:     snap.SessionID,
		GameCode:      snap.GameCode,
		HostID:        snap.HostID,
		State:         string(snap.State),
		MaxPlayers:    snap.MaxPlayers,
		QuestionCount: snap.QuestionCount,
		Players:       make([]playerResponse, 0, len(snap.Players)),
	}

	for _, p := range snap.Players {
		resp.Players = append(resp.Players, playerResponse{
			UserID:    p.UserID,
			Score:     p.Score,
			FinalRank: p.FinalRank,
		})
	}

	if q, ok := s.CurrentQuestion(); ok && snap.RoundOpen {
		round := &roundResponse{
			QuestionIndex: snap.QuestionIndex,
			Deadline:      snap.Deadline,
			Question: questionResponse{
				QuestionID: q.QuestionID,
				Text:       q.Text,
				Answers:    make([]answerResponse, 0, len(q.Answers)),
			},
		}
		for _, ans := range q.Answers {
			round.Question.Answers = append(round.Question.Answers, answerResponse{
				AnswerID: ans.AnswerID,
				Text:     ans.Text,
			})
		}
		resp.Round = round
	}

	return resp
}

type leaderboardResponse struct {
	Period      string                     `json:"period"`
	PeriodStart time.Time                  `json:"period_start"`
	Entries     []leaderboardEntryResponse `json:"entries"`
}

type leaderboardEntryResponse struct {
	UserID string `json:"user_id"`
	Score  int64  `json:"score"`
	Rank   int    `json:"rank"`
}

func (a *API) getLeaderboard(c *gin.Context) {
	period, err := leaderboard.ParsePeriod(c.Query("period"))
	if err != nil {
		abortError(c, err)
		return
	}

	at := time.Now()
	if raw := c.Query("period_start"); raw != "" {
		at, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			abortError(c, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("period_start must be RFC3339"),
				errors.WithCause(err)))
			return
		}
	}

	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		Period:      period,
		PeriodStart: at,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	resp := leaderboardResponse{
		Period:      string(l.Period),
		PeriodStart: l.PeriodStart,
		Entries:     make([]leaderboardEntryResponse, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, leaderboardEntryResponse{
			UserID: e.UserID,
			Score:  e.Score,
			Rank:   e.Rank,
		})
	}

	c.JSON(http.StatusOK, resp)
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
