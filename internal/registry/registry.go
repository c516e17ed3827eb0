// Package registry maps game codes to live session instances and enforces
// one instance per session id. Finished sessions are swept out after a grace
// period; the durable record stays authoritative after eviction.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/victornm/quizparty/internal/clock"
	"github.com/victornm/quizparty/internal/domain"
	"github.com/victornm/quizparty/internal/errors"
	"github.com/victornm/quizparty/internal/event"
	"github.com/victornm/quizparty/internal/session"
)

const (
	maxCodeAttempts = 5

	defaultEvictionGrace = 2 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Store combines the slices of the persistence gateway the registry and its
// sessions write through.
type Store interface {
	session.Store
	QuestionSet(ctx context.Context, categoryID string, count int) ([]domain.Question, error)
	CreateSession(ctx context.Context, ss domain.GameSession) error
}

type Config struct {
	Store    Store
	Clock    clock.Clock
	EventBus *event.Bus

	// EvictionGrace is how long a terminal session stays resident for late
	// scoreboard reads before the sweep drops it.
	EvictionGrace time.Duration
	SweepInterval time.Duration
}

type Registry struct {
	store Store
	clk   clock.Clock
	eb    *event.Bus

	grace         time.Duration
	sweepInterval time.Duration

	mu         sync.RWMutex
	byCode     map[string]*session.Session
	byID       map[string]*session.Session
	evictAfter map[string]time.Time

	sched gocron.Scheduler
}

func New(c Config) (*Registry, error) {
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = defaultEvictionGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}

	r := &Registry{
		store:         c.Store,
		clk:           c.Clock,
		eb:            c.EventBus,
		grace:         c.EvictionGrace,
		sweepInterval: c.SweepInterval,
		byCode:        make(map[string]*session.Session),
		byID:          make(map[string]*session.Session),
		evictAfter:    make(map[string]time.Time),
	}

	r.eb.Subscribe("registry", domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		r.markTerminal(e.(domain.EventSessionCompleted).SessionID)
		return nil
	})
	r.eb.Subscribe("registry", domain.EventNameSessionCancelled, func(ctx context.Context, e event.Event) error {
		r.markTerminal(e.(domain.EventSessionCancelled).SessionID)
		return nil
	})

	return r, nil
}

type CreateRequest struct {
	HostID          string
	CategoryID      string
	MaxPlayers      int
	TimePerQuestion time.Duration
	QuestionCount   int
}

// Create loads a question set, generates a unique game code and instantiates
// the session's state machine. Code collisions against the durable store's
// uniqueness constraint are retried with fresh codes.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*session.Session, error) {
	switch {
	case req.HostID == "":
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("host id is required"))
	case req.MaxPlayers < 1:
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("max players must be at least 1"))
	case req.TimePerQuestion <= 0:
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("time per question must be positive"))
	case req.QuestionCount < 1:
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("question count must be at least 1"))
	}

	questions, err := r.store.QuestionSet(ctx, req.CategoryID, req.QuestionCount)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("category %s has no questions", req.CategoryID))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	meta := domain.GameSession{
		SessionID:       id.String(),
		HostID:          req.HostID,
		CategoryID:      req.CategoryID,
		State:           domain.StateWaiting,
		MaxPlayers:      req.MaxPlayers,
		TimePerQuestion: req.TimePerQuestion,
		CreateTime:      r.clk.Now(),
	}
	for _, q := range questions {
		meta.QuestionIDs = append(meta.QuestionIDs, q.QuestionID)
	}

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		meta.GameCode = generateCode()

		if r.codeInUse(meta.GameCode) {
			continue
		}

		err := r.store.CreateSession(ctx, meta)
		if errors.Is(err, errors.CodeAlreadyExists) {
			continue
		}
		if err != nil {
			return nil, err
		}

		s, err := session.New(session.Config{
			Session:   meta,
			Questions: questions,
			Clock:     r.clk,
			EventBus:  r.eb,
			Store:     r.store,
		})
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.byCode[meta.GameCode] = s
		r.byID[meta.SessionID] = s
		r.mu.Unlock()

		slog.InfoContext(ctx, "registry: session created",
			"session", meta.SessionID,
			"code", meta.GameCode,
			"questions", len(questions),
		)

		return s, nil
	}

	return nil, errors.New(errors.CodeInternal,
		errors.WithMessagef("could not allocate a unique game code after %d attempts", maxCodeAttempts))
}

// Lookup finds a live session by its game code.
func (r *Registry) Lookup(code string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byCode[strings.ToUpper(code)]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no session with code %s", code))
	}

	return s, nil
}

// Get finds a live session by its id.
func (r *Registry) Get(sessionID string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byID[sessionID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no live session %s", sessionID))
	}

	return s, nil
}

func (r *Registry) codeInUse(code string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byCode[code]
	return ok
}

func (r *Registry) markTerminal(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[sessionID]; ok {
		r.evictAfter[sessionID] = r.clk.Now().Add(r.grace)
	}
}

// Sweep evicts terminal sessions whose grace period has expired. Eviction is
// advisory cleanup: the durable record remains readable.
func (r *Registry) Sweep() {
	now := r.clk.Now()

	r.mu.Lock()
	var evicted []*session.Session
	for id, after := range r.evictAfter {
		if now.Before(after) {
			continue
		}

		s := r.byID[id]
		delete(r.byID, id)
		delete(r.byCode, s.GameCode())
		delete(r.evictAfter, id)
		evicted = append(evicted, s)
	}
	r.mu.Unlock()

	for _, s := range evicted {
		s.Close()
		slog.Info("registry: session evicted", "session", s.ID())
	}
}

// StartSweeper runs Sweep on a fixed cadence until Stop.
func (r *Registry) StartSweeper() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(r.sweepInterval),
		gocron.NewTask(r.Sweep),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	r.sched = sched

	return nil
}

func (r *Registry) Stop() {
	if r.sched != nil {
		_ = r.sched.Shutdown()
	}

	r.mu.Lock()
	live := make([]*session.Session, 0, len(r.byID))
	for _, s := range r.byID {
		live = append(live, s)
	}
	r.byID = make(map[string]*session.Session)
	r.byCode = make(map[string]*session.Session)
	r.evictAfter = make(map[string]time.Time)
	r.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
}
