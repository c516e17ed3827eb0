package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizparty/internal/api"
	"github.com/victornm/quizparty/internal/clock"
	"github.com/victornm/quizparty/internal/event"
	"github.com/victornm/quizparty/internal/leaderboard"
	"github.com/victornm/quizparty/internal/registry"
	"github.com/victornm/quizparty/internal/store"
	"github.com/victornm/quizparty/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Game struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Game struct {
		EvictionGraceSeconds int
		SweepSeconds         int
	}

	Leaderboard struct {
		IncludeCancelled bool
		RecomputeSeconds int
	}
}

func (c Config) Validate() error {
	if c.HTTP.Port <= 0 {
		return fmt.Errorf("http port must be set")
	}
	if len(c.Redis.Leaderboard.Addrs) == 0 || len(c.Redis.Pubsub.Addrs) == 0 {
		return fmt.Errorf("redis addrs must be set")
	}
	if c.Postgres.Game.Addr == "" {
		return fmt.Errorf("postgres addr must be set")
	}
	return nil
}

type Server struct {
	c Config

	eb  *event.Bus
	clk clock.Clock

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		store       *store.Store
		registry    *registry.Registry
		leaderboard *leaderboard.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.clk = clock.New()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg := s.c.Postgres.Game
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pg.User, pg.Pass, pg.Addr, pg.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() error {
	s.service.store = store.New(store.Config{
		DB: s.infra.postgres,
	})

	var err error
	s.service.registry, err = registry.New(registry.Config{
		Store:         s.service.store,
		Clock:         s.clk,
		EventBus:      s.eb,
		EvictionGrace: time.Duration(s.c.Game.EvictionGraceSeconds) * time.Second,
		SweepInterval: time.Duration(s.c.Game.SweepSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:          s.eb,
		Store:             s.service.store,
		Redis:             s.infra.redis.leaderboard,
		Prefix:            s.c.Redis.Leaderboard.Prefix,
		IncludeCancelled:  s.c.Leaderboard.IncludeCancelled,
		RecomputeInterval: time.Duration(s.c.Leaderboard.RecomputeSeconds) * time.Second,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Registry:     s.service.registry,
		Leaderboard:  s.service.leaderboard,
		Sessions:     s.service.store,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	if err := s.service.registry.StartSweeper(); err != nil {
		slog.ErrorContext(ctx, "server: start registry sweeper failed", "error", err)
		panic(err)
	}
	if err := s.service.leaderboard.StartRecompute(); err != nil {
		slog.ErrorContext(ctx, "server: start leaderboard recompute failed", "error", err)
		panic(err)
	}

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.registry.Stop()
	s.service.leaderboard.Stop()
	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
