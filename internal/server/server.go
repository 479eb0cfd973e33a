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
	"golang.org/x/sync/errgroup"

	"github.com/mkaraca/quizgate/internal/api"
	"github.com/mkaraca/quizgate/internal/ban"
	"github.com/mkaraca/quizgate/internal/broadcast"
	"github.com/mkaraca/quizgate/internal/event"
	"github.com/mkaraca/quizgate/internal/genai"
	"github.com/mkaraca/quizgate/internal/quiz"
	"github.com/mkaraca/quizgate/internal/report"
	"github.com/mkaraca/quizgate/internal/session"
	"github.com/mkaraca/quizgate/internal/store"
	"github.com/mkaraca/quizgate/internal/telemetry"
	"github.com/mkaraca/quizgate/internal/user"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		// URL enables the durable store backend; empty keeps state in redis.
		URL string
	}

	GenAI struct {
		APIKey  string
		Model   string
		BaseURL string
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
		store    *store.Store
	}

	service struct {
		users     *user.Service
		sessions  *session.Service
		bans      *ban.Service
		reports   *report.Service
		broadcast *broadcast.Service
		genai     *genai.Client
		quizzes   *quiz.Manager
	}

	http         *http.Server
	cancelPubsub context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

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

	if err := s.initStore(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

// initStore picks the store backend: postgres when configured, redis
// otherwise. The broadcast channel always rides on redis pub/sub.
func (s *Server) initStore() error {
	if s.c.Postgres.URL == "" {
		s.infra.store = store.New(store.NewRedisKV(s.infra.redis, s.c.Redis.Prefix))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(s.c.Postgres.URL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	kv := store.NewPostgresKV(db)
	if err := kv.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	s.infra.postgres = db
	s.infra.store = store.New(kv)
	return nil
}

func (s *Server) initService() error {
	st := s.infra.store

	s.service.users = user.NewService(user.Config{Store: st})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.service.users.Seed(ctx); err != nil {
		return err
	}

	s.service.sessions = session.NewService(session.Config{
		Store: st,
		Users: s.service.users,
	})

	s.service.bans = ban.NewService(ban.Config{Store: st})
	s.service.reports = report.NewService(report.Config{Store: st})

	s.service.broadcast = broadcast.NewService(broadcast.Config{
		Redis:    s.infra.redis,
		Store:    st,
		EventBus: s.eb,
		Prefix:   s.c.Redis.Prefix,
	})

	s.service.genai = genai.NewClient(genai.Config{
		APIKey:  s.c.GenAI.APIKey,
		Model:   s.c.GenAI.Model,
		BaseURL: s.c.GenAI.BaseURL,
	})

	s.service.quizzes = quiz.NewManager(quiz.ManagerConfig{
		GenAI:    s.service.genai,
		Store:    st,
		Sessions: s.service.sessions,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:    e,
		Store:     s.infra.store,
		Users:     s.service.users,
		Sessions:  s.service.sessions,
		Bans:      s.service.bans,
		Reports:   s.service.reports,
		Quizzes:   s.service.quizzes,
		Broadcast: s.service.broadcast,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelPubsub = cancel

	go s.service.broadcast.Run(ctx)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	if s.cancelPubsub != nil {
		s.cancelPubsub()
	}
	s.eb.Stop()

	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
