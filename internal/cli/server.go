package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/config"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/infra/memory"
	pggateway "live-quiz-service/internal/infra/postgres"
	"live-quiz-service/internal/infra/rabbitmq"
	redisinfra "live-quiz-service/internal/infra/redis"
	"live-quiz-service/internal/metrics"
	transport "live-quiz-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz and tournament server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}
	redisTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)

	var gateway app.Gateway = sampleGateway()
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		gateway = pggateway.NewGateway(pool)
	}

	cacheTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var store app.SessionStore
	var redisStore *redisinfra.SessionStore
	if redisClient != nil {
		redisStore = redisinfra.NewSessionStore(redisClient, redisTTL)
		store = redisStore
		gateway = redisinfra.NewQuestionCache(redisClient, gateway, cacheTTL)
	} else {
		store = memory.NewSessionStore()
		gateway = memory.NewCachedGateway(gateway, cacheTTL)
	}

	queue := app.NewPersistQueue(cfg.Persistence.QueueSize, cfg.Persistence.Workers, app.RetryPolicy{
		MaxRetries:     cfg.Persistence.MaxRetries,
		InitialBackoff: config.TTLDuration(cfg.Persistence.InitialBackoff, app.DefaultRetryPolicy.InitialBackoff),
		MaxBackoff:     app.DefaultRetryPolicy.MaxBackoff,
		DrainTimeout:   app.DefaultRetryPolicy.DrainTimeout,
	})

	hub := transport.NewHub()
	deps := app.Deps{
		Store:       store,
		Gateway:     gateway,
		Broadcaster: hub,
		Persist:     queue,
	}
	if cfg.RabbitMQ.URL != "" {
		publisher, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return err
		}
		defer publisher.Close()
		deps.Publisher = publisher
	}

	tournaments := app.NewTournamentEngine(deps, app.TournamentConfig{
		LobbyCountdown: config.TTLDuration(cfg.Tournament.LobbyCountdown, app.DefaultTournamentConfig.LobbyCountdown),
		AnswerGrace:    config.TTLDuration(cfg.Tournament.AnswerGrace, app.DefaultTournamentConfig.AnswerGrace),
		Settings: app.TournamentSettings{
			TimerSeconds: cfg.Tournament.TimerSeconds,
			AutoProgress: config.Enabled(cfg.Tournament.AutoProgress, true),
		},
	})
	quizzes := app.NewQuizEngine(deps, tournaments)
	wsHandler := transport.NewWSHandler(hub, quizzes, tournaments)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	if config.Enabled(cfg.Metrics.Enabled, true) {
		mux.Handle("/metrics", metrics.Handler())
	}

	server := &http.Server{
		Addr:        ":" + finalPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("starting live quiz service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		sweep(gctx, cfg, quizzes, redisStore)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// sweep evicts stale quiz sessions and keeps the redis liveness markers fresh.
func sweep(ctx context.Context, cfg config.Config, quizzes *app.QuizEngine, redisStore *redisinfra.SessionStore) {
	interval := config.TTLDuration(cfg.Quiz.SweepInterval, time.Minute)
	idleTTL := config.TTLDuration(cfg.Quiz.IdleTTL, 6*time.Hour)
	endedTTL := config.TTLDuration(cfg.Quiz.EndedTTL, 10*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := quizzes.Evict(idleTTL, endedTTL); n > 0 {
				log.Printf("[sweep] evicted %d quiz sessions", n)
			}
			if redisStore != nil {
				if err := redisStore.Refresh(ctx); err != nil {
					log.Printf("[sweep] refreshing redis markers: %v", err)
				}
			}
		}
	}
}

// sampleGateway serves a demo quiz with its linked tournament, plus a
// standalone one, when no database is configured.
func sampleGateway() *memory.Gateway {
	gw := memory.NewGateway()
	questions := []domain.Question{
		{
			UID:         "q1",
			Text:        "What is 2 + 2?",
			Type:        domain.QuestionSingle,
			TimeSeconds: 20,
			Answers: []domain.AnswerOption{
				{Text: "3"},
				{Text: "4", Correct: true},
				{Text: "5"},
			},
		},
		{
			UID:         "q2",
			Text:        "Write 3/4 as a decimal",
			Type:        domain.QuestionNumeric,
			TimeSeconds: 30,
			Expected:    0.75,
			Tolerance:   0.001,
		},
	}
	gw.AddQuiz(domain.Quiz{
		ID:             "quiz-1",
		Name:           "Warm-up",
		TeacherID:      "teacher-1",
		QuestionUIDs:   []string{"q1", "q2"},
		TournamentCode: "DEMO",
	}, questions...)
	gw.AddTournament(domain.Tournament{
		ID:           "tournament-1",
		Code:         "DEMO",
		Name:         "Warm-up tournament",
		QuestionUIDs: []string{"q1", "q2"},
	}, questions...)
	gw.AddTournament(domain.Tournament{
		ID:           "tournament-2",
		Code:         "SOLO",
		Name:         "Self-paced tournament",
		QuestionUIDs: []string{"q2", "q1"},
	}, questions...)
	return gw
}
