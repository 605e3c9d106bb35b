package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/auth"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/infra/memory"
	"quiz-session-service/internal/infra/postgres"
	redisinfra "quiz-session-service/internal/infra/redis"
	"quiz-session-service/internal/logging"
	"quiz-session-service/internal/realtime"
	transport "quiz-session-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// store is what both the memory and the Postgres backends provide.
type store interface {
	app.SessionRepository
	app.AttemptRepository
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.NewContext(ctx, logger)

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var st store = memory.NewStore()
	if cfg.Postgres.URL != "" {
		if err := runMigrations(ctx, cfg, logger); err != nil {
			return err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = postgres.NewStore(pool)
		logger.Info("using postgres store")
	} else {
		logger.Warn("postgres url not set, sessions are kept in memory")
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

	joinCodeTTL := config.TTLDuration(cfg.Session.JoinCodeTTL, 10*time.Minute)
	var codes app.JoinCodeResolver
	hubOpts := []realtime.HubOption{
		realtime.WithBuffer(cfg.Realtime.ClientBuffer),
		realtime.WithLogger(logger),
	}
	presenceTTL := config.TTLDuration(cfg.Redis.TTL, 10*time.Minute)
	var presence *redisinfra.RoomPresence
	if redisClient != nil {
		codes = redisinfra.NewJoinCodeCache(redisClient, st, joinCodeTTL)
		presence = redisinfra.NewRoomPresence(redisClient, uuid.NewString(), presenceTTL)
		hubOpts = append(hubOpts, realtime.WithTracker(presence))
	} else {
		codes = memory.NewJoinCodeCache(st, joinCodeTTL)
	}
	hub := realtime.NewHub(hubOpts...)

	var events app.Broadcaster = hub
	var relay *redisinfra.RoomRelay
	if redisClient != nil {
		relay = redisinfra.NewRoomRelay(redisClient, hub, logger, redisinfra.WithPresence(presence))
		events = relay
	}

	service := app.NewService(st, st, events,
		app.WithJoinCodes(codes),
		app.WithSettings(app.Settings{
			JoinCodeLength:   cfg.Session.JoinCodeLength,
			JoinCodeAttempts: cfg.Session.JoinCodeAttempts,
			WriteRetries:     cfg.Session.WriteRetries,
			LeaderboardLimit: cfg.Session.LeaderboardLimit,
		}),
	)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, nil)
	api := transport.NewAPI(service, verifier, logger)
	ws := transport.NewWSHandler(service, hub, verifier, logger, config.TTLDuration(cfg.Realtime.PingInterval, 0))

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           api.Routes(ws),
		ReadHeaderTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if relay != nil {
			// events published before the pattern subscription is live would be lost
			select {
			case <-relay.Ready():
			case <-gctx.Done():
				return nil
			}
		}
		logger.Info("starting quiz session service", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if presence != nil {
		g.Go(func() error {
			keepPresence(gctx, presence, hub, presenceTTL/3, logger)
			return nil
		})
	}
	if every := config.TTLDuration(cfg.Session.SweepInterval, 0); every > 0 {
		g.Go(func() error {
			sweep(gctx, service, every, logger)
			return nil
		})
	}
	return g.Wait()
}

// sweep ends overdue sessions on a fixed interval until ctx is done.
func sweep(ctx context.Context, service *app.Service, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := service.ExpireDue(ctx, 100)
			if err != nil {
				logger.Warn("expiry sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired sessions", "count", n)
			}
		}
	}
}

type roomKeeper interface {
	Keepalive(ctx context.Context, sessionIDs []string) error
}

// keepPresence refreshes the presence entries of every locally open room so
// they outlive the key TTL for as long as this instance serves them.
func keepPresence(ctx context.Context, presence roomKeeper, hub *realtime.Hub, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := presence.Keepalive(ctx, hub.Rooms()); err != nil {
				logger.Warn("room presence refresh failed", "err", err)
			}
		}
	}
}
