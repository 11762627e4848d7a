package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/emochat/internal/assistant"
	"github.com/whisper/emochat/internal/config"
	"github.com/whisper/emochat/internal/gateway"
	"github.com/whisper/emochat/internal/inactivity"
	"github.com/whisper/emochat/internal/logging"
	"github.com/whisper/emochat/internal/media"
	"github.com/whisper/emochat/internal/messaging"
	"github.com/whisper/emochat/internal/metrics"
	"github.com/whisper/emochat/internal/moderation"
	"github.com/whisper/emochat/internal/ratelimit"
	"github.com/whisper/emochat/internal/room"
	"github.com/whisper/emochat/internal/session"
	"github.com/whisper/emochat/internal/stats"
	"github.com/whisper/emochat/internal/store"
	"github.com/whisper/emochat/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logging.Init(logging.Config{
		Service: "emochat-ws",
		Version: version,
		Env:     logging.ParseEnv(cfg.Log.Env),
		Backend: logging.Backend(cfg.Log.Backend),
		Debug:   cfg.Log.Debug,
	})

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx := context.Background()

	serverName := cfg.Server.Name
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}

	// --- Session store ---
	base, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	sessions := store.WithRetry(base, cfg.Store.AppendRetries, 100*time.Millisecond)

	// --- Redis (presence + flood control) ---
	var (
		rdb      *redis.Client
		presence gateway.Presence
		limiter  gateway.Limiter
	)
	if cfg.Redis.Addr != "" {
		rdb, err = session.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		presence = session.NewStore(rdb, serverName)
		limiter = ratelimit.NewLimiter(rdb)
	} else {
		log.Warn("REDIS_ADDR not set, presence and flood control disabled")
	}

	// --- NATS (room events) ---
	var (
		natsClient *messaging.NATSClient
		events     room.Publisher
	)
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "emochat-" + serverName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			return err
		}
		events = natsClient
	}

	// --- Media ---
	var payloads media.Store = media.Inline{}
	if cfg.Media.Bucket != "" {
		s3, err := media.NewS3(ctx, cfg.Media.Region, cfg.Media.Bucket, cfg.Media.Prefix)
		if err != nil {
			return err
		}
		payloads = s3
	}

	// --- Assistant ---
	var provider assistant.Provider = assistant.Disabled{}
	if cfg.Assistant.APIKey != "" {
		provider = assistant.NewOpenAI(cfg.Assistant.APIKey, cfg.Assistant.Model, cfg.Assistant.MaxTokens)
	} else {
		log.Warn("OPENAI_API_KEY not set, assistant disabled")
	}

	// --- Rooms ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	wsConfig.MaxConnections = cfg.Server.MaxConnections
	wsConfig.ReadTimeout = cfg.Server.ReadTimeout
	wsConfig.WriteTimeout = cfg.Server.WriteTimeout

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(wsConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	// The scheduler only fires for rooms opened after trigger is set below.
	var trigger *assistant.Trigger
	scheduler := inactivity.New(cfg.Chat.InactivityTimeout, func(ctx context.Context, roomID string) {
		trigger.Fire(ctx, roomID)
	})

	var checker moderation.Checker = moderation.NewFilter()
	if cfg.Chat.SpamFilter {
		checker = moderation.Chain{moderation.NewFilter(), moderation.SpamFilter{}}
	}

	notifier := gateway.NewNotifier(server, presence)
	manager := room.NewManager(room.Config{
		Store:        sessions,
		Media:        payloads,
		Timer:        scheduler,
		Moderation:   checker,
		Notifier:     notifier,
		Events:       events,
		ServerName:   serverName,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	notifier.Bind(manager.Participant)
	trigger = assistant.NewTrigger(manager, sessions, provider, cfg.Chat.HistoryWindow, cfg.Assistant.Timeout)

	gw := gateway.New(gateway.Config{
		Rooms:    manager,
		Sender:   server,
		Presence: presence,
		Limiter:  limiter,
	})
	gw.Register(dispatcher)
	server.SetOnConnect(gw.OnConnect)
	server.SetOnDisconnect(gw.OnDisconnect)

	if err := server.Start(); err != nil {
		return err
	}

	// --- HTTP ---
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Handle("/ws", server)
	r.Get("/health", server.HandleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/stats", stats.NewHandler(sessions, manager).Routes())

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("emochat server starting",
		"listen_addr", cfg.Server.ListenAddr,
		"server_name", serverName,
		"store", cfg.Store.Backend,
		"redis", cfg.Redis.Addr != "",
		"nats", natsClient != nil,
		"media_bucket", cfg.Media.Bucket,
		"assistant", cfg.Assistant.APIKey != "",
		"inactivity_timeout", cfg.Chat.InactivityTimeout)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig.String())
	case runErr = <-errCh:
		log.Error("http server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// Disconnect callbacks close every room before the scheduler stops.
	_ = server.Shutdown()
	scheduler.Stop()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Warn("pending message writes abandoned", "error", err)
	}
	if err := sessions.Close(shutdownCtx); err != nil {
		log.Warn("session store close", "error", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("shutdown complete")
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return store.NewPostgres(ctx, cfg.PostgresDSN)
	case config.BackendMongo:
		return store.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		slog.Warn("using in-memory session store, data is lost on restart")
		return store.NewMemory(), nil
	}
}
