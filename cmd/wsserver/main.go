package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/alert"
	"github.com/whisper/dm-chat/internal/api"
	"github.com/whisper/dm-chat/internal/auth"
	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/config"
	"github.com/whisper/dm-chat/internal/delivery"
	"github.com/whisper/dm-chat/internal/fanout"
	"github.com/whisper/dm-chat/internal/logging"
	"github.com/whisper/dm-chat/internal/messaging"
	"github.com/whisper/dm-chat/internal/metrics"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/protocol"
	"github.com/whisper/dm-chat/internal/ratelimit"
	"github.com/whisper/dm-chat/internal/receipt"
	"github.com/whisper/dm-chat/internal/session"
	"github.com/whisper/dm-chat/internal/store"
	"github.com/whisper/dm-chat/internal/ws"
)

// pusher is what presence and delivery write through: the local server, or
// the cross-node bus in front of it.
type pusher interface {
	Broadcast(data []byte)
	SendTo(sessionIDs []string, data []byte) int
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("dm-chat server starting",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.String("registry", cfg.RegistryBackend),
		zap.String("store", cfg.StoreDriver),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("server_name", cfg.ServerName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Persistence ---
	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}

	// --- Registry + rate limiter ---
	var (
		registry    session.Registry
		redisReg    *session.RedisRegistry
		redisClient *redis.Client
		limiter     *ratelimit.Limiter
	)
	switch cfg.RegistryBackend {
	case config.RegistryRedis:
		redisClient, err = session.Dial(cfg.RedisAddr)
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		redisReg = session.NewRedisRegistry(redisClient, cfg.ServerName)
		registry = redisReg
		limiter = ratelimit.NewLimiter(redisClient, logger)
	default:
		registry = session.NewMemoryRegistry()
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "dm-chat-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
	}

	// --- Transport ---
	verifier := auth.NewJWTVerifier(cfg.JWTSecret, 0)
	gate := auth.NewGate(verifier, db, cfg.JWTCookie, logger)
	dispatcher := ws.NewMessageDispatcher(logger)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.Node = cfg.ServerName
	serverConfig.AllowedOrigin = cfg.ClientURL
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout
	serverConfig.TrustProxy = cfg.TrustProxy

	server := ws.NewServer(serverConfig, gate, limiter, dispatcher.Dispatch, logger)

	var push pusher = server
	if natsClient != nil {
		if redisReg == nil {
			logger.Warn("NATS configured without the redis registry, cross-node fan-out disabled")
		} else {
			bus := fanout.NewBus(cfg.ServerName, server, redisReg, natsClient, logger)
			if err := bus.Start(); err != nil {
				logger.Fatal("failed to start fan-out bus", zap.Error(err))
			}
			push = bus
		}
	}

	// --- Core ---
	tracker := presence.NewTracker(registry, push, db, logger)
	router := delivery.NewRouter(registry, push, logger)
	receipts := receipt.NewSynchronizer(db, router, logger)
	server.SetPresence(tracker)

	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typing, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		tracker.Typing(context.Background(), conn.UserID, typing.ToUserID, typing.IsTyping)
	})

	// --- Admin alerts ---
	relay := alert.NewRelay(alertSink(cfg, natsClient, logger), db, alert.DefaultQueueSize, logger)
	if cfg.AdminUserID != "" {
		router.ObserveAdmin(cfg.AdminUserID, func(msg *chat.Message) { relay.Notify(msg) })
	}
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(relayCtx)
	}()

	// Sessions this node held before a crash are still in the shared registry.
	if redisReg != nil {
		purgeStaleSessions(ctx, redisReg, tracker, logger)
	}

	if err := server.Start(); err != nil {
		logger.Fatal("failed to start websocket server", zap.Error(err))
	}

	engine := api.NewEngine(cfg.ClientURL, api.Deps{
		Gate:     gate,
		Store:    db,
		Router:   router,
		Receipts: receipts,
		Presence: tracker,
		Limiter:  limiter,
		Logger:   logger,
	}, server, metrics.Handler())

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		logger.Error("http server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("received signal, initiating graceful shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown", zap.Error(err))
	}

	stopRelay()
	<-relayDone

	if natsClient != nil {
		natsClient.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", zap.Error(err))
		}
	}
	if err := db.Close(shutdownCtx); err != nil {
		logger.Warn("store close", zap.Error(err))
	}

	logger.Info("graceful shutdown complete")
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, error) {
	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StoreMongo:
		mdb, err := store.OpenMongo(openCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		m := store.NewMongo(mdb)
		if err := m.EnsureIndexes(openCtx); err != nil {
			return nil, err
		}
		logger.Info("mongo store ready", zap.String("database", cfg.MongoDatabase))
		return m, nil
	default:
		sqlDB, err := store.OpenPostgres(openCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(sqlDB); err != nil {
			sqlDB.Close()
			return nil, err
		}
		logger.Info("postgres store ready")
		return store.NewPostgres(sqlDB), nil
	}
}

// alertSink picks where admin alerts go: NATS for the notifier when
// configured, Telegram directly when a bot token is set, otherwise the log.
func alertSink(cfg config.Config, natsClient *messaging.NATSClient, logger *zap.Logger) alert.Sink {
	if natsClient != nil {
		return alert.NewNATSSink(natsClient)
	}
	if cfg.TelegramToken != "" {
		sink, err := alert.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID)
		if err == nil {
			return sink
		}
		logger.Warn("telegram sink disabled", zap.Error(err))
	}
	return alert.NewLogSink(logger)
}

// purgeStaleSessions runs the full removal path for sessions registered
// under this node by a previous process.
func purgeStaleSessions(ctx context.Context, reg *session.RedisRegistry, tracker *presence.Tracker, logger *zap.Logger) {
	ids, err := reg.SessionsOnNode(ctx, reg.Node())
	if err != nil {
		logger.Warn("list stale sessions", zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := tracker.Disconnect(ctx, id); err != nil {
			logger.Warn("purge stale session", zap.String("session_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		logger.Info("purged stale sessions", zap.Int("count", len(ids)))
	}
}
