package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/chat-room/internal/api"
	"github.com/whisper/chat-room/internal/config"
	"github.com/whisper/chat-room/internal/logging"
	"github.com/whisper/chat-room/internal/messaging"
	"github.com/whisper/chat-room/internal/presence"
	"github.com/whisper/chat-room/internal/ratelimit"
	"github.com/whisper/chat-room/internal/room"
	"github.com/whisper/chat-room/internal/store"
	"github.com/whisper/chat-room/internal/ws"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// --- Durable log ---
	messages, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN())
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open message store")
	}
	logger.Info().Str("driver", cfg.StoreDriver).Msg("message store ready")

	roomOpts := room.Options{
		QueueSize: cfg.RoomQueueSize,
		Logger:    logger,
	}

	// --- Redis (optional) ---
	var (
		presenceStore *presence.Store
		frameLimiter  room.FrameLimiter
		connLimiter   api.ConnectLimiter
		lookup        api.PresenceLookup
	)
	if cfg.RedisAddr != "" {
		presenceStore, err = presence.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
		}
		roomOpts.Presence = presenceStore
		lookup = presenceStore

		limiter := ratelimit.NewLimiter(presenceStore.Client(), logger)
		frameLimiter = limiter.Frames(ratelimit.FrameRules{
			Post: ratelimit.Rule{
				Key:    ratelimit.RuleFrame.Key,
				Limit:  cfg.FrameRateLimit,
				Window: cfg.FrameRateWindow,
			},
			Read: ratelimit.RuleRead,
		})
		connLimiter = limiter.Bind(ratelimit.RuleConnect)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("presence mirror and rate limiting enabled")
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("failed to connect to NATS")
		}
		roomOpts.Publisher = natsClient
	}

	manager := room.NewManager(messages, roomOpts, frameLimiter)

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}
	server := ws.NewServer(serverConfig, ws.Handlers{
		OnConnect: func(c *ws.Connection) error {
			joinCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return manager.Join(joinCtx, c.RoomID, c)
		},
		OnMessage: func(c *ws.Connection, data []byte) {
			manager.Receive(c, data)
		},
		OnClose: func(c *ws.Connection) {
			manager.Leave(c)
		},
	}, logger)

	router := api.NewRouter(api.Deps{
		Logger:    logger,
		Upgrader:  server,
		Rooms:     manager,
		Store:     messages,
		Limiter:   connLimiter,
		Presence:  lookup,
		StaticDir: cfg.StaticDir,
	})

	logger.Info().
		Str("env", cfg.Env).
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Str("store", cfg.StoreDriver).
		Bool("redis", cfg.RedisAddr != "").
		Bool("nats", cfg.NATSURL != "").
		Str("server_name", cfg.ServerName).
		Msg("chat room server starting")

	go func() {
		if err := server.Serve(router); err != nil {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Closing every connection evicts its room; the manager then stops any
	// room still held and waits for pending writes.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("rooms did not drain before the deadline")
	}

	if natsClient != nil {
		natsClient.Close()
	}
	if presenceStore != nil {
		if err := presenceStore.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}
	if err := messages.Close(); err != nil {
		logger.Error().Err(err).Msg("message store close error")
	}

	logger.Info().Msg("server stopped")
}
