package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bken/server/internal/config"
	"bken/server/internal/core"
	"bken/server/internal/httpapi"
	"bken/server/internal/media"
	"bken/server/internal/ratelimit"
	"bken/server/internal/store"
	"bken/server/internal/upload"
	"bken/server/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFor(cfg),
	}))
	slog.SetDefault(logger)

	hist, err := store.Open(cfg.HistoryDBPath)
	if err != nil {
		logger.Error("open session history store", "err", err)
		os.Exit(1)
	}
	defer hist.Close()

	registry := core.NewRegistry(logger, cfg.MaxClientsPerRoom, cfg.MaxBandwidthMbps)

	processor := media.NewProcessor(media.NewExecRunner("", ""), cfg.UploadsDir, logger)

	uploadMgr, err := upload.NewManager(cfg.UploadsDir, cfg.UploadProgressThrottle, logger, func(room *core.Room, finalPath string) {
		processor.Process(context.Background(), room, finalPath, -1)
	})
	if err != nil {
		logger.Error("create upload manager", "err", err)
		os.Exit(1)
	}
	registry.AddDeleteHook(uploadMgr.CleanupRoom)

	admission := ratelimit.Admission{MaxClients: cfg.MaxClientsPerRoom, MaxBandwidthMbps: cfg.MaxBandwidthMbps}
	cors := ratelimit.NewCORS(cfg.AllowedOrigins)
	ipLimiter := ratelimit.NewIPLimiter(cfg.RateLimitPerMinute, cfg.RateLimitWindow)

	wsHandler := ws.NewHandler(registry, admission, cfg.HeartbeatInterval, cfg.ViewerBroadcastDebounce, cors, logger)

	server := httpapi.New(httpapi.Config{
		Registry:      registry,
		Uploads:       uploadMgr,
		Processor:     processor,
		History:       hist,
		WS:            wsHandler,
		IPLimiter:     ipLimiter,
		CORS:          cors,
		UploadsDir:    cfg.UploadsDir,
		PublicDir:     cfg.PublicDir,
		PublicBaseURL: "",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go registry.RunCleanupLoop(ctx, cfg.RoomCleanupTick, cfg.RoomIdleTimeout, cfg.RoomDeleteDebounce)
	go registry.RunHostCheckLoop(ctx, cfg.HostCheckTick, cfg.HostInactivityTimeout)
	go registry.RunSyncLoop(ctx, cfg.SyncTickInterval, cfg.SyncPlayingPeriod, cfg.SyncPausedPeriod)
	go uploadMgr.RunHandleSweep(ctx, cfg.UploadHandleSweepTick, cfg.UploadHandleIdleTimeout)
	go uploadMgr.RunTTLGC(ctx, cfg.UploadGCTick, cfg.UploadTTL)

	logger.Info("server starting", "port", cfg.Port, "node_env", cfg.NodeEnv)
	if err := server.Run(ctx, ":"+cfg.Port); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func levelFor(cfg config.Config) slog.Level {
	if cfg.IsDevelopment() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
