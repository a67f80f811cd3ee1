// Package config loads server configuration from flags with environment
// variable fallback, the way the teacher's main.go does.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	Port          string
	UploadsDir    string
	PublicDir     string
	AllowedOrigins []string
	NodeEnv       string
	HistoryDBPath string

	MaxClientsPerRoom int
	MaxBandwidthMbps  float64

	RoomIdleTimeout    time.Duration
	RoomCleanupTick    time.Duration
	RoomDeleteDebounce time.Duration

	HostInactivityTimeout time.Duration
	HostCheckTick         time.Duration

	UploadHandleIdleTimeout time.Duration
	UploadHandleSweepTick   time.Duration
	UploadTTL               time.Duration
	UploadGCTick            time.Duration
	UploadProgressThrottle  time.Duration

	SyncTickInterval   time.Duration
	SyncPlayingPeriod  time.Duration
	SyncPausedPeriod   time.Duration

	ViewerBroadcastDebounce time.Duration
	HeartbeatInterval       time.Duration

	RateLimitPerMinute int
	RateLimitWindow    time.Duration
}

// Load reads flags and environment variables, applying the spec's
// defaults where neither is set.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("bken-watchparty", flag.ContinueOnError)

	cfg := Config{}
	fs.StringVar(&cfg.Port, "port", envOr("PORT", "8080"), "HTTP listen port")
	fs.StringVar(&cfg.UploadsDir, "uploads-dir", envOr("UPLOADS_DIR", "./uploads"), "uploads root directory")
	fs.StringVar(&cfg.PublicDir, "public-dir", envOr("PUBLIC_DIR", "./public"), "static asset directory")
	origins := fs.String("allowed-origins", envOr("ALLOWED_ORIGINS", ""), "comma-separated CORS allow-list; empty = permissive")
	fs.StringVar(&cfg.NodeEnv, "node-env", envOr("NODE_ENV", "development"), "deployment environment label")
	fs.StringVar(&cfg.HistoryDBPath, "history-db", envOr("HISTORY_DB", "./uploads/history.db"), "path to the session-history sqlite database")

	fs.IntVar(&cfg.MaxClientsPerRoom, "max-clients", ParseIntDefault(envOr("MAX_CLIENTS", ""), 10), "maximum connected clients per room")
	fs.Float64Var(&cfg.MaxBandwidthMbps, "max-bandwidth-mbps", 150, "maximum aggregate estimated bandwidth per room")

	fs.DurationVar(&cfg.RoomIdleTimeout, "room-idle-timeout", 10*time.Minute, "delete a clientless room after this long")
	fs.DurationVar(&cfg.RoomCleanupTick, "room-cleanup-tick", 5*time.Minute, "registry cleanup sweep interval")
	fs.DurationVar(&cfg.RoomDeleteDebounce, "room-delete-debounce", 30*time.Second, "grace period after last client leaves before deletion")

	fs.DurationVar(&cfg.HostInactivityTimeout, "host-inactivity-timeout", 60*time.Second, "host heartbeat staleness before transfer is eligible")
	fs.DurationVar(&cfg.HostCheckTick, "host-check-tick", 15*time.Second, "host-inactivity check interval")

	fs.DurationVar(&cfg.UploadHandleIdleTimeout, "upload-handle-idle-timeout", 60*time.Second, "close idle cached upload file handles after this long")
	fs.DurationVar(&cfg.UploadHandleSweepTick, "upload-handle-sweep-tick", 15*time.Second, "idle upload handle sweep interval")
	fs.DurationVar(&cfg.UploadTTL, "upload-ttl", 30*time.Minute, "delete stale upload directories after this long")
	fs.DurationVar(&cfg.UploadGCTick, "upload-gc-tick", 5*time.Minute, "upload TTL GC sweep interval")
	fs.DurationVar(&cfg.UploadProgressThrottle, "upload-progress-throttle", 250*time.Millisecond, "minimum spacing between upload-progress broadcasts")

	fs.DurationVar(&cfg.SyncTickInterval, "sync-tick-interval", time.Second, "global sync tick loop interval")
	fs.DurationVar(&cfg.SyncPlayingPeriod, "sync-playing-period", 2*time.Second, "per-room sync frame period while playing")
	fs.DurationVar(&cfg.SyncPausedPeriod, "sync-paused-period", 5*time.Second, "per-room sync frame period while paused")

	fs.DurationVar(&cfg.ViewerBroadcastDebounce, "viewer-broadcast-debounce", 500*time.Millisecond, "viewer-count broadcast debounce")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 30*time.Second, "server WebSocket ping interval")

	fs.IntVar(&cfg.RateLimitPerMinute, "rate-limit-requests", ParseIntDefault(envOr("RATE_LIMIT_REQUESTS", ""), 120), "per-IP request budget per window")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-limit-window", 60*time.Second, "per-IP rate limit window")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(*origins) != "" {
		for _, o := range strings.Split(*origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// IsDevelopment reports whether NodeEnv indicates local development,
// used to relax a handful of defaults (e.g. verbose logging).
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.NodeEnv, "development") || c.NodeEnv == ""
}

// ParseIntDefault parses s as an int, returning def on any failure.
// Load uses it for the integer settings read from environment variables.
func ParseIntDefault(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
