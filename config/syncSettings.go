package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SyncConfig holds ingestion tunables.
//
// Set via env:
// - PFA_SYNC_PAGE_SIZE (default 10000)
// - PFA_SYNC_CHUNK_SIZE (default 1000)
// - PFA_DEFAULT_TENANT / PFA_DEFAULT_GRID_ID / PFA_DEFAULT_REMOTE_ORG_CODE
// - PFA_SYNC_LOCK_TTL_SECONDS (default 900)
// - PFA_SYNC_PROGRESS_TTL_SECONDS (default 86400)
// - PFA_DRIFT_LOOKBACK (default 10), batches the drift view covers
// - PFA_SYNC_ORG_BATCH_SIZE (default 50)
type SyncConfig struct {
	PageSize            int
	ChunkSize           int
	DefaultTenant       string
	DefaultGridId       string
	DefaultRemoteOrg    string
	LockTTL             time.Duration
	ProgressTTL         time.Duration
	DriftLookbackCount  int
	OrganizationBatchSz int
}

func SyncSettings() SyncConfig {
	cfg := SyncConfig{
		PageSize:            intFromEnv("PFA_SYNC_PAGE_SIZE", 10000),
		ChunkSize:           intFromEnv("PFA_SYNC_CHUNK_SIZE", 1000),
		DefaultTenant:       strings.TrimSpace(os.Getenv("PFA_DEFAULT_TENANT")),
		DefaultGridId:       strings.TrimSpace(os.Getenv("PFA_DEFAULT_GRID_ID")),
		DefaultRemoteOrg:    strings.TrimSpace(os.Getenv("PFA_DEFAULT_REMOTE_ORG_CODE")),
		LockTTL:             time.Duration(intFromEnv("PFA_SYNC_LOCK_TTL_SECONDS", 900)) * time.Second,
		ProgressTTL:         time.Duration(intFromEnv("PFA_SYNC_PROGRESS_TTL_SECONDS", 86400)) * time.Second,
		DriftLookbackCount:  intFromEnv("PFA_DRIFT_LOOKBACK", 10),
		OrganizationBatchSz: intFromEnv("PFA_SYNC_ORG_BATCH_SIZE", 50),
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10000
	}
	if cfg.ChunkSize <= 0 || cfg.ChunkSize > cfg.PageSize {
		cfg.ChunkSize = min(1000, cfg.PageSize)
	}
	return cfg
}

// WorkerConfig holds write-back worker tunables.
//
// Set via env:
// - PFA_WRITEBACK_BATCH_SIZE (default 100)
// - PFA_WRITEBACK_CHUNK_SIZE (default 10)
// - PFA_WRITEBACK_RATE_PER_SECOND (default 10)
// - PFA_WRITEBACK_BASE_BACKOFF_SECONDS (default 5)
// - PFA_WRITEBACK_MAX_RETRIES (default 3)
// - PFA_WRITEBACK_POLL_INTERVAL_MS (default 5000)
// - PFA_WRITEBACK_LOCK_TIMEOUT_SECONDS (default 300)
type WorkerConfig struct {
	BatchSize     int
	ChunkSize     int
	RatePerSecond int
	ChunkPause    time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	MaxRetries    int
	PollInterval  time.Duration
	LockTimeout   time.Duration
	SkipDelay     time.Duration
}

func WorkerSettings() WorkerConfig {
	return WorkerConfig{
		BatchSize:     intFromEnv("PFA_WRITEBACK_BATCH_SIZE", 100),
		ChunkSize:     intFromEnv("PFA_WRITEBACK_CHUNK_SIZE", 10),
		RatePerSecond: intFromEnv("PFA_WRITEBACK_RATE_PER_SECOND", 10),
		ChunkPause:    durationFromEnv("PFA_WRITEBACK_CHUNK_PAUSE_MS", time.Millisecond, 1000),
		BaseBackoff:   durationFromEnv("PFA_WRITEBACK_BASE_BACKOFF_SECONDS", time.Second, 5),
		MaxBackoff:    durationFromEnv("PFA_WRITEBACK_MAX_BACKOFF_SECONDS", time.Second, 600),
		MaxRetries:    intFromEnv("PFA_WRITEBACK_MAX_RETRIES", 3),
		PollInterval:  durationFromEnv("PFA_WRITEBACK_POLL_INTERVAL_MS", time.Millisecond, 5000),
		LockTimeout:   durationFromEnv("PFA_WRITEBACK_LOCK_TIMEOUT_SECONDS", time.Second, 300),
		SkipDelay:     durationFromEnv("PFA_WRITEBACK_SKIP_DELAY_SECONDS", time.Second, 600),
	}
}

// EnvBool reads a boolean-ish env var ("true", "1", "yes", "y", "on").
func EnvBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationFromEnv(key string, unit time.Duration, def int) time.Duration {
	n := intFromEnv(key, def)
	if n < 0 {
		n = def
	}
	return time.Duration(n) * unit
}
