// Package sessionstate parses engine command flags and launches the engine
// runtime.
package sessionstate

import (
	"context"
	"flag"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/sessionstate/internal/platform/cmd"
	"github.com/louisbranch/sessionstate/internal/platform/logging"
	"github.com/louisbranch/sessionstate/internal/platform/timeouts"
	stateapp "github.com/louisbranch/sessionstate/internal/services/state/app"
	"github.com/louisbranch/sessionstate/internal/services/state/archive/backend"
	"github.com/louisbranch/sessionstate/internal/services/state/engine"
)

// Config holds engine command configuration. Environment names are read
// with the SESSIONSTATE_ prefix.
type Config struct {
	Port           int      `env:"PORT" envDefault:"8094"`
	DataDir        string   `env:"DATA_DIR" envDefault:"data"`
	SnapshotStores []string `env:"SNAPSHOT_STORES" envSeparator:"," envDefault:"sqlite"`
	ArchiveBackend string   `env:"ARCHIVE_BACKEND" envDefault:"sqlite"`
	PolicyFile     string   `env:"POLICY_FILE"`
	TerminalStates []string `env:"TERMINAL_STATES" envSeparator:"," envDefault:"completed"`

	SnapshotFrequency    int           `env:"SNAPSHOT_FREQUENCY" envDefault:"100"`
	CompressionThreshold int           `env:"COMPRESSION_THRESHOLD" envDefault:"4096"`
	KeepSnapshots        int           `env:"KEEP_SNAPSHOTS" envDefault:"0"`
	PruneOnCompact       bool          `env:"PRUNE_ON_COMPACT" envDefault:"false"`
	MaxActive            int           `env:"MAX_ACTIVE" envDefault:"10000"`
	MaxFallbackAttempts  int           `env:"MAX_FALLBACK_ATTEMPTS" envDefault:"3"`
	RecoveryTimeout      time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"30s"`
	RetrieveTimeout      time.Duration `env:"RETRIEVE_TIMEOUT" envDefault:"3s"`
	ArchiveTimeout       time.Duration `env:"ARCHIVE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
	TickInterval         time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`
	MemoryLimit          uint64        `env:"MEMORY_LIMIT_BYTES" envDefault:"0"`

	HMACKeys  string `env:"EVENT_HMAC_KEYS"`
	HMACKey   string `env:"EVENT_HMAC_KEY"`
	HMACKeyID string `env:"EVENT_HMAC_KEY_ID" envDefault:"v1"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"sessionstate:archive:"`
	RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"0"`

	GCSBucket       string `env:"GCS_BUCKET"`
	GCSPrefix       string `env:"GCS_PREFIX"`
	GCSEmulatorHost string `env:"GCS_EMULATOR_HOST"`

	LogMode  string `env:"LOG_MODE" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	snapshotStores := strings.Join(cfg.SnapshotStores, ",")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The health gRPC server port")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory for SQLite and bbolt files (empty keeps state in memory)")
	fs.StringVar(&snapshotStores, "snapshot-stores", snapshotStores, "Comma separated snapshot stores in read priority order (memory, sqlite, bbolt)")
	fs.StringVar(&cfg.ArchiveBackend, "archive-backend", cfg.ArchiveBackend, "Archive backend (memory, sqlite, redis, gcs, tiered)")
	fs.StringVar(&cfg.PolicyFile, "policy-file", cfg.PolicyFile, "YAML file with per-type archive policies")
	fs.IntVar(&cfg.SnapshotFrequency, "snapshot-frequency", cfg.SnapshotFrequency, "Snapshot every N transitions")
	fs.IntVar(&cfg.MaxActive, "max-active", cfg.MaxActive, "Maximum entities in the active table (0 = unbounded)")
	fs.DurationVar(&cfg.TickInterval, "heartbeat-interval", cfg.TickInterval, "Interval between archival evaluations and heartbeats")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Interval between archive retention sweeps")
	fs.StringVar(&cfg.LogMode, "log-mode", cfg.LogMode, "Log output mode (production or development)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Minimum log level")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.SnapshotStores = splitCSV(snapshotStores)
	return cfg, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	output := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		output = append(output, trimmed)
	}
	return output
}

// RuntimeConfig maps the command configuration onto the runtime.
func (c Config) RuntimeConfig(logger *logging.Logger) stateapp.RuntimeConfig {
	engineCfg := engine.DefaultConfig()
	engineCfg.SnapshotFrequency = c.SnapshotFrequency
	engineCfg.CompressionThreshold = c.CompressionThreshold
	engineCfg.KeepSnapshots = c.KeepSnapshots
	engineCfg.PruneOnCompact = c.PruneOnCompact
	engineCfg.MaxActive = c.MaxActive
	engineCfg.MaxFallbackAttempts = c.MaxFallbackAttempts
	engineCfg.RecoveryTimeout = orDefault(c.RecoveryTimeout, timeouts.Recovery)
	engineCfg.RetrieveTimeout = orDefault(c.RetrieveTimeout, timeouts.ArchiveRetrieve)
	engineCfg.ArchiveTimeout = orDefault(c.ArchiveTimeout, timeouts.ArchiveBatch)
	engineCfg.ShutdownTimeout = orDefault(c.ShutdownTimeout, timeouts.Shutdown)

	return stateapp.RuntimeConfig{
		Port: c.Port,
		Storage: stateapp.StorageConfig{
			DataDir:        c.DataDir,
			SnapshotStores: c.SnapshotStores,
			ArchiveBackend: c.ArchiveBackend,
			HMACKeys:       c.HMACKeys,
			HMACKey:        c.HMACKey,
			HMACKeyID:      c.HMACKeyID,
			Redis: backend.RedisConfig{
				Addr:     c.RedisAddr,
				Password: c.RedisPassword,
				DB:       c.RedisDB,
				Prefix:   c.RedisPrefix,
				TTL:      c.RedisTTL,
			},
			GCS: backend.GCSConfig{
				Bucket:       c.GCSBucket,
				Prefix:       c.GCSPrefix,
				EmulatorHost: c.GCSEmulatorHost,
			},
		},
		Engine:         engineCfg,
		PolicyFile:     c.PolicyFile,
		TickInterval:   c.TickInterval,
		SweepInterval:  c.SweepInterval,
		MemoryLimit:    c.MemoryLimit,
		TerminalStates: c.TerminalStates,
		Logger:         logger,
	}
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Run starts the engine runtime.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.LogMode, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	options := entrypoint.RunOptions{ShutdownTimeout: cfg.ShutdownTimeout, Logger: logger}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceSessionState, options, func(ctx context.Context) error {
		return stateapp.Run(ctx, cfg.RuntimeConfig(logger))
	})
}
