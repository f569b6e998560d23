// Package config loads the shardlogd configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/unijord/shardlog/pkg/archive"
	"github.com/unijord/shardlog/pkg/docstore"
	"github.com/unijord/shardlog/pkg/migration"
	"github.com/unijord/shardlog/pkg/node"
	"github.com/unijord/shardlog/pkg/replication"
)

// Config is the root of the configuration file.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	WAL       WALConfig       `yaml:"wal"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Applier   ApplierConfig   `yaml:"applier"`
	Migration MigrationConfig `yaml:"migration"`
	Logger    LoggerConfig    `yaml:"logger"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"dataDir"`
	// Role used on first start, later the persisted role wins.
	Role string `yaml:"role"`
}

type WALConfig struct {
	MaxSegmentSizeBytes  int64 `yaml:"maxSegmentSizeBytes"`
	MaxSegmentAgeSeconds int   `yaml:"maxSegmentAgeSeconds"`
	SyncEveryWrite       bool  `yaml:"syncEveryWrite"`
	// Background sync of the active segment, unused with syncEveryWrite.
	SyncIntervalMs       int `yaml:"syncIntervalMs"`
	SyncDelayThresholdMs int `yaml:"syncDelayThresholdMs"`
}

type ArchiveConfig struct {
	// 0 disables the limit. Segments still needed are kept above it.
	WalArchiveSizeLimitBytes int64 `yaml:"walArchiveSizeLimitBytes"`
	WalFileTimeoutSeconds    int   `yaml:"walFileTimeoutSeconds"`
	IntervalSeconds          int   `yaml:"intervalSeconds"`
	// A consumer that did not fetch for this long loses its watermark.
	WatermarkTTLSeconds int `yaml:"watermarkTtlSeconds"`
}

type ApplierConfig struct {
	Endpoint          string  `yaml:"endpoint"`
	AutoStart         bool    `yaml:"autoStart"`
	BackoffInitialMs  int     `yaml:"backoffInitialMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
	BackoffMaxMs      int     `yaml:"backoffMaxMs"`
	ConnectTimeoutMs  int     `yaml:"connectTimeoutMs"`
	BatchSize         int     `yaml:"batchSize"`
	PollIntervalMs    int     `yaml:"pollIntervalMs"`
}

type MigrationConfig struct {
	LagThreshold          uint64 `yaml:"lagThreshold"`
	CatchUpTimeoutSeconds int    `yaml:"catchUpTimeoutSeconds"`
	MaxAttempts           int    `yaml:"maxAttempts"`
	MaxSourceFailures     uint64 `yaml:"maxSourceFailures"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a single node development config.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:      "node-1",
			DataDir: "./data",
			Role:    docstore.RoleLeader,
		},
		WAL: WALConfig{
			MaxSegmentSizeBytes:  16 * 1024 * 1024,
			MaxSegmentAgeSeconds: 0,
			SyncIntervalMs:       100,
			SyncDelayThresholdMs: 5_000,
		},
		Archive: ArchiveConfig{
			WalArchiveSizeLimitBytes: 0,
			WalFileTimeoutSeconds:    0,
			IntervalSeconds:          10,
			WatermarkTTLSeconds:      600,
		},
		Applier: ApplierConfig{
			BackoffInitialMs:  100,
			BackoffMultiplier: 2,
			BackoffMaxMs:      30_000,
			ConnectTimeoutMs:  5_000,
			BatchSize:         512,
			PollIntervalMs:    100,
		},
		Migration: MigrationConfig{
			LagThreshold:          64,
			CatchUpTimeoutSeconds: 300,
			MaxAttempts:           3,
			MaxSourceFailures:     5,
		},
		Logger: LoggerConfig{
			Level: "INFO",
		},
		HTTP: HTTPConfig{
			Addr: ":8529",
		},
	}
}

// Load reads the YAML file at path on top of Default. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	return cfg, cfg.Validate()
}

// fillDefaults replaces zero values that are never valid settings.
func (c *Config) fillDefaults() {
	d := Default()
	orString := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	orInt := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	orString(&c.Node.ID, d.Node.ID)
	orString(&c.Node.DataDir, d.Node.DataDir)
	orString(&c.Node.Role, d.Node.Role)
	if c.WAL.MaxSegmentSizeBytes == 0 {
		c.WAL.MaxSegmentSizeBytes = d.WAL.MaxSegmentSizeBytes
	}
	orInt(&c.WAL.SyncIntervalMs, d.WAL.SyncIntervalMs)
	orInt(&c.WAL.SyncDelayThresholdMs, d.WAL.SyncDelayThresholdMs)
	orInt(&c.Archive.IntervalSeconds, d.Archive.IntervalSeconds)
	orInt(&c.Archive.WatermarkTTLSeconds, d.Archive.WatermarkTTLSeconds)
	orInt(&c.Applier.BackoffInitialMs, d.Applier.BackoffInitialMs)
	orInt(&c.Applier.BackoffMaxMs, d.Applier.BackoffMaxMs)
	orInt(&c.Applier.ConnectTimeoutMs, d.Applier.ConnectTimeoutMs)
	orInt(&c.Applier.BatchSize, d.Applier.BatchSize)
	orInt(&c.Applier.PollIntervalMs, d.Applier.PollIntervalMs)
	if c.Applier.BackoffMultiplier == 0 {
		c.Applier.BackoffMultiplier = d.Applier.BackoffMultiplier
	}
	if c.Migration.LagThreshold == 0 {
		c.Migration.LagThreshold = d.Migration.LagThreshold
	}
	if c.Migration.MaxSourceFailures == 0 {
		c.Migration.MaxSourceFailures = d.Migration.MaxSourceFailures
	}
	orInt(&c.Migration.CatchUpTimeoutSeconds, d.Migration.CatchUpTimeoutSeconds)
	orInt(&c.Migration.MaxAttempts, d.Migration.MaxAttempts)
	orString(&c.Logger.Level, d.Logger.Level)
	orString(&c.HTTP.Addr, d.HTTP.Addr)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Node.ID != "", "node.id is required")
	check(c.Node.DataDir != "", "node.dataDir is required")
	check(c.Node.Role == docstore.RoleLeader || c.Node.Role == docstore.RoleFollower,
		"node.role must be %q or %q, got %q", docstore.RoleLeader, docstore.RoleFollower, c.Node.Role)
	check(c.WAL.MaxSegmentSizeBytes >= 4096, "wal.maxSegmentSizeBytes must be at least 4096")
	check(c.WAL.MaxSegmentAgeSeconds >= 0, "wal.maxSegmentAgeSeconds must not be negative")
	check(c.WAL.SyncIntervalMs > 0, "wal.syncIntervalMs must be positive")
	check(c.WAL.SyncDelayThresholdMs >= c.WAL.SyncIntervalMs, "wal.syncDelayThresholdMs must not be below syncIntervalMs")
	check(c.Archive.WalArchiveSizeLimitBytes >= 0, "archive.walArchiveSizeLimitBytes must not be negative")
	check(c.Archive.WalFileTimeoutSeconds >= 0, "archive.walFileTimeoutSeconds must not be negative")
	check(c.Archive.IntervalSeconds > 0, "archive.intervalSeconds must be positive")
	check(c.Archive.WatermarkTTLSeconds > 0, "archive.watermarkTtlSeconds must be positive")
	check(c.Applier.BackoffInitialMs > 0, "applier.backoffInitialMs must be positive")
	check(c.Applier.BackoffMultiplier >= 1, "applier.backoffMultiplier must be at least 1")
	check(c.Applier.BackoffMaxMs >= c.Applier.BackoffInitialMs, "applier.backoffMaxMs must not be below backoffInitialMs")
	check(c.Applier.ConnectTimeoutMs > 0, "applier.connectTimeoutMs must be positive")
	check(c.Applier.BatchSize > 0, "applier.batchSize must be positive")
	check(c.Applier.PollIntervalMs > 0, "applier.pollIntervalMs must be positive")
	check(!c.Applier.AutoStart || c.Applier.Endpoint != "", "applier.autoStart needs applier.endpoint")
	check(c.Migration.MaxAttempts > 0, "migration.maxAttempts must be positive")
	_, err := parseLevel(c.Logger.Level)
	check(err == nil, "logger.level: %v", err)

	return errors.Join(errs...)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// Backoff returns the applier retry curve.
func (c ApplierConfig) Backoff() replication.Backoff {
	return replication.Backoff{
		Initial:    ms(c.BackoffInitialMs),
		Multiplier: c.BackoffMultiplier,
		Max:        ms(c.BackoffMaxMs),
	}
}

// Properties returns the applier properties to persist.
func (c ApplierConfig) Properties() replication.Properties {
	return replication.Properties{Endpoint: c.Endpoint, AutoStart: c.AutoStart}
}

// ToNode converts the config into node options.
func (c Config) ToNode(logger *slog.Logger) node.Config {
	return node.Config{
		ID:             c.Node.ID,
		DataDir:        c.Node.DataDir,
		Role:           c.Node.Role,
		MaxSegmentSize: c.WAL.MaxSegmentSizeBytes,
		MaxSegmentAge:  seconds(c.WAL.MaxSegmentAgeSeconds),
		SyncEveryWrite: c.WAL.SyncEveryWrite,

		SyncInterval:       ms(c.WAL.SyncIntervalMs),
		SyncDelayThreshold: ms(c.WAL.SyncDelayThresholdMs),

		Archive: archive.Config{
			SizeLimitBytes: c.Archive.WalArchiveSizeLimitBytes,
			FileTimeout:    seconds(c.Archive.WalFileTimeoutSeconds),
			Interval:       seconds(c.Archive.IntervalSeconds),
			WatermarkTTL:   seconds(c.Archive.WatermarkTTLSeconds),
		},
		Backoff:        c.Applier.Backoff(),
		ConnectTimeout: ms(c.Applier.ConnectTimeoutMs),
		BatchSize:      c.Applier.BatchSize,
		PollInterval:   ms(c.Applier.PollIntervalMs),
		Logger:         logger,
	}
}

// ToMigration converts the migration section.
func (c Config) ToMigration(router migration.Router, logger *slog.Logger) migration.Config {
	return migration.Config{
		Router:            router,
		LagThreshold:      c.Migration.LagThreshold,
		CatchUpTimeout:    seconds(c.Migration.CatchUpTimeoutSeconds),
		MaxAttempts:       c.Migration.MaxAttempts,
		MaxSourceFailures: c.Migration.MaxSourceFailures,
		Backoff:           c.Applier.Backoff(),
		BatchSize:         c.Applier.BatchSize,
		Logger:            logger,
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", level)
}

// NewLogger builds the process logger, JSON or text, writing to w.
func NewLogger(cfg LoggerConfig, w io.Writer) *slog.Logger {
	level, _ := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
