package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/creditledger/internal/lease/redislease"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/ledger"
)

const (
	flagDatabaseURL   = "database-url"
	flagRedisURL      = "redis-url"
	flagSweepSchedule = "sweep-schedule"

	configKeyDatabaseURL   = "database_url"
	configKeyRedisURL      = "redis_url"
	configKeySweepSchedule = "sweep_schedule"

	defaultDatabaseURL   = "sqlite:///tmp/creditledger.db"
	defaultSweepSchedule = "@every 1m"

	sweepLeaseKey = "creditledger:sweep:lease"
)

type runtimeConfig struct {
	DatabaseURL   string
	RedisURL      string
	SweepSchedule string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger sweep daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagRedisURL, "", "Redis URL for the sweep lease; empty runs a local in-process lease")
	cmd.Flags().String(flagSweepSchedule, defaultSweepSchedule, "cron schedule for the expire/activate sweep")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configKeyDatabaseURL, "DATABASE_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeyRedisURL, "REDIS_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configKeySweepSchedule, "SWEEP_SCHEDULE"); err != nil {
		return err
	}

	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyRedisURL, cmd.Flags().Lookup(flagRedisURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeySweepSchedule, cmd.Flags().Lookup(flagSweepSchedule)); err != nil {
		return err
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.RedisURL = viper.GetString(configKeyRedisURL)
	cfg.SweepSchedule = viper.GetString(configKeySweepSchedule)
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	return nil
}

func runDaemon(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	options := []ledger.ServiceOption{
		ledger.WithLogger(logger),
		ledger.WithAuditRecorder(ledger.NewZapAuditRecorder(logger)),
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOptions)
		defer func() { _ = redisClient.Close() }()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		options = append(options, ledger.WithSweepLease(redislease.New(redisClient, sweepLeaseKey)))
	}

	ledgerService, err := ledger.NewService(store, clock, options...)
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.SweepSchedule, func() {
		if sweepErr := ledgerService.ProcessCredits(ctx); sweepErr != nil {
			logger.Warn("credit sweep failed", zap.Error(sweepErr))
		}
	})
	if err != nil {
		return fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	logger.Info("credit sweep daemon starting",
		zap.String("schedule", cfg.SweepSchedule),
		zap.String("driver", driver),
		zap.Bool("redis_lease", redisClient != nil))
	scheduler.Start()

	<-ctx.Done()
	logger.Info("shutdown requested")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.CreditUser{}, &gormstore.CreditBatch{}, &gormstore.CreditLedgerEntry{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
