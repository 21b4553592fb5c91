package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/doorman-gateway/accounting/internal/accounting"
	"github.com/doorman-gateway/accounting/internal/config"
	"github.com/doorman-gateway/accounting/internal/db"
	"github.com/doorman-gateway/accounting/internal/http/api/platform"
	"github.com/doorman-gateway/accounting/internal/lease"
	"github.com/doorman-gateway/accounting/internal/metrics"
	"github.com/doorman-gateway/accounting/internal/reset"
	"github.com/doorman-gateway/accounting/internal/secrets"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// secretsContext separates keys derived from the JWT secret from other HKDF uses.
const secretsContext = "doorman-accounting/api-keys/v1"

// defaultPort is used when neither the flag nor the config file sets a port.
const defaultPort = 8318

// Components are the long-lived collaborators of a running server.
type Components struct {
	Service   *accounting.Service
	Scheduler *reset.Scheduler
	Leases    *lease.Manager
	Metrics   *metrics.Metrics
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	loaded, err := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(loaded.DSN())
	if err != nil {
		return err
	}
	return db.Migrate(conn.WithContext(ctx))
}

// RunServer boots the accounting API and the reset scheduler and serves until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.AppConfig, flagPort int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ConfigureLogging(loaded.Log)

	conn, err := db.Open(loaded.DSN())
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	components, err := BuildComponents(conn, loaded)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := components.Leases.Close(); errClose != nil {
			log.WithError(errClose).Warn("lease manager close failed")
		}
	}()

	if loaded.Scheduler.IsEnabled() {
		components.Scheduler.Start(ctx)
	} else {
		log.Info("reset scheduler disabled by config")
	}

	engine := NewEngine(loaded, components)
	port := loaded.ResolvePort(flagPort, defaultPort)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errServe := make(chan error, 1)
	go func() {
		log.Infof("starting accounting server on :%d with config=%s", port, configPath)
		if errListen := server.ListenAndServe(); errListen != nil && !errors.Is(errListen, http.ErrServerClosed) {
			errServe <- errListen
			return
		}
		errServe <- nil
	}()

	select {
	case errListen := <-errServe:
		return errListen
	case <-ctx.Done():
	}

	log.Info("shutting down accounting server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), loaded.Server.ShutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown server: %w", errShutdown)
	}
	return <-errServe
}

// BuildComponents constructs the service, lease manager, metrics and scheduler from config.
func BuildComponents(conn *gorm.DB, cfg config.Config) (*Components, error) {
	box, err := buildSealer(cfg)
	if err != nil {
		return nil, err
	}
	svc := accounting.NewService(conn, box)
	leases := lease.NewManager(lease.Config{
		RedisEnabled:  cfg.Redis.Enabled,
		RedisAddr:     cfg.Redis.Addr,
		RedisPassword: cfg.Redis.Password,
		RedisDB:       cfg.Redis.DB,
		RedisPrefix:   cfg.Redis.Prefix,
	}, time.Now, nil)
	m := metrics.New()
	scheduler := reset.NewScheduler(svc, leases,
		reset.WithInterval(cfg.Scheduler.Interval),
		reset.WithLeaseTTL(cfg.Scheduler.LeaseTTL),
		reset.WithObserver(m),
	)
	return &Components{Service: svc, Scheduler: scheduler, Leases: leases, Metrics: m}, nil
}

// NewEngine builds the gin engine serving health, metrics and the platform routes.
func NewEngine(cfg config.Config, components *Components) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(platform.RequestID())
	engine.Use(platform.RequestLogger())
	if len(cfg.Server.TrustedProxies) > 0 {
		if errProxies := engine.SetTrustedProxies(cfg.Server.TrustedProxies); errProxies != nil {
			log.WithError(errProxies).Warn("invalid trusted proxies; ignoring")
		}
	}

	opts := platform.Options{JWT: cfg.JWT}
	if components.Scheduler != nil {
		opts.Resetter = components.Scheduler
	}
	if cfg.Metrics.IsEnabled() && components.Metrics != nil {
		engine.Use(components.Metrics.Middleware())
		engine.GET(cfg.Metrics.Path, components.Metrics.Handler())
		opts.Recorder = components.Metrics
	}
	platform.RegisterPlatformRoutes(engine, components.Service, opts)
	return engine
}

// ConfigureLogging applies the configured level and formatter to the standard logger.
func ConfigureLogging(cfg config.LogConfig) {
	level, errLevel := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errLevel != nil {
		log.WithError(errLevel).Warnf("unknown log level %q; using info", cfg.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// buildSealer prefers the configured key and falls back to a key derived from the JWT secret.
func buildSealer(cfg config.Config) (*secrets.Box, error) {
	if key := strings.TrimSpace(cfg.Secrets.Key); key != "" {
		box, err := secrets.NewBoxFromBase64(key)
		if err != nil {
			return nil, fmt.Errorf("load secrets key: %w", err)
		}
		return box, nil
	}
	log.Warn("secrets.key not set; deriving the api key sealing key from jwt.secret")
	box, err := secrets.DeriveBox(cfg.JWT.Secret, secretsContext)
	if err != nil {
		return nil, fmt.Errorf("derive secrets key: %w", err)
	}
	return box, nil
}
