package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/AnotherChat/internal/catalog"
	"github.com/router-for-me/AnotherChat/internal/chat"
	"github.com/router-for-me/AnotherChat/internal/config"
	"github.com/router-for-me/AnotherChat/internal/db"
	"github.com/router-for-me/AnotherChat/internal/http/api/front"
	"github.com/router-for-me/AnotherChat/internal/provider"
	"github.com/router-for-me/AnotherChat/internal/ratelimit"
	internalsettings "github.com/router-for-me/AnotherChat/internal/settings"
	"github.com/router-for-me/AnotherChat/internal/store"
	"github.com/router-for-me/AnotherChat/internal/vault"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
	// lockMargin pads the Redis stream lock beyond the longest possible exchange.
	lockMargin = 30 * time.Second
)

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn.WithContext(ctx)); errMigrate != nil {
		return errMigrate
	}
	log.Info("migrations applied")
	return nil
}

// RunServer boots the chat API and blocks until ctx is done.
// A positive port overrides the configured listener port.
func RunServer(ctx context.Context, cfg config.AppConfig, port int) error {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	runtimeCfg, err := config.LoadRuntimeConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		runtimeCfg.Server.Port = port
	}
	configureLogging(runtimeCfg.LogLevel)

	dsn, err := config.LoadDatabaseDSN(configPath)
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	if log.GetLevel() < log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	services, err := Build(ctx, runtimeCfg, conn, config.LoadEncryptionKey())
	if err != nil {
		return err
	}
	defer services.Close()
	services.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", runtimeCfg.Server.Port),
		Handler:           services.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := srv.Shutdown(shutdownCtx); errShutdown != nil {
			log.Errorf("server shutdown error: %v", errShutdown)
		}
	}()

	log.Infof("starting chat server on %s (config=%s)", srv.Addr, configPath)
	if errListen := srv.ListenAndServe(); errListen != nil && errListen != http.ErrServerClosed {
		return errListen
	}
	return nil
}

// Services is the wired dependency graph behind the HTTP engine.
type Services struct {
	Engine   *gin.Engine
	Settings *internalsettings.Store
	Limiter  *ratelimit.Manager
	Syncer   *catalog.Syncer

	redisClient *redis.Client
}

// Build constructs every service and registers routes on a fresh engine.
func Build(ctx context.Context, cfg config.RuntimeConfig, conn *gorm.DB, encryptionKey string) (*Services, error) {
	if conn == nil {
		return nil, fmt.Errorf("app: nil db")
	}
	v, errVault := vault.New(encryptionKey)
	if errVault != nil {
		return nil, errVault
	}

	settingsStore := internalsettings.NewStore(conn)
	if errReload := settingsStore.Reload(ctx); errReload != nil {
		return nil, errReload
	}

	users := store.NewUserStore(conn)
	conversations := store.NewConversationStore(conn)
	apiKeys := store.NewAPIKeyStore(conn, v)

	registry := BuildRegistry(cfg)
	log.Infof("registered providers: %s", strings.Join(registry.Providers(), ", "))

	services := &Services{Settings: settingsStore}

	var locker chat.StreamLocker
	if cfg.Redis.Enabled {
		services.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lockTTL := cfg.Chat.UpstreamTimeout + cfg.Chat.PersistTimeout + lockMargin
		locker = chat.NewRedisLocker(services.redisClient, cfg.Redis.Prefix, lockTTL)
	}

	services.Limiter = ratelimit.NewManager(ratelimit.SettingsFrom(settingsStore), ratelimit.RedisOptions{
		Enabled:  cfg.Redis.Enabled,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Prefix:   cfg.Redis.Prefix,
	}, nil, nil)

	orchestrator := chat.NewOrchestrator(conversations, provider.NewResolver(registry, apiKeys), locker, chat.Config{
		Accumulate:      cfg.Chat.Accumulate,
		UpstreamTimeout: cfg.Chat.UpstreamTimeout,
		PersistTimeout:  cfg.Chat.PersistTimeout,
	})

	if cfg.Catalog.SyncEnabled {
		services.Syncer = catalog.NewSyncer(conn, cfg.Catalog.URL, cfg.Catalog.Interval, registry.Providers())
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	front.RegisterFrontRoutes(engine, front.Deps{
		DB:            conn,
		Session:       cfg.Session,
		CORSOrigins:   cfg.Server.CORSOrigins,
		Users:         users,
		Conversations: conversations,
		APIKeys:       apiKeys,
		Catalog:       catalog.New(conn),
		Orchestrator:  orchestrator,
		Limiter:       services.Limiter,
	})
	services.Engine = engine
	return services, nil
}

// Start launches the background loops. They stop when ctx is done.
func (s *Services) Start(ctx context.Context) {
	s.Settings.Start(ctx, internalsettings.DefaultReloadIntervalSeconds*time.Second)
	s.Limiter.StartSweeper(ctx, sweepInterval)
	if s.Syncer != nil {
		s.Syncer.Start(ctx)
	}
}

// Close releases Redis connections.
func (s *Services) Close() {
	if s == nil {
		return
	}
	if errClose := s.Limiter.Close(); errClose != nil {
		log.WithError(errClose).Warn("close rate limiter")
	}
	if s.redisClient != nil {
		if errClose := s.redisClient.Close(); errClose != nil {
			log.WithError(errClose).Warn("close redis client")
		}
	}
}

func configureLogging(level string) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, errParse := log.ParseLevel(strings.TrimSpace(level))
	if errParse != nil {
		log.Warnf("unknown log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
