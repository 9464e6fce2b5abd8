package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ccjuuc/chromium-tool/internal/config"
	appdb "github.com/ccjuuc/chromium-tool/internal/db"
	buildhttp "github.com/ccjuuc/chromium-tool/internal/http"
	"github.com/ccjuuc/chromium-tool/internal/platform/dbctx"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

// App is the assembled process: configuration, storage, the runtime core
// (task manager, broker, pipeline executor, queue controller), and the
// HTTP server in front of it.
type App struct {
	Log         *logger.Logger
	DB          *appdb.Service
	Server      *buildhttp.Server
	Cfg         Config
	PlatformCfg *config.Config
	Repos       Repos
	Services    Services
	Core        Core
}

// New loads configuration, connects to storage, migrates the schema, resets
// orphaned tasks (spec.md §4.1, §8 "no orphans after restart"), and wires
// every component through to the HTTP router.
func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	appCfg := LoadConfig(log)

	platformCfg, err := config.LoadFromEnvOrDefault()
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("load pipeline config: %w", err)
	}

	svc, err := appdb.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := svc.AutoMigrate(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	reposet := wireRepos(svc.DB(), log)

	resetCount, err := reposet.Task.ResetOrphaned(dbctx.Context{Ctx: context.Background()})
	if err != nil {
		log.Warn("reset_orphaned failed", "err", err)
	} else if resetCount > 0 {
		log.Info("reset orphaned tasks to failed on startup", "count", resetCount)
	}

	core, err := wireCore(reposet, platformCfg, appCfg, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("wire core: %w", err)
	}

	serviceset := wireServices(log)
	handlerset := wireHandlers(reposet, core, platformCfg, log)
	server := buildhttp.NewServer(buildhttp.RouterConfig{
		TaskHandler:   handlerset.Task,
		ConfigHandler: handlerset.Config,
	})

	return &App{
		Log:         log,
		DB:          svc,
		Server:      server,
		Cfg:         appCfg,
		PlatformCfg: platformCfg,
		Repos:       reposet,
		Services:    serviceset,
		Core:        core,
	}, nil
}

// Run starts the HTTP server and blocks until Shutdown is called.
func (a *App) Run(addr string) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Server.Run(addr)
}

// Shutdown gracefully stops the HTTP server, letting in-flight requests
// (notably WebSocket log streams) drain within ctx's deadline.
func (a *App) Shutdown(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return nil
	}
	return a.Server.Shutdown(ctx)
}

// Close stops the queue controller's background event goroutine (events
// still queued are not processed) and flushes the logger, for graceful
// shutdown on SIGINT/SIGTERM.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Core.Queue != nil {
		a.Core.Queue.Close()
	}
	time.Sleep(50 * time.Millisecond)
	if a.Log != nil {
		a.Log.Sync()
	}
}
