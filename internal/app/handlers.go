package app

import (
	"github.com/ccjuuc/chromium-tool/internal/config"
	httpH "github.com/ccjuuc/chromium-tool/internal/http/handlers"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
)

type Handlers struct {
	Task   *httpH.TaskHandler
	Config *httpH.ConfigHandler
}

func wireHandlers(repos Repos, core Core, cfg *config.Config, log *logger.Logger) Handlers {
	log.Info("wiring handlers")
	return Handlers{
		Task:   httpH.NewTaskHandler(repos.Task, core.Queue, core.Broker, cfg.BackupRoot, log),
		Config: httpH.NewConfigHandler(cfg),
	}
}
