package app

import (
	"gorm.io/gorm"

	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/repos"
)

type Repos struct {
	Task repos.TaskRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("wiring repos")
	return Repos{
		Task: repos.NewTaskRepo(db, log),
	}
}
