package app

import (
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/services"
)

type Services struct {
	Email services.EmailNotifier
}

func wireServices(log *logger.Logger) Services {
	log.Info("wiring services")
	return Services{
		Email: services.NewNoopEmailNotifier(),
	}
}
