// Package app wires the orchestrator's components into a running process,
// following the teacher's internal/app split (config/repos/services/
// handlers/router each in their own file, assembled by app.go's New).
package app

import (
	"github.com/ccjuuc/chromium-tool/internal/broker"
	"github.com/ccjuuc/chromium-tool/internal/config"
	"github.com/ccjuuc/chromium-tool/internal/pipeline"
	"github.com/ccjuuc/chromium-tool/internal/platform/logger"
	"github.com/ccjuuc/chromium-tool/internal/queue"
	"github.com/ccjuuc/chromium-tool/internal/taskmanager"
)

// Core holds the non-HTTP runtime: the task manager, log broker, pipeline
// executor, and server queue controller (C3–C6), independent of the
// transport that drives them.
type Core struct {
	Manager  *taskmanager.Manager
	Broker   *broker.Broker
	Executor *pipeline.Executor
	Queue    *queue.Controller
}

func wireCore(repos Repos, cfg *config.Config, appCfg Config, log *logger.Logger) (Core, error) {
	log.Info("wiring core runtime")

	b, err := broker.New(4096, log)
	if err != nil {
		return Core{}, err
	}
	manager := taskmanager.New(appCfg.MaxConcurrentJobs, log)

	var ctrl *queue.Controller
	exec := pipeline.New(repos.Task, b, cfg, notifierFunc(func() *queue.Controller { return ctrl }), log)
	ctrl = queue.New(repos.Task, manager, exec, log)

	return Core{Manager: manager, Broker: b, Executor: exec, Queue: ctrl}, nil
}

// notifierFunc lazily resolves the queue.Controller built from this same
// Executor, breaking the Executor/Controller initialization cycle (spec.md
// §9's cyclic-reference note) without either package importing the other's
// concrete type ahead of construction.
type notifierFunc func() *queue.Controller

func (f notifierFunc) TerminalReached(evt pipeline.TerminalEvent) { f().TerminalReached(evt) }
func (f notifierFunc) ArmCombine(parentID int64, server string)   { f().ArmCombine(parentID, server) }
