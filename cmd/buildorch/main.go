// Command buildorch runs the multi-architecture build orchestrator's HTTP
// gateway and background pipeline runtime in a single process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ccjuuc/chromium-tool/internal/app"
)

func main() {
	a, err := app.New()
	if err != nil {
		fmt.Printf("failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	addr := a.PlatformCfg.ListenAddr

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("server listening", "addr", addr)
		if err := a.Run(addr); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.Log.Error("server failed", "err", err)
		os.Exit(1)
	case sig := <-sigCh:
		a.Log.Info("received shutdown signal", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		a.Log.Error("graceful shutdown failed", "err", err)
	}
}
