// Command notification-worker consumes share, user and message events and
// delivers them as Telegram notifications.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/initiator"
	"github.com/wiquzix/notification-pipeline/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("notification-worker", "info").Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Service, cfg.Log.Level)

	worker, err := initiator.InitializeWorker(cfg, log)
	if err != nil {
		log.Errorf("Failed to start notification worker: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("Notification worker running")
	runErr := worker.Run(ctx)
	if runErr != nil {
		log.Errorf("Notification worker stopped with errors: %v", runErr)
	}
	if err := worker.Cleanup(); err != nil || runErr != nil {
		os.Exit(1)
	}
	log.Infof("Notification worker stopped")
}
