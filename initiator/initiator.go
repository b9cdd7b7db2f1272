// Package initiator provides initialization and cleanup logic for the
// publishing side (API) and the consuming side (notification worker) of the
// event pipeline.
package initiator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wiquzix/notification-pipeline/cache"
	"github.com/wiquzix/notification-pipeline/config"
	"github.com/wiquzix/notification-pipeline/consumer"
	"github.com/wiquzix/notification-pipeline/counter"
	"github.com/wiquzix/notification-pipeline/lock"
	"github.com/wiquzix/notification-pipeline/logger"
	"github.com/wiquzix/notification-pipeline/metrics"
	"github.com/wiquzix/notification-pipeline/notifier"
	"github.com/wiquzix/notification-pipeline/ops"
	"github.com/wiquzix/notification-pipeline/producer"
	"github.com/wiquzix/notification-pipeline/ratelimit"
	"github.com/wiquzix/notification-pipeline/telegram"
)

// StoreServices are the primitives sharing the Redis connection.
type StoreServices struct {
	Store    *cache.Store       // Shared connection and JSON cache
	Limiter  *ratelimit.Limiter // Fixed-window request limiter
	Locker   *lock.Locker       // Distributed locks
	Counters *counter.Registry  // Observability counters
}

func newStoreServices(cfg config.RedisConfig, log logger.Logger) (*StoreServices, error) {
	store, err := cache.NewStore(cache.OptionsFromConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	return &StoreServices{
		Store:    store,
		Limiter:  ratelimit.NewLimiter(store, cfg.RateLimitWindow, log),
		Locker:   lock.NewLocker(store, cfg.LockTTL, log),
		Counters: counter.NewRegistry(store, log),
	}, nil
}

// NotificationServices holds the services the API side uses to cache,
// throttle and publish events.
type NotificationServices struct {
	*StoreServices
	Producer *producer.EventProducer // Event bus client, connected on first publish
	Config   *config.ConfigParsed    // Loaded configuration
	logger   logger.Logger
}

// InitializeNotificationServices loads configuration and builds the API-side
// services with the given logger.
//
// Returns initialized NotificationServices or an error if loading config or
// building a service fails.
func InitializeNotificationServices(log logger.Logger) (*NotificationServices, error) {
	cfg, err := config.Load()
	if err != nil {
		log.Errorf("Failed to load config: %v", err)
		return nil, err
	}
	return NewNotificationServices(cfg, log)
}

// NewNotificationServices builds the API-side services from cfg. No
// connection is opened until first use.
func NewNotificationServices(cfg *config.ConfigParsed, log logger.Logger) (*NotificationServices, error) {
	storeServices, err := newStoreServices(cfg.Redis, log)
	if err != nil {
		log.Errorf("Failed to initialize cache store: %v", err)
		return nil, err
	}

	metrics.Register()
	prod := producer.NewEventProducer(cfg.Kafka, storeServices.Counters, log)

	log.Infof("Notification services initialized successfully")

	return &NotificationServices{
		StoreServices: storeServices,
		Producer:      prod,
		Config:        cfg,
		logger:        log,
	}, nil
}

// Cleanup closes the producer and then the store connection, so that the
// producer's final counter updates still reach the store.
func (ns *NotificationServices) Cleanup() error {
	var result *multierror.Error
	if ns.Producer != nil {
		if err := ns.Producer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if ns.StoreServices != nil && ns.Store != nil {
		if err := ns.Store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		ns.logger.Errorf("Cleanup finished with errors: %v", err)
		return err
	}
	return nil
}

// Worker is the notification worker: per-topic consumers feeding the
// notifier, plus the ops server.
type Worker struct {
	*StoreServices
	Dispatcher *consumer.Dispatcher
	Notifier   *notifier.Service
	Ops        *ops.Server
	Config     *config.ConfigParsed
	logger     logger.Logger
}

// InitializeWorker builds the worker from the loaded configuration with a
// Telegram sender and Kafka subscriptions.
func InitializeWorker(cfg *config.ConfigParsed, log logger.Logger) (*Worker, error) {
	sender, err := telegram.NewSender(cfg.Telegram, log)
	if err != nil {
		log.Errorf("Failed to initialize Telegram sender: %v", err)
		return nil, err
	}

	return NewWorker(cfg, sender, consumer.KafkaSubscriber(cfg.Kafka, log), log)
}

// NewWorker builds the worker from cfg around sender and subscribe.
func NewWorker(cfg *config.ConfigParsed, sender notifier.Sender, subscribe consumer.SubscribeFunc, log logger.Logger) (*Worker, error) {
	storeServices, err := newStoreServices(cfg.Redis, log)
	if err != nil {
		log.Errorf("Failed to initialize cache store: %v", err)
		return nil, err
	}

	metrics.Register()
	service := notifier.NewService(notifier.NewComposer(log), sender, storeServices.Counters, log)
	dispatcher := consumer.NewDispatcher(subscribe, service.Handlers(), cfg.Kafka.ShutdownGrace, log)
	opsServer := ops.NewServer(cfg.Ops.Addr, ops.Deps{
		Store:     storeServices.Store,
		Counters:  storeServices.Counters,
		Consumers: dispatcher,
		Locker:    storeServices.Locker,
		Limiter:   storeServices.Limiter,
	}, log)

	log.Infof("Notification worker initialized successfully")

	return &Worker{
		StoreServices: storeServices,
		Dispatcher:    dispatcher,
		Notifier:      service,
		Ops:           opsServer,
		Config:        cfg,
		logger:        log,
	}, nil
}

// Run serves the ops endpoints and consumes until ctx is done, then stops
// the consumers and the ops server.
func (w *Worker) Run(ctx context.Context) error {
	w.Ops.Start()

	var result *multierror.Error
	if err := w.Dispatcher.Run(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("consumers: %w", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Ops.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("ops server: %w", err))
	}
	return result.ErrorOrNil()
}

// Cleanup stops the consumers if still running and closes the store.
func (w *Worker) Cleanup() error {
	var result *multierror.Error
	if w.Dispatcher != nil {
		if err := w.Dispatcher.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if w.StoreServices != nil && w.Store != nil {
		if err := w.Store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		w.logger.Errorf("Cleanup finished with errors: %v", err)
		return err
	}
	return nil
}
