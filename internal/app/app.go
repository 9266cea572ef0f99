// -----------------------------------------------------------------------
// Application container - builds and owns every component of the service
// -----------------------------------------------------------------------

package app

import (
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/laboro/internal/common"
	"github.com/ternarybob/laboro/internal/handlers"
	"github.com/ternarybob/laboro/internal/interfaces"
	"github.com/ternarybob/laboro/internal/queue"
	"github.com/ternarybob/laboro/internal/services/events"
	"github.com/ternarybob/laboro/internal/services/jobs"
	"github.com/ternarybob/laboro/internal/services/policy"
	"github.com/ternarybob/laboro/internal/services/scheduler"
	"github.com/ternarybob/laboro/internal/services/signer"
	"github.com/ternarybob/laboro/internal/storage"
	"github.com/ternarybob/laboro/internal/workers/cutout"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	StorageManager interfaces.StorageManager
	queueDB        *badger.DB

	// Job execution engine
	QueueManager  *queue.Manager
	WorkQueue     interfaces.QueueService
	CallbackQueue interfaces.QueueService
	WorkPool      *queue.WorkerPool
	CallbackPool  *queue.WorkerPool

	// Services
	EventService     interfaces.EventService
	JobService       interfaces.JobService
	SchedulerService interfaces.SchedulerService

	// HTTP handlers
	StatusHandler *handlers.StatusHandler
	SyncHandler   *handlers.SyncHandler
	JobHandler    *handlers.JobHandler
	WSHandler     *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize storage
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Start the pools AFTER all handlers are initialized so no callback is
	// applied before event subscribers are wired
	if err := app.CallbackPool.Start(); err != nil {
		return nil, fmt.Errorf("failed to start callback pool: %w", err)
	}
	if err := app.WorkPool.Start(); err != nil {
		return nil, fmt.Errorf("failed to start work pool: %w", err)
	}
	logger.Debug().Msg("Worker pools started")

	// Log initialization summary
	logger.Info().
		Str("database", cfg.Database.URL).
		Bool("worker_enabled", cfg.Worker.Enabled).
		Bool("scheduler_enabled", cfg.Scheduler.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the job store and the queue state store
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("url", a.Config.Database.URL).
		Msg("Job store initialized")

	// Queue state lives in its own Badger directory so a Postgres job store
	// still pairs with a local persistent queue
	if err := os.MkdirAll(a.Config.Queue.Path, 0755); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	opts := badger.DefaultOptions(a.Config.Queue.Path)
	opts.Logger = nil
	queueDB, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open queue store: %w", err)
	}
	a.queueDB = queueDB

	queueMgr, err := queue.NewManager(queueDB, a.queueConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	a.QueueManager = queueMgr
	a.Logger.Debug().
		Str("path", a.Config.Queue.Path).
		Str("work_queue", a.Config.Queue.WorkQueue).
		Str("callback_queue", a.Config.Queue.CallbackQueue).
		Msg("Queue manager initialized")

	return nil
}

// initServices initializes all business services in dependency order.
//
// JOB ENGINE ARCHITECTURE:
// 1. QueueManager (Badger-backed) - persistent work and callback queues
// 2. Dispatcher - translates jobs into work queue submissions
// 3. ImageCutoutPolicy - validates cutout parameters, wraps the dispatcher
// 4. JobService - job lifecycle operations against the store
// 5. Callbacks - callback-pool actors applying worker outcomes to the store
//
// The work pool only runs actors when the embedded worker is enabled; a
// control-plane-only deployment leaves execution to external workers that
// share the queue directory.
func (a *App) initServices() error {
	// Event service carries job phase changes to the WebSocket monitor
	a.EventService = events.NewService(a.Logger)

	// Submission services for the two queues
	a.WorkQueue = queue.NewService(a.QueueManager, a.Config.Queue.WorkQueue, a.Logger)
	a.CallbackQueue = queue.NewService(a.QueueManager, a.Config.Queue.CallbackQueue, a.Logger)

	// Dispatch path
	dispatcher := jobs.NewDispatcher(a.WorkQueue, a.Config.Worker.Actor, a.Logger)
	cutoutPolicy := policy.NewImageCutoutPolicy(dispatcher, a.Logger)

	urlSigner, err := signer.NewHMACSigner(&a.Config.Signer)
	if err != nil {
		return fmt.Errorf("failed to initialize URL signer: %w", err)
	}

	a.JobService = jobs.NewService(
		&a.Config.UWS,
		a.StorageManager.JobStorage(),
		cutoutPolicy,
		urlSigner,
		a.EventService,
		a.Logger,
	)
	a.Logger.Debug().Msg("Job service initialized")

	// Callback pool applies worker outcome messages to the job store
	a.CallbackPool = queue.NewWorkerPool(a.QueueManager, a.queueConfig(), a.Config.Queue.CallbackQueue, "", a.Logger)
	callbacks := jobs.NewCallbacks(a.StorageManager.JobStorage(), a.EventService, a.Logger)
	callbacks.Register(a.CallbackPool)
	a.Logger.Debug().Msg("Callback actors registered")

	// Work pool executes dispatched jobs
	a.WorkPool = queue.NewWorkerPool(a.QueueManager, a.queueConfig(), a.Config.Queue.WorkQueue, a.Config.Queue.CallbackQueue, a.Logger)
	if a.Config.Worker.Enabled {
		worker := cutout.NewWorker(a.CallbackQueue, &a.Config.Worker, a.Logger)
		worker.Register(a.WorkPool)
		a.Logger.Debug().
			Str("actor", a.Config.Worker.Actor).
			Msg("Embedded cutout worker registered")
	}

	// Maintenance scheduler removes jobs past their destruction time
	a.SchedulerService = scheduler.NewService(a.StorageManager.JobStorage(), a.EventService, a.Logger)
	if a.Config.Scheduler.Enabled {
		if err := a.SchedulerService.Start(a.Config.Scheduler.Schedule); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to start scheduler service")
		}
	}

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	basePath := a.Config.Server.BasePath

	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)

	// EventSubscriber bridges job lifecycle events onto the WebSocket with
	// config-driven filtering and throttling
	_ = handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)
	a.Logger.Debug().
		Int("allowed_events", len(a.Config.WebSocket.AllowedEvents)).
		Int("throttle_intervals", len(a.Config.WebSocket.ThrottleIntervals)).
		Msg("EventSubscriber initialized")

	a.StatusHandler = handlers.NewStatusHandler(a.JobService, basePath, a.Logger)
	a.SyncHandler = handlers.NewSyncHandler(a.JobService, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, basePath, a.Logger)

	return nil
}

// queueConfig converts the configured queue settings into the engine's form
func (a *App) queueConfig() queue.Config {
	return queue.Config{
		PollInterval:      a.Config.Queue.PollIntervalDuration(),
		Concurrency:       a.Config.Queue.Concurrency,
		VisibilityTimeout: a.Config.Queue.VisibilityTimeoutDuration(),
		MaxReceive:        a.Config.Queue.MaxReceive,
	}
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop the scheduler first so no sweep races shutdown
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	// Work pool before callback pool: finishing actors still enqueue their
	// callbacks, and the callback pool drains what already arrived
	if a.WorkPool != nil {
		if err := a.WorkPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop work pool")
		}
	}
	if a.CallbackPool != nil {
		if err := a.CallbackPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop callback pool")
		}
	}

	// Close event service
	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Close queue state store
	if a.queueDB != nil {
		if err := a.queueDB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue store")
		}
	}

	// Close job store
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
