// Package app wires the collaboration server together and owns its lifecycle.
package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"codesync/internal/api"
	"codesync/internal/chatlog"
	"codesync/internal/config"
	"codesync/internal/database"
	"codesync/internal/database/memstore"
	"codesync/internal/database/mongostore"
	"codesync/internal/health"
	"codesync/internal/hub"
	"codesync/internal/presence"
	"codesync/internal/retention"
	"codesync/internal/router"
	"codesync/internal/session"
	redisstate "codesync/internal/state/redis"
	"codesync/internal/websocket"
	"codesync/internal/worker"
	"codesync/internal/workspace"
	"codesync/pkg/interfaces"
)

// limiterSweepInterval is how often idle rate-limit entries are dropped
const limiterSweepInterval = time.Minute

// Application coordinates all system components
// ARCHITECTURAL DISCOVERY: Components are built in dependency order
// Store → Workspace/Presence → Sessions → Router → Hub → Transport → HTTP
// and torn down in reverse
type Application struct {
	config  *config.Config
	store   interfaces.Store
	tracker *health.Tracker

	sessions    *session.Registry
	connections *websocket.Registry
	limiter     *router.RateLimiter
	hub         *hub.Hub
	sweeper     *retention.Sweeper
	worker      *worker.Server
	redis       *goredis.Client

	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewApplication builds every component; nothing listens or runs until Start
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	log := logrus.WithField("component", "app")

	// STEP 1: Persistence
	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	tracker := health.NewTracker(cfg.Database.FaultWindow)

	// STEP 2: Optional Redis for the membership mirror and the task queue
	var (
		redisClient *goredis.Client
		mirror      interfaces.MembershipMirror
	)
	if cfg.Redis.Enabled() {
		redisClient, err = redisstate.Connect(ctx, redisstate.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		mirror = redisstate.NewMirror(redisClient, cfg.Redis.KeyPrefix, 0)
		log.WithField("addr", cfg.Redis.Addr).Info("Membership mirror enabled")
	}

	// STEP 3: Room state and membership
	rooms := workspace.NewStore(store, tracker)
	people := presence.NewManager(store, tracker)
	history := chatlog.New(store, tracker)
	sessions := session.NewRegistry(rooms, people, mirror, tracker)

	// STEP 4: Event pipeline
	connections := websocket.NewRegistry()
	limiter := router.NewRateLimiter(cfg.WebSocket.RateLimit, time.Minute)
	eventRouter := router.NewRouter(sessions, people, rooms, history, connections, tracker, limiter)
	eventHub := hub.NewHub(eventRouter, sessions, hub.Config{
		QueueSize:   cfg.WebSocket.QueueSize,
		IdleTimeout: cfg.WebSocket.RoomIdleTimeout,
	})
	wsHandler := websocket.NewHandler(connections, eventHub, websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		SendBuffer:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})

	// STEP 5: HTTP surface
	apiServer := api.NewServer(api.Deps{
		Store:       store,
		Rooms:       rooms,
		History:     history,
		Roster:      sessions,
		Connections: connections,
		Mirror:      mirror,
		Tracker:     tracker,
		WebSocket:   wsHandler,
	})
	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// STEP 6: Retention runs in-process, or on the shared queue when Redis is present
	app := &Application{
		config:      cfg,
		store:       store,
		tracker:     tracker,
		sessions:    sessions,
		connections: connections,
		limiter:     limiter,
		hub:         eventHub,
		redis:       redisClient,
		httpServer:  httpServer,
		log:         log,
	}
	if cfg.Retention.Enabled {
		app.sweeper = retention.NewSweeper(store, history, RetentionPolicy(cfg.Retention), tracker)
		if redisClient != nil {
			app.worker = worker.NewServer(worker.Config{
				Redis:    RedisClientOpt(cfg.Redis),
				Schedule: cfg.Retention.Schedule,
			}, app.sweeper)
		}
	}
	return app, nil
}

// OpenStore opens the store named by the configured driver
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig) (interfaces.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.SQLite.DatabasePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "create database directory %s", dir)
			}
		}
		manager, err := database.NewManager(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return manager, nil
	case config.DriverMongo:
		store, err := mongostore.Connect(ctx, *cfg.Mongo)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		return nil, errors.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// RetentionPolicy converts the retention section into sweep thresholds
func RetentionPolicy(cfg *config.RetentionConfig) retention.Policy {
	return retention.Policy{
		OfflineUserAge:  cfg.OfflineUserAge,
		InactiveRoomAge: cfg.InactiveRoomAge,
		MessageDays:     cfg.MessageDays,
		DrawingDays:     cfg.DrawingDays,
	}
}

// RedisClientOpt converts the redis section for asynq
func RedisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
}

// Start brings up the hub, background maintenance and the HTTP listener
func (a *Application) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// background work outlives ctx and is stopped by Stop
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.hub.Start(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "failed to start event hub")
	}

	listener, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		_ = a.hub.Stop()
		cancel()
		return errors.Wrapf(err, "failed to listen on %s", a.httpServer.Addr)
	}
	a.listener = listener

	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			_ = listener.Close()
			_ = a.hub.Stop()
			cancel()
			return err
		}
	} else if a.sweeper != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sweeper.Run(runCtx, a.config.Retention.Interval)
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.maintainLimiter(runCtx)
	}()

	go func() {
		if err := a.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.WithError(err).Error("HTTP server failed")
		}
	}()

	a.log.WithFields(logrus.Fields{
		"addr":   listener.Addr().String(),
		"driver": a.config.Database.Driver,
		"redis":  a.redis != nil,
	}).Info("Codesync server started")
	return nil
}

func (a *Application) maintainLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down in reverse dependency order: HTTP → connections → hub → background → storage
// FUNCTIONAL DISCOVERY: Connections close while the hub still runs so every member's
// leave is processed and persisted before the store goes away
func (a *Application) Stop(ctx context.Context) error {
	a.log.Info("Shutting down codesync server")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.WithError(err).Warn("HTTP server shutdown error")
	}

	a.connections.CloseAll()
	a.waitForLeaves(ctx)

	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		a.log.WithError(err).Warn("Event hub shutdown error")
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.worker != nil {
		a.worker.Shutdown()
	}
	a.wg.Wait()

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("Redis close error")
		}
	}
	if err := a.store.Close(); err != nil {
		return errors.Wrap(err, "failed to close store")
	}
	a.log.Info("Codesync server shutdown complete")
	return nil
}

// waitForLeaves gives queued disconnects a chance to drain before the hub stops
func (a *Application) waitForLeaves(ctx context.Context) {
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if a.sessions.Stats()["joined_clients"] == 0 {
			return
		}
		select {
		case <-tick.C:
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Addr returns the bound listen address once started, the configured one before
func (a *Application) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

// Handler exposes the HTTP surface for in-process tests
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Health reports the persistence fault tracker
func (a *Application) Health() health.Snapshot {
	return a.tracker.Snapshot()
}
