// Package worker runs scheduled retention sweeps on an asynq server backed by Redis.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"codesync/internal/retention"
	"codesync/internal/tasks"
)

// Sweeper performs one retention pass
type Sweeper interface {
	Sweep(ctx context.Context) (retention.Report, error)
}

// Config selects the Redis instance and the sweep schedule
type Config struct {
	Redis       asynq.RedisClientOpt
	Schedule    string // cron spec or "@every 1h"
	Concurrency int
}

// Server owns the asynq server and the scheduler that feeds it
// ARCHITECTURAL DISCOVERY: With several replicas sharing one Redis, the scheduler may
// enqueue duplicates but each sweep is idempotent, so no leader election is needed
type Server struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	sweeper   Sweeper
	schedule  string
	log       *logrus.Entry
}

func NewServer(cfg Config, sweeper Sweeper) *Server {
	log := logrus.WithField("component", "worker")
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	server := asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues:      map[string]int{tasks.QueueMaintenance: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.WithFields(logrus.Fields{
				"task_type": task.Type(),
				"retries":   retried,
				"max_retry": maxRetry,
			}).WithError(err).Error("Task failed")
		}),
	})
	return &Server{
		server:    server,
		scheduler: asynq.NewScheduler(cfg.Redis, &asynq.SchedulerOpts{Location: time.UTC}),
		sweeper:   sweeper,
		schedule:  cfg.Schedule,
		log:       log,
	}
}

// Mux routes task types to their handlers
func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRetentionSweep, s.handleSweep)
	return mux
}

// Start begins processing and registers the periodic sweep; both return immediately
func (s *Server) Start() error {
	if err := s.server.Start(s.Mux()); err != nil {
		return errors.Wrap(err, "start worker server")
	}
	if s.schedule == "" {
		s.log.Info("Worker started without a retention schedule")
		return nil
	}

	task, err := tasks.NewRetentionSweepTask("scheduler", time.Time{})
	if err != nil {
		s.server.Shutdown()
		return err
	}
	entryID, err := s.scheduler.Register(s.schedule, task)
	if err != nil {
		s.server.Shutdown()
		return errors.Wrapf(err, "register retention schedule %q", s.schedule)
	}
	if err := s.scheduler.Start(); err != nil {
		s.server.Shutdown()
		return errors.Wrap(err, "start scheduler")
	}
	s.log.WithFields(logrus.Fields{
		"schedule": s.schedule,
		"entry_id": entryID,
	}).Info("Retention sweep scheduled")
	return nil
}

// Shutdown stops the scheduler first so nothing new is enqueued while tasks drain
func (s *Server) Shutdown() {
	if s.schedule != "" {
		s.scheduler.Shutdown()
	}
	s.server.Shutdown()
	s.log.Info("Worker stopped")
}

func (s *Server) handleSweep(ctx context.Context, t *asynq.Task) error {
	payload, err := tasks.ParseRetentionSweepPayload(t.Payload())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return errors.Wrap(err, "retention sweep")
	}
	s.log.WithFields(logrus.Fields{
		"source":         payload.Source,
		"offline_users":  report.OfflineUsers,
		"inactive_rooms": report.InactiveRooms,
		"messages":       report.Messages,
		"drawings":       report.Drawings,
	}).Info("Retention task done")
	return nil
}
