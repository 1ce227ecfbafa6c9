// Command codesync-cleanup runs one retention sweep, or queues one for the worker.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"codesync/internal/app"
	"codesync/internal/chatlog"
	"codesync/internal/config"
	"codesync/internal/health"
	"codesync/internal/retention"
	"codesync/internal/tasks"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		configPath string
		enqueue    bool
		timeout    time.Duration
	)
	flagSet := pflag.NewFlagSet("codesync-cleanup", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a YAML or JSON config file")
	flagSet.BoolVar(&enqueue, "enqueue", false, "queue the sweep on Redis for a running worker instead of sweeping here")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Log.ConfigureLogging(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if enqueue {
		return enqueueSweep(ctx, cfg, out)
	}
	return sweep(ctx, cfg, out)
}

// sweep opens the configured store directly and runs one pass
func sweep(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close store")
		}
	}()

	tracker := health.NewTracker(cfg.Database.FaultWindow)
	sweeper := retention.NewSweeper(store, chatlog.New(store, tracker), app.RetentionPolicy(cfg.Retention), tracker)
	report, sweepErr := sweeper.Sweep(ctx)
	if err := json.NewEncoder(out).Encode(report); err != nil {
		return errors.Wrap(err, "write report")
	}
	return sweepErr
}

func enqueueSweep(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if !cfg.Redis.Enabled() {
		return errors.New("--enqueue needs redis.addr or CODESYNC_REDIS_ADDR")
	}
	client := asynq.NewClient(app.RedisClientOpt(cfg.Redis))
	defer client.Close()

	task, err := tasks.NewRetentionSweepTask("cli", time.Now())
	if err != nil {
		return err
	}
	info, err := client.EnqueueContext(ctx, task)
	if err != nil {
		return errors.Wrap(err, "enqueue retention sweep")
	}
	fmt.Fprintf(out, "queued %s on %s\n", info.ID, info.Queue)
	return nil
}
