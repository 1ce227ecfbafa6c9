// Command codesync serves collaborative code-editing rooms over WebSocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"codesync/internal/app"
	"codesync/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	driver     string
	help       bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	opts := &options{}
	flagSet := pflag.NewFlagSet("codesync", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG_FILE"), "path to a YAML or JSON config file")
	flagSet.StringVar(&opts.driver, "driver", "", "override the database driver (sqlite, mongo, memory)")
	flagSet.BoolVarP(&opts.help, "help", "h", false, "show help")
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, flagSet, errors.Errorf("unexpected argument: %s", rest[0])
	}
	return opts, flagSet, nil
}

// loadConfig applies flag overrides on top of file > environment > defaults
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.driver != "" {
		cfg.Database.Driver = opts.driver
		if err := cfg.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid --driver")
		}
	}
	return cfg, nil
}

func run(args []string) error {
	opts, flagSet, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) || (err == nil && opts.help) {
		fmt.Fprintf(os.Stderr, "Usage: codesync [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Log.ConfigureLogging(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create application")
	}
	if err := application.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start application")
	}

	<-ctx.Done()
	logrus.Info("Shutdown signal received")

	// FUNCTIONAL DISCOVERY: A bounded shutdown keeps a stuck client from hanging the process
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}
