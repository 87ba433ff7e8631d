//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/containerd/log"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/aledbf/qemubox/manager/internal/config"
	"github.com/aledbf/qemubox/manager/internal/driver"
	"github.com/aledbf/qemubox/manager/internal/events"
	"github.com/aledbf/qemubox/manager/internal/version"
)

func main() {
	var (
		configPath  string
		debug       bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to the configuration file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Info())
		return
	}

	if debug {
		log.SetLevel("debug")
	} else {
		log.SetLevel("info")
	}

	ctx := context.Background()

	if err := run(ctx, configPath); err != nil {
		log.G(ctx).WithError(err).Error("exiting with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Paths.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	// One manager per state directory. The lock file outlives us; only the
	// flock matters.
	lock := flock.New(filepath.Join(cfg.Paths.StateDir, "manager.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock state directory: %w", err)
	}
	if !held {
		return fmt.Errorf("state directory %s is locked by another manager", cfg.Paths.StateDir)
	}
	defer func() {
		_ = lock.Unlock()
	}()

	drv, err := driver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize driver: %w", err)
	}

	log.G(ctx).WithFields(log.Fields{
		"version":   version.Short(),
		"state_dir": cfg.Paths.StateDir,
		"domains":   len(drv.List(ctx)),
	}).Info("manager started")

	// Mirror lifecycle transitions into the daemon log.
	subID, err := drv.Subscribe(logLifecycle(ctx), "topic==\""+events.TopicLifecycle+"\"")
	if err != nil {
		_ = drv.Close()
		return err
	}

	s := make(chan os.Signal, 1)
	signal.Notify(s, unix.SIGINT, unix.SIGTERM)
	sig := <-s
	log.G(ctx).WithField("signal", sig).Info("received shutdown signal")

	// Reverse of startup: stop delivering events, then shut the driver
	// down; the flock releases last.
	drv.Unsubscribe(subID)
	if err := drv.Close(); err != nil {
		return fmt.Errorf("shut down driver: %w", err)
	}
	return nil
}

func logLifecycle(ctx context.Context) events.Handler {
	return func(env *driver.Envelope) {
		decoded, err := events.FromEnvelope(env)
		if err != nil {
			log.G(ctx).WithError(err).Warn("failed to decode event")
			return
		}
		ev, ok := decoded.(*events.LifecycleEvent)
		if !ok {
			return
		}
		log.G(ctx).WithFields(log.Fields{
			"domain": ev.Name,
			"uuid":   ev.UUID,
			"type":   ev.Type,
			"detail": ev.Detail,
		}).Info("domain lifecycle event")
	}
}
