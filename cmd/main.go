package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"workdl/internal/base"
	"workdl/internal/catalog"
	"workdl/internal/cli"
	"workdl/internal/config"
	"workdl/internal/history"
	"workdl/internal/progress"
	"workdl/internal/queue"
	"workdl/state"
)

var (
	errInterrupted = errors.New("interrupted")
	errIdle        = errors.New("queue drained")
)

func main() {
	cfgFileName := flag.String("c", "", "Path to config file, defaults are used when empty")
	worksFileName := flag.String("w", "works.yml", "Path to the works manifest")
	envFileName := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	cfg := config.MustLoad(*cfgFileName, *envFileName)
	log := newLogger(cfg.LogLevel)

	if err := run(cfg, *cfgFileName, *envFileName, *worksFileName, log); err != nil {
		log.Error("Stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	lo := &slog.HandlerOptions{}
	switch level {
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	default:
		lo.Level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, lo))
}

func run(cfg *config.Config, cfgFileName, envFileName, worksFileName string, log *slog.Logger) error {
	works, err := catalog.LoadManifest(worksFileName)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History, log)
	if err != nil {
		return fmt.Errorf("cannot open history: %w", err)
	}
	recorder := history.NewAsyncRecorder(store, log)
	defer recorder.Close()

	status := state.New()
	console := progress.NewConsole(os.Stdout)
	obs := progress.Hub{progress.NewLogObserver(log), console, status}

	mgr := queue.New(*cfg, log, queue.WithObserver(obs), queue.WithRecorder(recorder),
		queue.WithCompletionHook(func(w base.WorkDescriptor) {
			log.Info("Work finished", slog.Int("work_id", w.ID), slog.String("title", w.Title))
		}))

	for _, w := range works {
		if err := mgr.Enqueue(w); err != nil {
			log.Warn("Skipping work", slog.Int("work_id", w.ID), slog.Any("error", err))
		}
	}
	mgr.Advance()

	var hist cli.HistoryLister
	if cfg.History.Driver != config.HistoryNone {
		hist = recorder
	}
	shell := cli.New(mgr, status, hist, os.Stdout, log).UseSpeed(console)
	exit := make(chan struct{})
	go func() {
		// Stdin cannot be interrupted, so this goroutine is left behind on shutdown.
		if err := shell.HandleUserInput(os.Stdin); errors.Is(err, cli.ErrExit) {
			close(exit)
		} else if err != nil {
			log.Warn("Console stopped", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfgFileName != "" {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go func() {
			err := config.Watch(watchCtx, cfgFileName, envFileName, log, func(c *config.Config) {
				if err := mgr.UpdateConfig(*c); err != nil {
					log.Warn("Cannot apply config", slog.Any("error", err))
				}
			})
			if err != nil {
				log.Warn("Config changes will not be picked up", slog.Any("error", err))
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mgr.WaitIdle(ctx); err != nil {
			return err
		}
		return errIdle
	})
	g.Go(func() error {
		select {
		case <-exit:
			return cli.ErrExit
		case <-ctx.Done():
			return nil
		}
	})
	reason := g.Wait()

	mgr.Shutdown()
	switch {
	case errors.Is(reason, cli.ErrExit):
		log.Info("Exit requested, partial files kept")
		return nil
	case errors.Is(reason, context.Canceled):
		fmt.Println("Received termination signal. Shutting down...")
		return errInterrupted
	}

	for _, e := range mgr.Entries() {
		if e.State == base.Failed {
			return fmt.Errorf("work %d failed: %s", e.WorkID, e.Error)
		}
	}
	fmt.Println("done")
	return nil
}
