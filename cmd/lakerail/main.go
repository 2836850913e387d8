package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lakerail/lakerail/internal/config"
	"github.com/lakerail/lakerail/internal/diff"
	"github.com/lakerail/lakerail/internal/executor"
	"github.com/lakerail/lakerail/internal/ledger"
	"github.com/lakerail/lakerail/internal/loader"
	"github.com/lakerail/lakerail/internal/lock"
	"github.com/lakerail/lakerail/internal/logging"
	"github.com/lakerail/lakerail/internal/metrics"
	"github.com/lakerail/lakerail/internal/notify"
	"github.com/lakerail/lakerail/internal/objectstore"
	"github.com/lakerail/lakerail/internal/query"
	"github.com/lakerail/lakerail/internal/relation"
	"github.com/lakerail/lakerail/internal/state"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(cfg.Logging)
	log := logging.Component("main").With("run_id", logging.GenerateRunID())

	if err := run(cfg, log); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			log.Info("another run holds the lock, skipping this cycle")
			return
		}
		log.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		log.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	spec, err := relation.LoadSpec(cfg.RelationSpec)
	if err != nil {
		return err
	}
	log.Info("relation loaded", "relation", spec.Name, "deployment", spec.DeploymentID)

	opener, err := objectstore.NewOpener(cfg.Store)
	if err != nil {
		return err
	}
	store := objectstore.New(opener)
	defer store.Close()

	var sink metrics.Sink = metrics.Noop{}
	if cfg.Metrics.Enabled {
		namespace := cfg.Metrics.Namespace
		if spec.MetricsNamespace != "" {
			namespace = spec.MetricsNamespace
		}
		sink = metrics.NewProm(namespace)
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	// Every diff strategy consults the control table through the query
	// gateway, so the endpoint is mandatory.
	if cfg.Query.Endpoint == "" {
		return errors.New("QUERY_ENDPOINT is required")
	}
	qc := query.NewHTTPClient(cfg.Query.Endpoint)
	runner := query.NewRunner(qc)
	var catalog query.Catalog = qc

	led := ledger.New(spec, store, runner)
	differ, err := diff.New(spec, store, runner, catalog, led)
	if err != nil {
		return err
	}

	var lk *lock.Lock
	if cfg.Lock.URL != "" {
		lockStore, err := lock.OpenStore(ctx, cfg.Lock.URL)
		if err != nil {
			return err
		}
		defer lockStore.Close()
		lk = lock.New(lockStore, spec.DeploymentID+"."+spec.Name)
	} else {
		log.Warn("no lock table configured, running unguarded")
	}

	notifyCfg := cfg.Notify
	if spec.NotifyTarget != "" {
		notifyCfg.Mode = "webhook"
		notifyCfg.Endpoint = spec.NotifyTarget
	}

	o := loader.New(spec, loader.Deps{
		Store:    store,
		States:   state.New(spec, store),
		Ledger:   led,
		Differ:   differ,
		Executor: executor.New(cfg.Executor),
		Catalog:  catalog,
		Lock:     lk,
		Metrics:  sink,
		Notifier: notify.New(notifyCfg),
	})
	return o.Run(ctx)
}
