// Package app initializes and holds long-lived application services, acting
// as a dependency injection container. Drivers for the record store, blob
// store, and publisher are selected from configuration; everything else is
// wired the same way regardless of driver.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/seedspider/seedspider/internal/api"
	gcsblob "github.com/seedspider/seedspider/internal/blob/gcs"
	localblob "github.com/seedspider/seedspider/internal/blob/local"
	memblob "github.com/seedspider/seedspider/internal/blob/memory"
	"github.com/seedspider/seedspider/internal/checkpoint"
	"github.com/seedspider/seedspider/internal/clock/system"
	"github.com/seedspider/seedspider/internal/config"
	"github.com/seedspider/seedspider/internal/dedup"
	"github.com/seedspider/seedspider/internal/dispatcher"
	collyfetch "github.com/seedspider/seedspider/internal/fetch/colly"
	"github.com/seedspider/seedspider/internal/hash/sha256"
	"github.com/seedspider/seedspider/internal/id/uuid"
	"github.com/seedspider/seedspider/internal/orchestrator"
	"github.com/seedspider/seedspider/internal/pool/local"
	"github.com/seedspider/seedspider/internal/progress"
	"github.com/seedspider/seedspider/internal/progress/sinks"
	mempub "github.com/seedspider/seedspider/internal/publisher/memory"
	pubsubpub "github.com/seedspider/seedspider/internal/publisher/pubsub"
	"github.com/seedspider/seedspider/internal/registry"
	"github.com/seedspider/seedspider/internal/scheduler"
	"github.com/seedspider/seedspider/internal/store"
	memstore "github.com/seedspider/seedspider/internal/store/memory"
	pgstore "github.com/seedspider/seedspider/internal/store/postgres"
)

// App holds the shared, long-lived services for one seedspider process. It
// is built once at startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      orchestrator.RecordStore
	blob       orchestrator.BlobStore
	publisher  orchestrator.Publisher
	hub        *progress.Hub
	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	checkpoint *checkpoint.Controller
	server     *api.Server

	runID string

	// closers run in reverse order during Close.
	closers []func()
}

// RunID returns the identifier assigned to this process's run.
func (a *App) RunID() string { return a.runID }

// Scheduler exposes the run's scheduler, mainly for the control-plane API.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// New builds all services from cfg. It fails fast when any driver cannot be
// initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{cfg: cfg, logger: logger}

	ids := uuid.New()
	runID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a.runID = runID

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initBlob(ctx); err != nil {
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		return nil, err
	}
	if err := a.initHub(); err != nil {
		return nil, err
	}
	if err := a.initRegistry(); err != nil {
		return nil, err
	}

	clk := system.New()
	deduper := dedup.New(a.store, dedup.NewCanonicalizer(sha256.New()), clk, logger)
	a.scheduler = scheduler.New(a.store, a.registry, deduper, clk, a.hub, logger, scheduler.Config{
		RunID:          runID,
		RefreshCascade: cfg.Run.RefreshCascade,
	})

	workers := local.New(cfg.Pool.Size, logger)
	a.dispatcher = dispatcher.New(a.scheduler, a.registry, a.store, workers, a.blob, clk, a.hub, logger, dispatcher.Config{
		RunID:         runID,
		LeaseDuration: cfg.Run.LeaseDuration(),
		DrainGrace:    cfg.Run.DrainGrace(),
	})

	a.checkpoint = checkpoint.New(a.store, a.registry, clk, a.hub, logger, runID)
	a.server = api.NewServer(a.scheduler, logger)

	logger.Info("application services initialized",
		zap.String("run_id", runID),
		zap.String("store", cfg.Store.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("publisher", cfg.Publisher.Driver),
		zap.Int("actions", a.registry.Len()),
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	var inner orchestrator.RecordStore
	switch a.cfg.Store.Driver {
	case "memory":
		inner = memstore.New()
	case "postgres":
		pg := a.cfg.Store.Postgres
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.ConnLifetime(),
		})
		if err != nil {
			return fmt.Errorf("initialize postgres store: %w", err)
		}
		inner = st
		a.closers = append(a.closers, st.Close)
	default:
		return fmt.Errorf("unknown store driver: %s", a.cfg.Store.Driver)
	}
	// Transient store faults are retried with backoff before they abort
	// the run, regardless of driver.
	a.store = store.WithRetry(inner, store.RetryConfig{
		Attempts: a.cfg.Store.RetryAttempts,
		Base:     a.cfg.Store.RetryBase(),
	}, a.logger)
	return nil
}

func (a *App) initBlob(ctx context.Context) error {
	switch a.cfg.Blob.Driver {
	case "memory":
		a.blob = memblob.New()
	case "local":
		bs, err := localblob.New(localblob.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return fmt.Errorf("initialize local blob store: %w", err)
		}
		a.blob = bs
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("initialize gcs client: %w", err)
		}
		bs, err := gcsblob.New(client, gcsblob.Config{Bucket: a.cfg.Blob.Bucket})
		if err != nil {
			return fmt.Errorf("initialize gcs blob store: %w", err)
		}
		a.blob = bs
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("closing gcs client", zap.Error(err))
			}
		})
	default:
		return fmt.Errorf("unknown blob driver: %s", a.cfg.Blob.Driver)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.Publisher.Driver {
	case "none":
		a.publisher = nil
	case "memory":
		a.publisher = mempub.New()
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
		if err != nil {
			return fmt.Errorf("initialize pubsub client: %w", err)
		}
		pub, err := pubsubpub.New(client)
		if err != nil {
			return fmt.Errorf("initialize pubsub publisher: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, func() {
			pub.Close()
			if err := client.Close(); err != nil {
				a.logger.Warn("closing pubsub client", zap.Error(err))
			}
		})
	default:
		return fmt.Errorf("unknown publisher driver: %s", a.cfg.Publisher.Driver)
	}
	return nil
}

func (a *App) initHub() error {
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger)}
	prom, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("initialize prometheus sink: %w", err)
	}
	sinkList = append(sinkList, prom)
	if a.publisher != nil && a.cfg.Publisher.Topic != "" {
		sinkList = append(sinkList, sinks.NewPublisherSink(a.publisher, a.cfg.Publisher.Topic, a.logger))
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinkList...)
	return nil
}

func (a *App) initRegistry() error {
	fetcher := collyfetch.New(collyfetch.Config{
		UserAgent:          a.cfg.Fetch.UserAgent,
		Timeout:            a.cfg.Fetch.Timeout(),
		Delay:              a.cfg.Fetch.Delay(),
		PerHostParallelism: a.cfg.Fetch.PerHostParallelism,
		BlockedHosts:       a.cfg.Fetch.BlockedHosts,
	})

	reg := registry.New()
	for _, ac := range a.cfg.Actions {
		rules := make([]collyfetch.LinkRule, 0, len(ac.Links))
		for _, l := range ac.Links {
			rules = append(rules, collyfetch.LinkRule{Selector: l.Selector, ActionType: l.ActionType})
		}
		at := orchestrator.ActionType{
			Name:        ac.Name,
			Handler:     fetcher.Handler(rules...),
			Predecessor: ac.Predecessor,
			Concurrency: ac.Concurrency,
			Retry: orchestrator.RetryConfig{
				MaxAttempts: ac.MaxAttempts,
				BaseDelay:   ac.BackoffInitial(),
				MaxDelay:    ac.BackoffMax(),
			},
			Timeout: ac.Timeout(),
		}
		if err := reg.Register(at); err != nil {
			return fmt.Errorf("register action %q: %w", ac.Name, err)
		}
	}
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("validate action graph: %w", err)
	}
	a.registry = reg
	return nil
}

// Run drives one crawl run to completion. With resume set it first reclaims
// expired leases left by a previous process; seeds are admitted regardless,
// which is a no-op for identities already in the store.
func (a *App) Run(ctx context.Context, resume bool) (orchestrator.RunSummary, error) {
	if resume {
		report, err := a.checkpoint.Reclaim(ctx)
		if err != nil {
			return orchestrator.RunSummary{}, fmt.Errorf("reclaim leases: %w", err)
		}
		a.logger.Info("resume reclaim finished",
			zap.Any("reclaimed", report.Reclaimed),
			zap.Any("exhausted", report.Exhausted),
			zap.Int("live_leases", report.LiveLeases),
		)
	}

	if err := a.admitSeeds(ctx); err != nil {
		return orchestrator.RunSummary{}, err
	}

	srv := a.startServer()
	defer a.stopServer(srv)

	return a.dispatcher.Run(ctx)
}

func (a *App) admitSeeds(ctx context.Context) error {
	for _, ac := range a.cfg.Actions {
		for _, seed := range ac.Seeds {
			raw := orchestrator.RawRequest{
				ActionType: ac.Name,
				Input:      collyfetch.PageInput{URL: seed},
			}
			if _, created, err := a.scheduler.Admit(ctx, raw); err != nil {
				return fmt.Errorf("admit seed %q for %s: %w", seed, ac.Name, err)
			} else if created {
				a.logger.Debug("seed admitted", zap.String("action_type", ac.Name), zap.String("url", seed))
			}
		}
	}
	return nil
}

func (a *App) startServer() *http.Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("control-plane server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("control-plane server failed", zap.Error(err))
		}
	}()
	return srv
}

func (a *App) stopServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		a.logger.Warn("control-plane server shutdown", zap.Error(err))
	}
}

// Close tears down all services. Safe to call once after Run returns.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("closing progress hub", zap.Error(err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	// Flushing buffered log output is best effort.
	_ = a.logger.Sync()
}
