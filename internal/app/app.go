// Package app assembles the relay and owns its startup and shutdown order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/arkiv/chain-event-relay/internal/chain"
	"github.com/arkiv/chain-event-relay/internal/checkpoint"
	"github.com/arkiv/chain-event-relay/internal/config"
	"github.com/arkiv/chain-event-relay/internal/httpapi"
	"github.com/arkiv/chain-event-relay/internal/ingest"
	"github.com/arkiv/chain-event-relay/internal/record"
	"github.com/arkiv/chain-event-relay/internal/report"
	"github.com/arkiv/chain-event-relay/internal/store"
	"github.com/arkiv/chain-event-relay/internal/tracing"
)

const (
	serviceName = "chain-event-relay"

	// failureBuffer bounds failures waiting for the log and dead-letter sinks.
	failureBuffer = 256
)

// Deps overrides pieces New would otherwise build from the config.
type Deps struct {
	Store      store.Store
	Source     chain.Source
	Checkpoint checkpoint.Store
	Reporter   report.Reporter
	// HTTPListener replaces listening on cfg.Addr.
	HTTPListener net.Listener
}

type App struct {
	cfg      config.Config
	log      *slog.Logger
	tracing  *tracing.Provider
	store    store.Store
	cp       checkpoint.Store
	closers  []namedCloser
	failures *report.Chan
	sink     report.Reporter
	listener *ingest.Listener
	srv      *http.Server
	ln       net.Listener
}

type namedCloser struct {
	name  string
	close func() error
}

// New opens every dependency. The store is opened before anything that could
// produce records; on error whatever was opened is closed again.
func New(ctx context.Context, cfg config.Config, log *slog.Logger, deps Deps) (_ *App, err error) {
	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeAll(context.Background())
		}
	}()

	a.tracing, err = tracing.Setup(ctx, tracing.Config{
		ServiceName:  serviceName,
		Environment:  cfg.AppEnv,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	tracer := a.tracing.Tracer()

	st := deps.Store
	switch {
	case st != nil:
	case cfg.DatabaseURL == "" && cfg.SourceMode == config.SourceSynthetic:
		log.Warn("memory_store", "reason", "DATABASE_URL unset in synthetic mode")
		st = store.NewMemory()
	default:
		pg, err := store.OpenPostgres(ctx, store.PostgresConfig{
			DatabaseURL:  cfg.DatabaseURL,
			MaxOpenConns: cfg.MaxDBConns,
			MaxIdleConns: cfg.MaxDBConns,
			OpTimeout:    cfg.StoreTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		st = pg
	}
	a.store = store.WithTracing(st, tracer)
	a.closers = append(a.closers, namedCloser{"store", a.store.Close})
	log.Info("store_opened", "collections", record.Collections())

	a.cp = deps.Checkpoint
	if a.cp == nil {
		a.cp = a.openCheckpoint(ctx)
	}
	a.closers = append(a.closers, namedCloser{"checkpoint", a.cp.Close})

	a.sink = deps.Reporter
	if a.sink == nil {
		a.sink = a.buildReporter()
	}
	a.failures = report.NewChan(failureBuffer)

	src := deps.Source
	if src == nil {
		src, err = a.buildSource()
		if err != nil {
			return nil, err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_failures_dropped_total",
			Help: "Failures dropped because the failure channel was full.",
		}, func() float64 { return float64(a.failures.Dropped()) }),
	)

	a.listener, err = ingest.New(ingest.Options{
		Source:     src,
		Writer:     a.store,
		Checkpoint: a.cp,
		Reporter:   a.failures,
		Logger:     log,
		Metrics:    ingest.NewMetrics(registry),
		Tracer:     tracer,
		Config: ingest.Config{
			Kinds: cfg.Kinds,
			Retry: ingest.RetryPolicy{
				MaxAttempts: cfg.AppendMaxAttempts,
				OpTimeout:   cfg.StoreTimeout,
				Base:        cfg.RetryBase,
				Max:         cfg.RetryMax,
			},
			ReconnectBase: cfg.ReconnectBase,
			ReconnectMax:  cfg.ReconnectMax,
		},
	})
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if cfg.APIRateLimit > 0 {
		limit = rate.Limit(cfg.APIRateLimit)
	}
	a.srv = &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Backend:   a.store,
			Logger:    log,
			Registry:  registry,
			StaticDir: cfg.StaticDir,
			OpTimeout: cfg.StoreTimeout,
			RateLimit: limit,
			RateBurst: cfg.APIRateBurst,

			TrustedProxies: cfg.TrustedProxies,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.ln = deps.HTTPListener
	return a, nil
}

func (a *App) openCheckpoint(ctx context.Context) checkpoint.Store {
	if a.cfg.RedisURL == "" {
		return checkpoint.NewMemory()
	}
	client, err := checkpoint.Connect(a.cfg.RedisURL)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
		}
	}
	if err != nil {
		a.log.Warn("checkpoint_redis_unavailable", "error", err)
		return checkpoint.NewMemory()
	}
	return checkpoint.NewRedis(client, a.cfg.ContractAddress)
}

func (a *App) buildReporter() report.Reporter {
	reporters := report.Multi{report.NewLog(a.log)}
	if len(a.cfg.KafkaBrokers) > 0 {
		k := report.NewKafka(report.KafkaConfig{
			Brokers:  a.cfg.KafkaBrokers,
			Topic:    a.cfg.KafkaDLQTopic,
			ClientID: serviceName,
		}, a.log)
		a.closers = append(a.closers, namedCloser{"dead-letter writer", k.Close})
		reporters = append(reporters, k)
	}
	return reporters
}

func (a *App) buildSource() (chain.Source, error) {
	switch a.cfg.SourceMode {
	case config.SourceSynthetic:
		a.log.Warn("synthetic_source", "interval", a.cfg.SyntheticInterval.String())
		return chain.NewSyntheticSource(a.cfg.ChainID, a.cfg.SyntheticInterval), nil
	default:
		src, err := chain.NewEthSource(chain.EthConfig{
			RPCURL:       a.cfg.RPCURL,
			Contract:     common.HexToAddress(a.cfg.ContractAddress),
			PollInterval: a.cfg.PollInterval,
			RangeLimit:   uint64(a.cfg.LogRangeLimit),
		}, a.log)
		if err != nil {
			return nil, fmt.Errorf("event source: %w", err)
		}
		return src, nil
	}
}

// ErrUncleanShutdown means some step did not finish within the shutdown timeout.
var ErrUncleanShutdown = errors.New("unclean shutdown")

// Run serves HTTP and runs the listener until ctx is canceled or either fails,
// then shuts down. Every shutdown step shares one SHUTDOWN_TIMEOUT budget.
func (a *App) Run(ctx context.Context) error {
	ln := a.ln
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.srv.Addr)
		if err != nil {
			a.closeAll(ctx)
			return fmt.Errorf("listen %s: %w", a.srv.Addr, err)
		}
	}

	fwdCtx, stopForward := context.WithCancel(context.WithoutCancel(ctx))
	defer stopForward()
	forwarded := make(chan struct{})
	go func() {
		a.failures.Forward(fwdCtx, a.sink)
		close(forwarded)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http_listening", "addr", ln.Addr().String())
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.listener.Run(gctx)
	})

	<-gctx.Done()
	a.log.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("%w: http: %w", ErrUncleanShutdown, err))
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("%w: in-flight event handling did not finish", ErrUncleanShutdown))
	}

	stopForward()
	select {
	case <-forwarded:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("%w: failure reports still pending", ErrUncleanShutdown))
	}

	errs = append(errs, a.closeAll(shutdownCtx)...)
	if err := errors.Join(errs...); err != nil {
		a.log.Error("shutdown_failed", "error", err)
		return err
	}
	a.log.Info("shutdown_complete")
	return nil
}

// closeAll closes in reverse open order, giving up on any closer still running at ctx's deadline.
func (a *App) closeAll(ctx context.Context) []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := closeWithin(ctx, c.close); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.log.Warn("tracing_shutdown_failed", "error", err)
		}
	}
	return errs
}

func closeWithin(ctx context.Context, closeFn func() error) error {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrUncleanShutdown, ctx.Err())
	}
}
