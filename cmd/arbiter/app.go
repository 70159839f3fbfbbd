package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/util/workqueue"

	"github.com/recomma/arbiter/admission"
	"github.com/recomma/arbiter/arbiter"
	"github.com/recomma/arbiter/cmd/arbiter/internal/config"
	"github.com/recomma/arbiter/cooldown"
	"github.com/recomma/arbiter/dedupe"
	"github.com/recomma/arbiter/engine"
	"github.com/recomma/arbiter/executor"
	rlog "github.com/recomma/arbiter/log"
	"github.com/recomma/arbiter/log/journal"
	"github.com/recomma/arbiter/metrics"
	"github.com/recomma/arbiter/operator"
	"github.com/recomma/arbiter/recovery"
	"github.com/recomma/arbiter/risk"
	"github.com/recomma/arbiter/storage"
	"github.com/recomma/arbiter/suppress"
)

// App wires the risk stack, the engine and its supporting services.
type App struct {
	Config config.AppConfig
	Logger *slog.Logger

	Catalog    *arbiter.Catalog
	Store      *storage.Storage
	Journal    *journal.Handler
	Cache      *storage.Cache
	Cooldowns  *cooldown.Store
	Suppressor *suppress.Suppressor
	Dedupe     *dedupe.Deduplicator
	Slots      *admission.Slots
	Exchange   arbiter.ExchangeAdapter
	Executor   *executor.Executor
	Liquidator *recovery.Liquidator
	Engine     *engine.Engine
	Recovery   *recovery.Manager
	Operator   *operator.Service
	Metrics    *metrics.Metrics
	Registry   *prometheus.Registry

	Queue   workqueue.TypedRateLimitingInterface[string]
	pending *pendingOpportunities

	Server      *http.Server
	serverAddr  string
	serverErrCh chan error

	workerCtx     context.Context
	cancelWorkers context.CancelFunc
	cacheCtx      context.Context
	cancelCache   context.CancelFunc
	cacheDone     chan struct{}
	cacheRunning  bool
	wg            sync.WaitGroup
	janitor       *time.Ticker
	janitorDone   chan struct{}
	shutdownOnce  sync.Once
	closeExchange func()
}

// AppOptions configures application creation.
type AppOptions struct {
	Config config.AppConfig
	Logger *slog.Logger
	// Exchange replaces the adapter selected by Config.Mode, for tests.
	Exchange arbiter.ExchangeAdapter
}

// NewApp builds every component. Nothing runs until Start.
func NewApp(ctx context.Context, opts AppOptions) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalog, err := arbiter.NewCatalog(cfg.File.Markets)
	if err != nil {
		return nil, fmt.Errorf("market catalog: %w", err)
	}

	store, err := storage.New(cfg.StoragePath, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("storage init failed: %w", err)
	}

	var jrnl *journal.Handler
	if level, ok, _ := config.ParseJournalLevel(cfg); ok {
		jrnl, err = journal.New(journalInsert(store), journal.WithMinLevel(level))
		if err != nil {
			store.Close()
			return nil, err
		}
		logger = slog.New(rlog.NewMultiHandler(
			rlog.Sink{Handler: logger.Handler()},
			rlog.Sink{Handler: jrnl},
		))
	}

	ex, closeExchange := opts.Exchange, func() {}
	if ex == nil {
		ex, closeExchange, err = newExchange(ctx, cfg, catalog, logger)
		if err != nil {
			if jrnl != nil {
				_ = jrnl.Close(context.Background())
			}
			store.Close()
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cache := storage.NewCache(store, storage.WithCacheLogger(logger))
	cooldowns := cooldown.New(cfg.CooldownPath, cooldown.WithLogger(logger))
	suppressor := suppress.New(suppress.Config{Window: cfg.SuppressionWindow})
	dd := dedupe.New(dedupe.Config{
		FingerprintTTL: cfg.FingerprintTTL,
		RouteCooldown:  cfg.RouteCooldown,
		HysteresisPct:  cfg.HysteresisPct,
	})
	slots := admission.NewSlots(cfg.MaxConcurrent, cfg.SlotTTL, logger)
	adm := admission.NewController(cooldowns, dd, slots, logger)

	exec := executor.New(ex,
		executor.WithPacer(newPacer(cfg)),
		executor.WithLogger(logger),
	)

	legBudget := cfg.LegBudget
	if legBudget == 0 {
		legBudget = 3 * cfg.MaxLegLatency
	}
	liquidator := recovery.NewLiquidator(catalog, exec,
		recovery.WithSafeCurrencies(cfg.SafeCurrencies...),
		recovery.WithMaxHops(cfg.MaxHops),
		recovery.WithLegBudget(legBudget),
		recovery.WithLiquidatorLogger(logger),
	)

	eng := engine.New(catalog, adm, exec, cache,
		engine.WithCooldowns(cooldowns),
		engine.WithSuppressor(suppressor),
		engine.WithRiskMonitors(risk.NewLatencyMonitor(cfg.MaxLegLatency), risk.NewSlippageTracker(cfg.MaxSlippageBps)),
		engine.WithLiquidator(liquidator),
		engine.WithMetrics(m),
		engine.WithConfig(engine.Config{
			ViolationCooldown: cfg.ViolationCooldown,
			LegBudget:         cfg.LegBudget,
			CheckBalances:     true,
		}),
		engine.WithLogger(logger),
	)

	recCfg := recovery.DefaultConfig()
	recCfg.ResumeMaxAge = cfg.ResumeMaxAge
	manager := recovery.NewManager(cache, exec, liquidator, eng,
		recovery.WithConfig(recCfg),
		recovery.WithSlots(slots),
		recovery.WithLogger(logger),
	)

	ops := operator.New(cooldowns, suppressor,
		operator.WithFlaggedSource(store),
		operator.WithSlots(slots),
		operator.WithLogger(logger),
	)

	workerCtx, cancelWorkers := context.WithCancel(rlog.ContextWithLogger(context.Background(), logger))
	cacheCtx, cancelCache := context.WithCancel(context.Background())

	app := &App{
		Config:        cfg,
		Logger:        logger,
		Catalog:       catalog,
		Store:         store,
		Journal:       jrnl,
		Cache:         cache,
		Cooldowns:     cooldowns,
		Suppressor:    suppressor,
		Dedupe:        dd,
		Slots:         slots,
		Exchange:      ex,
		Executor:      exec,
		Liquidator:    liquidator,
		Engine:        eng,
		Recovery:      manager,
		Operator:      ops,
		Metrics:       m,
		Registry:      reg,
		Queue:         newOpportunityQueue(),
		pending:       newPendingOpportunities(),
		serverErrCh:   make(chan error, 1),
		workerCtx:     workerCtx,
		cancelWorkers: cancelWorkers,
		cacheCtx:      cacheCtx,
		cancelCache:   cancelCache,
		cacheDone:     make(chan struct{}),
		closeExchange: closeExchange,
	}
	if cfg.HTTPListen != "" {
		app.Server = &http.Server{
			Addr:              cfg.HTTPListen,
			Handler:           app.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return app, nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		st := a.Operator.Status(r.Context(), a.Config.HealthWindow, a.Config.HealthMaxSuppressed)
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	mux.HandleFunc("GET /cooldowns", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.Operator.ActiveCooldowns())
	})
	mux.HandleFunc("GET /journal", a.handleJournal)
	return mux
}

type journalEntry struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Level   string          `json:"level"`
	Scope   string          `json:"scope,omitempty"`
	CycleID string          `json:"cycle_id,omitempty"`
	Message string          `json:"message"`
	Attrs   json.RawMessage `json:"attrs"`
}

// handleJournal lists persisted log entries, newest first. Query
// parameters: cycle, level and limit (default 100).
func (a *App) handleJournal(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.LogFilter{CycleID: q.Get("cycle"), MinLevel: q.Get("level"), Limit: 100}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}
	entries, err := a.Store.ListLogEntries(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]journalEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalEntry{
			ID:      e.ID,
			Time:    e.Time,
			Level:   e.Level,
			Scope:   e.Scope,
			CycleID: e.CycleID,
			Message: e.Message,
			Attrs:   json.RawMessage(e.Attrs),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func journalInsert(store *storage.Storage) journal.InsertFunc {
	return func(ctx context.Context, e journal.Entry) error {
		return store.InsertLogEntry(ctx, storage.LogEntry{
			Time:    e.Time,
			Level:   e.Level.String(),
			Scope:   e.Scope,
			CycleID: e.CycleID,
			Message: e.Message,
			Attrs:   e.Attrs,
			Source:  e.Source,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StartHTTPServer binds the listener and serves in the background.
func (a *App) StartHTTPServer() error {
	if a.Server == nil {
		return nil
	}
	listener, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return err
	}
	a.serverAddr = listener.Addr().String()
	go func() {
		a.Logger.Info("HTTP listening", slog.String("addr", a.serverAddr))
		if err := a.Server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErrCh <- err
		}
	}()
	return nil
}

// HTTPAddr is the bound address, useful when listening on port 0.
func (a *App) HTTPAddr() string {
	return a.serverAddr
}

// ServerErrors reports a failed HTTP server.
func (a *App) ServerErrors() <-chan error {
	return a.serverErrCh
}

// Start restores state, recovers open cycles and starts the workers. The
// opportunity feed is attached separately with Feed.
func (a *App) Start(ctx context.Context) error {
	now := time.Now()
	if a.Config.Resume {
		if err := a.Cooldowns.Load(now); err != nil {
			return err
		}
	} else {
		a.Logger.Info("fresh start, persisted cooldowns ignored", slog.String("path", a.Config.CooldownPath))
	}

	a.cacheRunning = true
	go func() {
		defer close(a.cacheDone)
		a.Cache.Run(a.cacheCtx)
	}()

	report, err := a.Recovery.Recover(a.workerCtx)
	a.Metrics.Recovered("resumed", len(report.Resumed))
	a.Metrics.Recovered("completed", len(report.Completed))
	a.Metrics.Recovered("liquidated", len(report.Liquidated))
	a.Metrics.Recovered("failed", len(report.Failed))
	a.Metrics.Recovered("quarantined", len(report.Quarantined))
	if err != nil {
		// the other cycles were handled; the failed ones stay open for
		// the next start or an operator
		a.Logger.Error("recovery incomplete", slog.String("error", err.Error()))
	}

	for i := 0; i < a.Config.Workers; i++ {
		a.wg.Add(1)
		go runWorker(a.workerCtx, &a.wg, a.Queue, a.pending, a.Engine)
	}

	a.startJanitor()
	if err := a.StartHTTPServer(); err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	a.Logger.Info("arbiter ready",
		slog.String("mode", a.Config.Mode),
		slog.Int("markets", len(a.Catalog.Markets())),
		slog.Int("workers", a.Config.Workers),
		slog.Int("max_concurrent", a.Config.MaxConcurrent),
	)
	return ctx.Err()
}

// Feed reads opportunities from r until EOF or ctx is done.
func (a *App) Feed(ctx context.Context, r io.Reader) error {
	n, err := readOpportunities(ctx, r, a.pending, a.Queue, a.Logger.WithGroup("feed"))
	a.Logger.Info("opportunity feed ended", slog.Int("queued", n))
	return err
}

// openFeed opens the configured opportunity source.
func openFeed(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func (a *App) startJanitor() {
	interval := a.Config.JanitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	a.janitor = time.NewTicker(interval)
	a.janitorDone = make(chan struct{})
	go func() {
		for {
			select {
			case <-a.janitorDone:
				return
			case now := <-a.janitor.C:
				a.sweep(now)
			}
		}
	}()
}

// sweep reclaims expired slots, prunes the suppressor and deduplicator and
// refreshes gauges.
func (a *App) sweep(now time.Time) {
	reclaimed := a.Slots.Reclaim(now)
	suppressed := a.Suppressor.Prune(now)
	fingerprints, routes := a.Dedupe.Prune(now)
	active, capacity := a.Slots.Stats()
	a.Metrics.Slots(active, capacity)
	a.Metrics.Cooldowns(len(a.Cooldowns.ListActive(now)))

	if len(reclaimed) > 0 {
		a.Logger.Warn("reclaimed expired slots", slog.Any("cycles", reclaimed))
	}
	a.Logger.Debug("janitor sweep",
		slog.Int("suppressor_pruned", suppressed),
		slog.Int("fingerprints_pruned", fingerprints),
		slog.Int("routes_pruned", routes),
		slog.Int("pending_opportunities", a.pending.len()),
	)
}

// Shutdown stops intake, waits for running cycles up to ctx and flushes
// state. Cycles still running when ctx expires are cancelled and left open
// for recovery on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	a.shutdownOnce.Do(func() {
		a.Logger.Info("shutdown requested")

		if a.janitor != nil {
			a.janitor.Stop()
			close(a.janitorDone)
		}
		if a.Server != nil && a.serverAddr != "" {
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := a.Server.Shutdown(sctx); err != nil {
				a.Logger.Warn("HTTP server shutdown error", slog.String("error", err.Error()))
				shutdownErr = err
			}
			cancel()
		}

		a.Queue.ShutDownWithDrain()

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			a.Engine.Wait()
			close(done)
		}()
		select {
		case <-done:
			a.Logger.Debug("workers and cycles drained")
		case <-ctx.Done():
			a.Logger.Warn("shutdown timeout, cancelling running cycles")
			a.cancelWorkers()
			<-done
		}
		a.cancelWorkers()

		a.cancelCache()
		if a.cacheRunning {
			// Run flushes once more on the way out
			<-a.cacheDone
		} else if err := a.Cache.Flush(context.Background()); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}

		a.closeExchange()
		if a.Journal != nil {
			jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.Journal.Close(jctx); err != nil {
				shutdownErr = errors.Join(shutdownErr, err)
			}
			cancel()
			if n := a.Journal.Dropped(); n > 0 {
				a.Logger.Warn("journal dropped records", slog.Int64("count", n))
			}
		}
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn("storage close error", slog.String("error", err.Error()))
			shutdownErr = errors.Join(shutdownErr, err)
		}
		a.Logger.Debug("shutdown complete")
	})

	return shutdownErr
}
