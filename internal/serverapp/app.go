package serverapp

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/nodenexus/nodenexus/internal/batch"
	"github.com/nodenexus/nodenexus/internal/config"
	"github.com/nodenexus/nodenexus/internal/effconfig"
	"github.com/nodenexus/nodenexus/internal/livestate"
	"github.com/nodenexus/nodenexus/internal/logging"
	"github.com/nodenexus/nodenexus/internal/metricswriter"
	"github.com/nodenexus/nodenexus/internal/monitor"
	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/registry"
	"github.com/nodenexus/nodenexus/internal/reset"
	"github.com/nodenexus/nodenexus/internal/session"
	"github.com/nodenexus/nodenexus/internal/store"
	"github.com/nodenexus/nodenexus/internal/store/migrations"
	"github.com/nodenexus/nodenexus/internal/transport/grpcstream"
	"github.com/nodenexus/nodenexus/internal/transport/ws"
)

// Per-session inbound rate limiting: a defensive cap so one chatty or
// misbehaving agent cannot starve the registry mutex or the metrics
// writer's queue.
const (
	inboundRateLimit = rate.Limit(50)
	inboundBurst     = 100
)

// App wires every server-side component into one running process behind a
// single Start/Stop lifecycle, in a fixed startup order; this process has
// no dynamic module or dependency graph.
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *obsmetrics.Metrics

	db    *sqlx.DB
	store *store.Store

	reg      *registry.Registry
	bus      *livestate.Bus
	writer   *metricswriter.Writer
	orch     *batch.Orchestrator
	monitors *monitor.Ingester
	sched    *reset.Scheduler
	pending  *effconfig.PendingVersions
	hooks    *hooks
	sweeper  *session.Sweeper

	tlsConfig *tls.Config
	grpcSrv   *grpc.Server
	grpcLis   net.Listener
	wsSrv     *http.Server
	adminSrv  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to Postgres, applies migrations if configured, and
// constructs every in-process component. It does not start anything yet.
func New(cfg *config.Config, log *logging.Logger) (*App, error) {
	sqlDB, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("serverapp: open postgres: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("serverapp: ping postgres: %w", err)
	}

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(sqlDB); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("serverapp: apply migrations: %w", err)
		}
	}

	db := sqlx.NewDb(sqlDB, "postgres")
	st := store.New(db)

	tlsCert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("serverapp: load TLS keypair: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{tlsCert}, MinVersion: tls.VersionTLS12}

	metrics := obsmetrics.New()
	reg := registry.New()
	bus := livestate.New(st, metrics, log.WithField("component", "livestate"))
	writer := metricswriter.New(st, cfg.Writer.BatchSize, cfg.Writer.FlushInterval, cfg.Writer.QueueCapacity, metrics, log.WithField("component", "metricswriter"))
	orch := batch.New(st, registryDispatcher{reg: reg}, batchEvents{bus: bus}, metrics, log.WithField("component", "batch"))
	monitors := monitor.New(st, bus, metrics, log.WithField("component", "monitor"))
	sched := reset.NewScheduler(st, log.WithField("component", "reset"), metrics, nil)
	pending := effconfig.NewPendingVersions()

	h := newHooks(st, writer, bus, orch, monitors, pending, log.WithField("component", "hooks"))

	detector := &offlineDetector{reg: reg, store: st, bus: bus, log: log.WithField("component", "heartbeat_sweep")}
	sweeper := session.NewSweeper(reg, detector, cfg.Registry.DefaultHeartbeat, cfg.Registry.OfflineMissedBeats, log.WithField("component", "heartbeat_sweep"))

	a := &App{
		cfg:       cfg,
		log:       log,
		metrics:   metrics,
		db:        db,
		store:     st,
		reg:       reg,
		bus:       bus,
		writer:    writer,
		orch:      orch,
		monitors:  monitors,
		sched:     sched,
		pending:   pending,
		hooks:     h,
		sweeper:   sweeper,
		tlsConfig: tlsConfig,
	}

	a.grpcSrv = grpcstream.NewServer(tlsConfig, grpcStreamHandler{app: a})

	adminMux := mux.NewRouter()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.HandleFunc("/healthz", a.healthz)
	adminMux.HandleFunc("/ws/metrics", a.handleLiveSubscribe)
	a.adminSrv = &http.Server{Addr: cfg.Server.AdminAddr, Handler: adminMux}

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/agent/ws", a.handleWSAgent)
	a.wsSrv = &http.Server{Addr: cfg.Server.WSAddr, Handler: wsMux, TLSConfig: tlsConfig}

	return a, nil
}

func (a *App) healthz(w http.ResponseWriter, r *http.Request) {
	if err := a.db.PingContext(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// grpcStreamHandler adapts App to grpcstream.StreamHandler: run one
// session.Session per accepted bidi stream.
type grpcStreamHandler struct {
	app *App
}

func (h grpcStreamHandler) HandleStream(stream grpc.ServerStream) error {
	s := grpcstream.NewServerStream(stream)
	entry := h.app.log.WithField("transport", "grpc")
	sess := session.New(s, "grpc", h.app.reg, h.app.store, h.app.hooks, h.app.cfg.Registry.SinkCapacity, inboundRateLimit, inboundBurst, h.app.metrics, entry)
	return sess.Run(stream.Context())
}

func (a *App) handleWSAgent(w http.ResponseWriter, r *http.Request) {
	entry := a.log.WithField("transport", "websocket")
	stream, err := ws.Upgrade(w, r, entry)
	if err != nil {
		entry.WithError(err).Error("websocket upgrade failed")
		return
	}
	sess := session.New(stream, "websocket", a.reg, a.store, a.hooks, a.cfg.Registry.SinkCapacity, inboundRateLimit, inboundBurst, a.metrics, entry)
	_ = sess.Run(r.Context())
}

// handleLiveSubscribe upgrades a dashboard client onto the live-state
// fan-out bus. Ownership-scoped HostIDs filtering is resolved by the
// caller's auth boundary.
func (a *App) handleLiveSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Error("dashboard websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drive gorilla's pong/close control-frame handling; the dashboard
	// socket is send-only from the server's side, so inbound frames are
	// read and discarded, and their absence (a closed socket) is how we
	// notice the client is gone.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	public := r.URL.Query().Get("public") == "1" || !a.cfg.Server.PublicDash
	sub := &livestate.Subscriber{Public: public}
	unsubscribe := a.bus.Subscribe(sub)
	defer unsubscribe()

	for {
		select {
		case <-closed:
			return
		case envelope, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			if err := conn.WriteJSON(envelope); err != nil {
				return
			}
		}
	}
}

// Start launches every background component and both network listeners.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.writer.Run(runCtx) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.bus.RunMetricTicker(runCtx, a.cfg.Broadcast.MetricTick) }()

	a.wg.Add(1)
	go func() { defer a.wg.Done(); a.sweeper.Run(runCtx, a.cfg.Registry.SweepInterval) }()

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("serverapp: start reset scheduler: %w", err)
	}

	lis, err := net.Listen("tcp", a.cfg.Server.GRPCAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("serverapp: listen grpc %s: %w", a.cfg.Server.GRPCAddr, err)
	}
	a.grpcLis = lis
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpcSrv.Serve(lis); err != nil {
			a.log.WithError(err).Error("grpc server stopped")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.wsSrv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("websocket server stopped")
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("admin server stopped")
		}
	}()

	a.log.WithField("grpc_addr", a.cfg.Server.GRPCAddr).WithField("ws_addr", a.cfg.Server.WSAddr).WithField("admin_addr", a.cfg.Server.AdminAddr).Info("nodenexus server started")
	return nil
}

// Stop gracefully shuts down every component, waiting for in-flight work to
// drain before closing the database pool.
func (a *App) Stop(ctx context.Context) error {
	a.grpcSrv.GracefulStop()
	_ = a.wsSrv.Shutdown(ctx)
	_ = a.adminSrv.Shutdown(ctx)
	a.sched.Stop()

	// Close the writer before canceling the run context so its final
	// drain-and-flush still has a live context to write with.
	a.writer.Close()
	<-a.writer.Done()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return a.db.Close()
}
