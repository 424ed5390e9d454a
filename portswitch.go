package portswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/portswitch/internal/config"
	"github.com/loykin/portswitch/internal/event"
	"github.com/loykin/portswitch/internal/history"
	"github.com/loykin/portswitch/internal/history/factory"
	"github.com/loykin/portswitch/internal/metrics"
	"github.com/loykin/portswitch/internal/port"
	"github.com/loykin/portswitch/internal/server"
	"github.com/loykin/portswitch/internal/supervisor"
	ptls "github.com/loykin/portswitch/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type AppConfig = config.AppConfig

type App = supervisor.App

type Status = supervisor.Status

type Policy = supervisor.Policy

type Event = event.Event

type HistorySink = history.Sink

type Sample = metrics.Sample

var (
	ErrPortBusy            = supervisor.ErrPortBusy
	ErrProcessUnresponsive = supervisor.ErrProcessUnresponsive
	ErrUnexpectedExit      = supervisor.ErrUnexpectedExit
	ErrNotReady            = supervisor.ErrNotReady
	ErrInvalidApp          = supervisor.ErrInvalidApp
	ErrClosed              = supervisor.ErrClosed
)

// NeedsConfirmation reports whether err asks the operator to confirm a force
// kill, and why ("process_running" or "port_in_use").
func NeedsConfirmation(err error) (string, bool) { return supervisor.NeedsConfirmation(err) }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options tune NewDaemon beyond what the config file carries.
type Options struct {
	Logger *slog.Logger
	// Registerer receives the collectors; defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer backs /metrics; defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Daemon is a running portswitch instance: one supervisor for the configured
// port, its control API and the optional metrics and history exporters.
type Daemon struct {
	cfg     *Config
	log     *slog.Logger
	bus     *event.Bus
	sup     *supervisor.Supervisor
	catalog *config.Catalog
	sink    history.Multi
	sampler *metrics.ResourceSampler
	tls     bool

	api        *http.Server
	metricsSrv *http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewDaemon wires cfg into a Daemon and starts serving. The API listener is
// bound before NewDaemon returns.
func NewDaemon(cfg *Config, opts Options) (_ *Daemon, err error) {
	if cfg == nil {
		return nil, errors.New("portswitch: config is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	d := &Daemon{cfg: cfg, log: log, catalog: config.NewCatalog(cfg)}
	defer func() {
		if err != nil {
			_ = d.teardown(context.Background())
		}
	}()

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	reclaimer, err := port.New(cfg.Port, port.WithLogger(log))
	if err != nil {
		return nil, err
	}
	for _, dsn := range cfg.HistoryDSNs() {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		d.sink = append(d.sink, sink)
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.HandlerFor(gatherer)
	}

	d.bus = event.NewBus()
	supOpts := supervisor.Options{
		Reclaimer: reclaimer,
		Bus:       d.bus,
		Policy:    cfg.SupervisorPolicy(),
		Env:       globalEnv,
		Logger:    log,
	}
	if len(d.sink) > 0 {
		supOpts.History = d.sink
	}
	if d.sup, err = supervisor.New(supOpts); err != nil {
		return nil, err
	}

	routerOpts := []server.Option{server.WithLogger(log)}
	if cfg.Metrics.Enabled && cfg.Metrics.SampleInterval > 0 {
		d.sampler = metrics.NewResourceSampler(cfg.Metrics.SampleInterval, cfg.Metrics.SampleHistory,
			metrics.WithSamplerLogger(log.With("component", "resources")))
		if err := d.sampler.RegisterMetrics(reg); err != nil {
			return nil, fmt.Errorf("register resource metrics: %w", err)
		}
		d.sampler.Start(context.Background(), d.target)
		routerOpts = append(routerOpts, server.WithResources(d.sampler))
	}
	inlineMetrics := metricsHandler != nil && cfg.Metrics.Listen == ""
	if inlineMetrics && cfg.Server.Engine != "echo" {
		routerOpts = append(routerOpts, server.WithMetrics(metricsHandler))
	}
	handler := server.NewRouter(d.sup, d.catalog, d.bus, cfg.Server.BasePath, routerOpts...).Handler()
	if cfg.Server.Engine == "echo" {
		var mh http.Handler
		if inlineMetrics {
			mh = metricsHandler
		}
		handler = server.NewEcho(cfg.Server.BasePath, handler, mh)
	}

	tlsCfg, err := ptls.Setup(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	d.tls = tlsCfg != nil
	if d.api, err = server.NewServer(cfg.Server.Listen, handler, tlsCfg); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	if metricsHandler != nil && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		if d.metricsSrv, err = server.NewServer(cfg.Metrics.Listen, mux, nil); err != nil {
			return nil, fmt.Errorf("metrics listen %s: %w", cfg.Metrics.Listen, err)
		}
	}

	log.Info("portswitch daemon started",
		"api", d.APIURL(),
		"port", cfg.Port,
		"engine", cfg.Server.Engine,
		"apps", len(cfg.Apps),
		"history_sinks", len(d.sink))
	return d, nil
}

func (d *Daemon) target() (string, int, bool) {
	st := d.sup.Status()
	return st.AppID, st.PID, st.Running && st.PID > 0
}

// Addr is the bound API address.
func (d *Daemon) Addr() string { return d.api.Addr }

// MetricsAddr is the bound metrics address, empty when metrics share the API listener.
func (d *Daemon) MetricsAddr() string {
	if d.metricsSrv == nil {
		return ""
	}
	return d.metricsSrv.Addr
}

// APIURL is the base URL clients use, e.g. http://localhost:3001/api.
func (d *Daemon) APIURL() string {
	host, p, err := net.SplitHostPort(d.api.Addr)
	if err != nil {
		host, p = d.api.Addr, ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "localhost"
	}
	scheme := "http"
	if d.tls {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, p) + d.cfg.Server.BasePath
}

func (d *Daemon) Bus() *event.Bus { return d.bus }

func (d *Daemon) Apps() []AppConfig { return d.catalog.List() }

func (d *Daemon) Status() Status { return d.sup.Status() }

// Start switches the port to the catalog app id; command and folder
// override the catalog entry when non-empty.
func (d *Daemon) Start(ctx context.Context, id, command, folder string) error {
	app, err := d.catalog.Resolve(id, command, folder)
	if err != nil {
		return err
	}
	return d.sup.Start(ctx, app)
}

func (d *Daemon) Stop(ctx context.Context) error             { return d.sup.Stop(ctx) }
func (d *Daemon) ConfirmForceKill(ctx context.Context) error { return d.sup.ConfirmForceKill(ctx) }
func (d *Daemon) Deny(ctx context.Context) error             { return d.sup.Deny(ctx) }
func (d *Daemon) KillPort(ctx context.Context, force bool) error {
	return d.sup.KillPort(ctx, force)
}

// Shutdown stops the running app, closes the API and flushes history.
// It is safe to call more than once.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() { d.closeErr = d.teardown(ctx) })
	return d.closeErr
}

func (d *Daemon) teardown(ctx context.Context) error {
	var errs []error
	if d.sampler != nil {
		d.sampler.Stop()
	}
	if d.sup != nil {
		if err := d.sup.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
	}
	// ends open log streams so Shutdown does not wait on them
	if d.bus != nil {
		d.bus.Close()
	}
	for _, srv := range []*http.Server{d.api, d.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			errs = append(errs, err)
		}
	}
	if len(d.sink) > 0 {
		if err := d.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	return errors.Join(errs...)
}
