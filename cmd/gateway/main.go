package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hearth/internal/approvals"
	"hearth/internal/audit"
	"hearth/internal/auth"
	"hearth/internal/config"
	"hearth/internal/controlplane"
	"hearth/internal/db"
	"hearth/internal/gateway"
	"hearth/internal/logging"
	"hearth/internal/sessions"
	"hearth/internal/stream"
	"hearth/internal/workflows"

	"go.temporal.io/sdk/client"
	"golang.org/x/time/rate"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var newDB = db.NewDB
var newCache = controlplane.NewCache
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	return client.Dial(client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace})
}

// components is everything run wires together; build returns it so the
// wiring can be inspected in tests.
type components struct {
	bus          *stream.Bus
	hub          *stream.Hub
	verifier     *auth.Verifier
	controlPlane *controlplane.Client
	database     *db.DB
	temporal     client.Client
	orchestrator *workflows.Orchestrator
	approvals    *approvals.Service
	expiry       *approvals.ExpiryWatcher
	manager      *gateway.Manager
	api          *gateway.API
	tracker      *gateway.GoroutineTracker
}

func (c *components) close() {
	if c.orchestrator != nil {
		c.orchestrator.Shutdown()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.temporal != nil {
		c.temporal.Close()
	}
	if c.database != nil {
		_ = c.database.Close()
	}
}

func build(ctx context.Context, cfg config.Config) (*components, error) {
	c := &components{tracker: gateway.NewGoroutineTracker()}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   []byte(cfg.StreamSecret()),
		Issuer:   cfg.Stream.Issuer,
		Audience: cfg.Stream.Audience,
	})
	if err != nil {
		return nil, fmt.Errorf("stream verifier: %w", err)
	}
	c.verifier = verifier

	c.bus = stream.NewBus()
	c.hub = stream.NewHub(c.bus, verifier, nil)
	c.hub.OriginPatterns = cfg.Gateway.AllowedOrigins
	c.hub.SendBuffer = cfg.Stream.SendBuffer
	c.hub.FrameRate = rate.Limit(cfg.Stream.FrameRate)
	c.hub.FrameBurst = cfg.Stream.FrameBurst

	cp := controlplane.New(cfg.ControlPlane.BaseURL, cfg.ControlPlaneToken())
	cp.HTTP.Timeout = time.Duration(cfg.ControlPlane.TimeoutMS) * time.Millisecond
	cp.PrefsTTL = time.Duration(cfg.ControlPlane.PrefsTTLSecs) * time.Second
	cp.Prefs = newCache(ctx, cfg.ControlPlane.RedisAddr, "hearth:prefs:")
	if !cp.Configured() {
		slog.Warn("control plane not configured, approvals and run status are unavailable")
	}
	c.controlPlane = cp

	auditStore := audit.New()
	var outbox workflows.RunOutbox
	if cfg.Storage.PostgresDSN != "" {
		database, err := newDB(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		c.database = database
		auditStore = audit.NewWithDB(database)
		outbox = database
	}

	svc := &approvals.Service{
		Store:       cp,
		Notifier:    controlplane.NewNotifier(cp, nil),
		Events:      c.bus,
		Audit:       auditStore,
		TokenSecret: []byte(cfg.ApprovalTokenSecret()),
		TokenTTL:    cfg.Approvals.TokenTTLSecs,
		RequestTTL:  time.Duration(cfg.Approvals.RequestTTLSecs) * time.Second,
		Now:         time.Now,
	}

	tc, err := newTemporalClient(cfg.Orchestrator)
	if err != nil {
		slog.Warn("temporal client connection failed, approvals will be refused until restart", "error", err)
	} else if tc != nil {
		c.temporal = tc
		o := workflows.NewOrchestrator(tc, cfg.Orchestrator.TaskQueue, cp, c.bus)
		o.MaxAttempts = cfg.Orchestrator.MaxAttempts
		if outbox != nil {
			o.Outbox = outbox
		}
		c.orchestrator = o
		svc.Launcher = o
	}
	c.approvals = svc

	expiry := approvals.NewExpiryWatcher(cp, c.hub, c.bus)
	expiry.Audit = auditStore
	expiry.PollInterval = time.Duration(cfg.Approvals.ExpiryPollSecs) * time.Second
	c.expiry = expiry

	c.manager = gateway.NewManager(sessions.New(), gateway.Options{
		ControlAddr:    cfg.Gateway.ControlAddr,
		BridgeAddr:     cfg.Gateway.BridgeAddr,
		CanvasAddr:     cfg.Gateway.CanvasAddr,
		CanvasDir:      cfg.Gateway.CanvasDir,
		LiveConfigPath: cfg.Gateway.LiveConfigPath,
		WatchInterval:  time.Duration(cfg.Gateway.WatchIntervalMS) * time.Millisecond,
		Tracker:        c.tracker,
	})

	c.api = gateway.NewAPI(c.hub, svc, verifier, c.tracker)
	c.api.Checks["temporal"] = func(ctx context.Context) error {
		if c.temporal == nil {
			return errors.New("not connected")
		}
		_, err := c.temporal.CheckHealth(ctx, nil)
		return err
	}
	if c.database != nil {
		c.api.Checks["db"] = func(ctx context.Context) error { return c.database.Ping(ctx) }
	}
	return c, nil
}

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.manager.Stop(stopCtx); err != nil {
			slog.Warn("gateway manager stop failed", "error", err)
		}
	}()

	var wg sync.WaitGroup
	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	c.tracker.Go(bgCtx, &wg, "expiry_watcher", c.expiry.Run)

	mainSrv := &http.Server{Addr: cfg.Gateway.HTTPAddr, Handler: c.api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- serve(mainSrv)
	}()

	slog.Info("gateway listening", "addr", cfg.Gateway.HTTPAddr, "control_addr", c.manager.Addr("control"))
	select {
	case err := <-errCh:
		cancelBg()
		wg.Wait()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	forceExit := time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = mainSrv.Shutdown(shutdownCtx)
	cancelBg()
	wg.Wait()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}
