package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"hearth/internal/config"
	"hearth/internal/controlplane"
	"hearth/internal/db"
	"hearth/internal/logging"
	"hearth/internal/metrics"
	"hearth/internal/workflows"

	"github.com/robfig/cron/v3"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

func main() {
	logging.Init("orchestrator", nil)
	if err := run(os.Args[1:]); err != nil {
		fatalf("orchestrator: %v", err)
	}
}

var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newDB = db.NewDB
var replayHistory = workflows.ReplayHistoryFromJSONFile
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	opts := client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace}
	return client.Dial(opts)
}

var temporalHealthClient client.Client
var setTemporalHealthClient = func(c client.Client) { temporalHealthClient = c }

type closeFunc func() error

func (c closeFunc) Close() error {
	return c()
}

var newWorker = func(cfg config.OrchestratorConfig) (worker.Worker, io.Closer, error) {
	c, err := newTemporalClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	setTemporalHealthClient(c)
	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	return w, closeFunc(func() error { c.Close(); return nil }), nil
}
var runWorker = func(w worker.Worker) error { return w.Run(worker.InterruptCh()) }
var startWorker = func(acts *workflows.Activities, cfg config.Config) error {
	w, closer, err := newWorker(cfg.Orchestrator)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	workflows.RegisterWorkflows(w)
	w.RegisterActivity(acts)
	slog.Info("orchestrator ready", "temporal_addr", cfg.Orchestrator.TemporalAddr, "task_queue", cfg.Orchestrator.TaskQueue)
	return runWorker(w)
}

// buildSkills registers one HTTP skill client per configured tool.
func buildSkills(cfg config.Config) *workflows.Skills {
	skills := workflows.NewSkills()
	hc := &http.Client{Timeout: time.Duration(cfg.Orchestrator.SkillTimeoutMS) * time.Millisecond}
	tools := make([]string, 0, len(cfg.Orchestrator.SkillEndpoints))
	for tool, endpoint := range cfg.Orchestrator.SkillEndpoints {
		skills.Register(tool, &workflows.SkillClient{Endpoint: endpoint, Token: cfg.SkillToken(), HTTPClient: hc})
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	slog.Info("skills registered", "tools", tools)
	return skills
}

// startOutbox schedules redelivery of run status upserts the control plane
// missed. It returns nil when there is no database to drain.
func startOutbox(database *db.DB, cfg config.Config) (*cron.Cron, error) {
	if database == nil {
		return nil, nil
	}
	cp := controlplane.New(cfg.ControlPlane.BaseURL, cfg.ControlPlaneToken())
	cp.HTTP.Timeout = time.Duration(cfg.ControlPlane.TimeoutMS) * time.Millisecond
	if !cp.Configured() {
		slog.Warn("control plane not configured, run status outbox will not drain")
	}
	drainer := workflows.NewOutboxDrainer(database, cp)
	drainer.Batch = cfg.Storage.OutboxBatch
	return drainer.Schedule(cfg.Storage.OutboxCron)
}

// readinessChecks covers the dependencies the worker cannot run without.
func readinessChecks(database *db.DB) map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"temporal": func(ctx context.Context) error {
			if temporalHealthClient == nil {
				return errors.New("not connected")
			}
			_, err := temporalHealthClient.CheckHealth(ctx, nil)
			return err
		},
	}
	if database != nil {
		checks["db"] = database.Ping
	}
	return checks
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func healthMux(database *db.DB) *http.ServeMux {
	checks := readinessChecks(database)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		code, status := http.StatusOK, "ok"
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			results[name] = "ok"
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				code, status = http.StatusServiceUnavailable, "unavailable"
			}
		}
		writeStatus(w, code, map[string]any{"status": status, "checks": results})
	})
	return mux
}

func run(args []string) error {
	fs := flag.NewFlagSet("orchestrator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	replayPath := fs.String("replay", "", "replay an exported workflow history JSON file and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *replayPath != "" {
		if err := replayHistory(*replayPath); err != nil {
			return fmt.Errorf("replay %s: %w", *replayPath, err)
		}
		slog.Info("replay ok", "path", *replayPath)
		return nil
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	go func() {
		<-ctx.Done()
		time.AfterFunc(30*time.Second, func() { os.Exit(1) })
	}()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	secret := cfg.ApprovalTokenSecret()
	if secret == "" {
		return errors.New("approvals.token_secret required")
	}

	var database *db.DB
	if cfg.Storage.PostgresDSN != "" {
		database, err = newDB(cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer database.Close()
	}
	outbox, err := startOutbox(database, cfg)
	if err != nil {
		return fmt.Errorf("outbox schedule: %w", err)
	}
	if outbox != nil {
		defer func() { <-outbox.Stop().Done() }()
	}

	if cfg.Orchestrator.HealthAddr != "" {
		healthSrv := &http.Server{Addr: cfg.Orchestrator.HealthAddr, Handler: healthMux(database), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("health server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(sctx)
		}()
	}

	acts := &workflows.Activities{
		TokenSecret: []byte(secret),
		Skills:      buildSkills(cfg),
	}
	return startWorker(acts, cfg)
}
