// Package gateway runs the local gateway: a loopback control WebSocket, a
// TCP bridge for sibling processes, a diagnostic canvas surface and the
// live-config watcher that ties them together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"hearth/internal/logging"
	"hearth/internal/metrics"
	"hearth/internal/sessions"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

const (
	NotifyConfigUpdated   = "config.updated"
	NotifyRestartRequired = "config.restart_required"
)

const (
	surfaceControl = "control"
	surfaceBridge  = "bridge"
	surfaceCanvas  = "canvas"

	watcherName = "gateway.config_watcher"
)

var (
	ErrAlreadyStarted = errors.New("gateway already started")
	ErrNotRunning     = errors.New("gateway not running")
)

var listen = net.Listen

type Options struct {
	ControlAddr    string
	BridgeAddr     string
	CanvasAddr     string
	CanvasDir      string
	LiveConfigPath string
	WatchInterval  time.Duration

	// OnNotify observes every notification pushed to control clients.
	OnNotify func(Notification)
	Tracker  *GoroutineTracker
	Logger   *slog.Logger
}

// Notification is pushed to every connected control client.
type Notification struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type ReloadResult struct {
	Applied         bool   `json:"applied"`
	RestartRequired bool   `json:"restartRequired"`
	Mode            string `json:"mode"`
}

type surface struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

type Manager struct {
	opts     Options
	sessions *sessions.Manager
	tracker  *GoroutineTracker

	lifecycle sync.Mutex
	mu        sync.RWMutex
	state     State
	live      LiveConfig
	surfaces  []surface
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	clientsMu sync.Mutex
	clients   map[*controlClient]struct{}
}

func NewManager(sess *sessions.Manager, opts Options) *Manager {
	if sess == nil {
		sess = sessions.New()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewGoroutineTracker()
	}
	return &Manager{
		opts:     opts,
		sessions: sess,
		tracker:  tracker,
		state:    StateStopped,
		live:     DefaultLiveConfig(),
		clients:  make(map[*controlClient]struct{}),
	}
}

func (m *Manager) logger() *slog.Logger {
	return logging.OrDefault(m.opts.Logger)
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) LiveConfig() LiveConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.live.clone()
}

func (m *Manager) Sessions() *sessions.Manager {
	return m.sessions
}

func (m *Manager) Tracker() *GoroutineTracker {
	return m.tracker
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start loads the live config, binds the three surfaces and starts the
// config watcher. The surfaces outlive ctx; only Stop tears them down.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.State() != StateStopped {
		return ErrAlreadyStarted
	}
	m.setState(StateStarting)
	log := m.logger()

	var watcher *FileWatcher
	if m.opts.LiveConfigPath != "" {
		watcher = NewFileWatcher(m.opts.LiveConfigPath, m.opts.WatchInterval, func(ctx context.Context) {
			if _, err := m.Reload(ctx); err != nil {
				log.Warn("live config reload failed", "error", err)
			}
		})
		watcher.Logger = m.opts.Logger
	}
	live, err := LoadLiveConfig(m.opts.LiveConfigPath)
	if err != nil {
		log.Warn("live config unavailable, using defaults", "path", m.opts.LiveConfigPath, "error", err)
	}

	specs := []struct {
		name    string
		addr    string
		handler http.Handler
	}{
		{surfaceControl, m.opts.ControlAddr, m.controlHandler()},
		{surfaceBridge, m.opts.BridgeAddr, m.bridgeHandler()},
		{surfaceCanvas, m.opts.CanvasAddr, m.canvasHandler()},
	}
	bound := make([]surface, 0, len(specs))
	for _, s := range specs {
		if s.addr == "" {
			continue
		}
		ln, err := listen("tcp", s.addr)
		if err != nil {
			for _, b := range bound {
				_ = b.ln.Close()
			}
			m.setState(StateStopped)
			return fmt.Errorf("bind %s %s: %w", s.name, s.addr, err)
		}
		bound = append(bound, surface{
			name: s.name,
			ln:   ln,
			srv:  &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second},
		})
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.live = live
	m.surfaces = bound
	m.cancel = cancel
	m.state = StateRunning
	m.mu.Unlock()

	for _, s := range bound {
		m.tracker.Go(runCtx, &m.wg, "gateway."+s.name, func(context.Context) error {
			log.Info("gateway surface listening", "surface", s.name, "addr", s.ln.Addr().String())
			if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if watcher != nil {
		m.tracker.Go(runCtx, &m.wg, watcherName, watcher.Run)
	}
	return nil
}

// Stop cancels the watcher, closes the surfaces and every control client,
// then closes all sessions.
func (m *Manager) Stop(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.State() != StateRunning {
		return ErrNotRunning
	}
	m.mu.Lock()
	bound := m.surfaces
	cancel := m.cancel
	m.surfaces = nil
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	var errs []error
	for _, s := range bound {
		if err := s.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", s.name, err))
			_ = s.srv.Close()
		}
	}
	m.closeClients()
	m.wg.Wait()

	closed := m.sessions.CloseAll()
	for _, s := range bound {
		m.tracker.Forget("gateway." + s.name)
	}
	m.tracker.Forget(watcherName)
	m.setState(StateStopped)
	m.logger().Info("gateway stopped", "sessions_closed", closed)
	return errors.Join(errs...)
}

// Reload re-reads the live config file. Hybrid mode applies it in place and
// notifies config.updated; any other mode leaves the running config alone
// and notifies config.restart_required. A file that cannot be loaded keeps
// the current config.
func (m *Manager) Reload(ctx context.Context) (ReloadResult, error) {
	next, err := LoadLiveConfig(m.opts.LiveConfigPath)
	if err != nil {
		metrics.ConfigReloadsTotal.WithLabelValues("failed").Inc()
		return ReloadResult{}, err
	}
	mode := next.Gateway.Reload.Mode
	if !next.HotReloadable() {
		metrics.ConfigReloadsTotal.WithLabelValues("restart_required").Inc()
		m.logger().Info("live config change requires restart", "mode", mode)
		m.notify(ctx, Notification{Type: NotifyRestartRequired, Payload: map[string]string{"mode": mode}})
		return ReloadResult{RestartRequired: true, Mode: mode}, nil
	}
	m.mu.Lock()
	m.live = next
	m.mu.Unlock()
	metrics.ConfigReloadsTotal.WithLabelValues("applied").Inc()
	m.logger().Info("live config applied", "mode", mode)
	m.notify(ctx, Notification{Type: NotifyConfigUpdated, Payload: next.clone()})
	return ReloadResult{Applied: true, Mode: mode}, nil
}

// Addr returns the bound address of a surface ("control", "bridge" or
// "canvas"), or "" when it is not listening.
func (m *Manager) Addr(name string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.surfaces {
		if s.name == name {
			return s.ln.Addr().String()
		}
	}
	return ""
}

func (m *Manager) notify(ctx context.Context, n Notification) {
	if m.opts.OnNotify != nil {
		m.opts.OnNotify(n)
	}
	m.clientsMu.Lock()
	clients := make([]*controlClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clientsMu.Unlock()
	for _, c := range clients {
		if err := c.write(ctx, n); err != nil {
			m.logger().Debug("control notify failed", "type", n.Type, "error", err)
		}
	}
}
