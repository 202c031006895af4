package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
)

// mountConcurrency bounds parallel upstream mounts during startup.
const mountConcurrency = 8

// UpstreamSession is the runtime state for one mounted upstream. The
// session stays routed even while disconnected so clients always see a
// consistent topology.
type UpstreamSession struct {
	Name   string
	Config config.UpstreamConfig

	mu             sync.Mutex
	status         upstream.Status
	lastError      string
	session        outbound.MCPSession
	tools          []*upstream.Tool
	connectedSince time.Time
}

// Status returns the connection state and last error.
func (s *UpstreamSession) Status() (upstream.Status, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.lastError
}

// Connected reports whether the session completed its handshake.
func (s *UpstreamSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == upstream.StatusConnected
}

// Tools returns the discovered tool list.
func (s *UpstreamSession) Tools() []*upstream.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*upstream.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// ServerHealth is the per-upstream slice of the healthz report.
type ServerHealth struct {
	Connected bool   `json:"connected"`
	Type      string `json:"type"`
	LastError string `json:"lastError,omitempty"`
	ToolCount int    `json:"toolCount"`
}

// Supervisor owns every upstream session: mount, unmount, reinit and
// the hot-reload diff. All reloads serialize through a single mutex;
// the session map is replaced copy-on-write under it.
type Supervisor struct {
	dialer    outbound.SessionDialer
	toolCache *upstream.ToolCache
	logger    *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*UpstreamSession
	mountOrder []string

	reloadMu   sync.Mutex
	cfg        *config.Config
	generation int64
	lastReload time.Time
}

// NewSupervisor creates a Supervisor with no mounted upstreams.
func NewSupervisor(dialer outbound.SessionDialer, toolCache *upstream.ToolCache, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		dialer:    dialer,
		toolCache: toolCache,
		logger:    logger,
		sessions:  make(map[string]*UpstreamSession),
		cfg:       &config.Config{MCPServers: map[string]config.UpstreamConfig{}},
	}
}

// MountAll mounts every upstream in cfg. Individual connect failures
// leave disconnected-but-routed placeholders and do not fail the boot;
// they surface through Health.
func (s *Supervisor) MountAll(ctx context.Context, cfg *config.Config) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mountConcurrency)
	for _, name := range cfg.Names() {
		name := name
		upstreamCfg := cfg.MCPServers[name]
		g.Go(func() error {
			if err := s.Mount(gctx, name, upstreamCfg); err != nil {
				s.logger.Error("failed to mount upstream", "name", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.cfg = cfg
	s.generation++
	s.lastReload = time.Now().UTC()
	return nil
}

// Mount connects one upstream: dial, initialize, list tools. On failure
// the session stays routed as disconnected with the error recorded.
func (s *Supervisor) Mount(ctx context.Context, name string, cfg config.UpstreamConfig) error {
	sess := &UpstreamSession{
		Name:   name,
		Config: cfg,
		status: upstream.StatusConnecting,
	}

	s.mu.Lock()
	s.sessions[name] = sess
	s.mountOrder = append(s.mountOrder, name)
	s.mu.Unlock()

	return s.connect(ctx, sess)
}

// connect performs the transport handshake and tool discovery for an
// already-routed session.
func (s *Supervisor) connect(ctx context.Context, sess *UpstreamSession) error {
	mcpSession, err := s.dialer.Dial(ctx, sess.Config)
	if err != nil {
		sess.mu.Lock()
		sess.status = upstream.StatusDisconnected
		sess.lastError = err.Error()
		sess.mu.Unlock()
		return err
	}

	tools, err := mcpSession.ListTools(ctx)
	if err != nil {
		_ = mcpSession.Close()
		sess.mu.Lock()
		sess.status = upstream.StatusDisconnected
		sess.lastError = err.Error()
		sess.mu.Unlock()
		return err
	}

	sess.mu.Lock()
	sess.session = mcpSession
	sess.tools = tools
	sess.status = upstream.StatusConnected
	sess.lastError = ""
	sess.connectedSince = time.Now()
	sess.mu.Unlock()

	s.toolCache.SetTools(sess.Name, tools)
	s.logger.Info("upstream connected", "name", sess.Name, "tools", len(tools))
	return nil
}

// Unmount removes an upstream's route and closes its session.
func (s *Supervisor) Unmount(name string) {
	s.mu.Lock()
	sess, ok := s.sessions[name]
	if ok {
		delete(s.sessions, name)
		for i, n := range s.mountOrder {
			if n == name {
				s.mountOrder = append(s.mountOrder[:i], s.mountOrder[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.closeSession(sess)
	s.toolCache.Remove(name)
	s.logger.Info("upstream unmounted", "name", name)
}

func (s *Supervisor) closeSession(sess *UpstreamSession) {
	sess.mu.Lock()
	mcpSession := sess.session
	sess.session = nil
	sess.status = upstream.StatusDisconnected
	sess.mu.Unlock()

	if mcpSession != nil {
		if err := mcpSession.Close(); err != nil {
			s.logger.Warn("failed to close upstream session", "name", sess.Name, "error", err)
		}
	}
}

// Reinit tears down and re-establishes one session without touching its
// route.
func (s *Supervisor) Reinit(ctx context.Context, name string) error {
	s.mu.RLock()
	sess, ok := s.sessions[name]
	s.mu.RUnlock()
	if !ok {
		return bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "server %s not found", name)
	}

	s.closeSession(sess)

	sess.mu.Lock()
	sess.status = upstream.StatusConnecting
	sess.mu.Unlock()

	if err := s.connect(ctx, sess); err != nil {
		return bridge.NewError(bridge.CodeReinitFailed, http.StatusBadGateway, "reinit %s: %v", name, err).Wrap(err)
	}
	return nil
}

// DiffReload applies a new config by comparing it to the current one.
// Removed and changed upstreams unmount first, then added and changed
// ones mount. Any mount failure rolls the route table back to the
// pre-reload snapshot; the generation counter only advances on full
// success.
func (s *Supervisor) DiffReload(ctx context.Context, newCfg *config.Config) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	oldCfg := s.cfg
	toRemove, toAdd, toUpdate := diffConfigs(oldCfg, newCfg)

	for _, name := range append(append([]string{}, toRemove...), toUpdate...) {
		s.Unmount(name)
	}

	var mounted []string
	var mountErr error
	for _, name := range append(append([]string{}, toAdd...), toUpdate...) {
		if err := s.Mount(ctx, name, newCfg.MCPServers[name]); err != nil {
			mountErr = fmt.Errorf("mount %s: %w", name, err)
			break
		}
		mounted = append(mounted, name)
	}

	if mountErr != nil {
		// Roll back: drop everything this reload mounted, then restore
		// the previous routes.
		for _, name := range mounted {
			s.Unmount(name)
		}
		// The failed mount left a disconnected placeholder behind.
		for _, name := range append(append([]string{}, toAdd...), toUpdate...) {
			s.Unmount(name)
		}
		for _, name := range append(append([]string{}, toRemove...), toUpdate...) {
			if err := s.Mount(ctx, name, oldCfg.MCPServers[name]); err != nil {
				s.logger.Error("rollback remount failed", "name", name, "error", err)
			}
		}
		return bridge.NewError(bridge.CodeReloadFailed, http.StatusBadGateway, "reload failed: %v", mountErr).Wrap(mountErr)
	}

	s.cfg = newCfg
	s.generation++
	s.lastReload = time.Now().UTC()
	s.logger.Info("config reloaded",
		"generation", s.generation,
		"removed", len(toRemove), "added", len(toAdd), "updated", len(toUpdate))
	return nil
}

// diffConfigs computes the three reload sets by comparing server maps.
func diffConfigs(oldCfg, newCfg *config.Config) (toRemove, toAdd, toUpdate []string) {
	for name := range oldCfg.MCPServers {
		if _, ok := newCfg.MCPServers[name]; !ok {
			toRemove = append(toRemove, name)
		}
	}
	for name, newU := range newCfg.MCPServers {
		oldU, ok := oldCfg.MCPServers[name]
		if !ok {
			toAdd = append(toAdd, name)
		} else if !oldU.Equal(newU) {
			toUpdate = append(toUpdate, name)
		}
	}
	sort.Strings(toRemove)
	sort.Strings(toAdd)
	sort.Strings(toUpdate)
	return toRemove, toAdd, toUpdate
}

// Session returns the routed session for an upstream name.
func (s *Supervisor) Session(name string) (*UpstreamSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[name]
	return sess, ok
}

// Names returns the mounted upstream names in sorted order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for name := range s.sessions {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CallTool dispatches one tool call to a connected upstream session.
func (s *Supervisor) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*upstream.ToolResult, error) {
	s.mu.RLock()
	sess, ok := s.sessions[serverName]
	s.mu.RUnlock()
	if !ok {
		return nil, bridge.NewError(bridge.CodeNotFound, http.StatusNotFound, "server %s not found", serverName)
	}

	sess.mu.Lock()
	mcpSession := sess.session
	connected := sess.status == upstream.StatusConnected
	sess.mu.Unlock()

	if !connected || mcpSession == nil {
		return nil, bridge.NewError(bridge.CodeUnexpected, http.StatusBadGateway, "server %s is not connected", serverName)
	}
	return mcpSession.CallTool(ctx, toolName, args)
}

// Generation returns the current reload generation.
func (s *Supervisor) Generation() int64 {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.generation
}

// LastReload returns the time of the last successful mount or reload.
func (s *Supervisor) LastReload() time.Time {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.lastReload
}

// Config returns the currently applied upstream config.
func (s *Supervisor) Config() *config.Config {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	return s.cfg
}

// Health builds the per-server healthz report.
func (s *Supervisor) Health() map[string]ServerHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]ServerHealth, len(s.sessions))
	for name, sess := range s.sessions {
		sess.mu.Lock()
		out[name] = ServerHealth{
			Connected: sess.status == upstream.StatusConnected,
			Type:      sess.Config.Transport(),
			LastError: sess.lastError,
			ToolCount: len(sess.tools),
		}
		sess.mu.Unlock()
	}
	return out
}

// Close tears down all sessions in reverse mount order.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	order := make([]string, len(s.mountOrder))
	copy(order, s.mountOrder)
	sessions := s.sessions
	s.sessions = make(map[string]*UpstreamSession)
	s.mountOrder = nil
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if sess, ok := sessions[order[i]]; ok {
			s.closeSession(sess)
			s.toolCache.Remove(sess.Name)
		}
	}
	return nil
}
