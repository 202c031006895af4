package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/service"
)

// shutdownGrace bounds how long in-flight requests may run after a
// shutdown signal.
const shutdownGrace = 10 * time.Second

// Handler carries the services behind the main HTTP surface.
type Handler struct {
	settings   *config.Settings
	state      *service.StateService
	supervisor *service.Supervisor
	runner     *service.Runner
	metrics    *service.MetricsService
	chat       *service.ChatService
	logBus     *service.LogBus
	toolCache  *upstream.ToolCache
	configPath string
	logger     *slog.Logger
	startedAt  time.Time
	openapi    openapiCache
}

// NewHandler wires the HTTP surface.
func NewHandler(
	settings *config.Settings,
	state *service.StateService,
	supervisor *service.Supervisor,
	runner *service.Runner,
	metrics *service.MetricsService,
	chat *service.ChatService,
	logBus *service.LogBus,
	toolCache *upstream.ToolCache,
	configPath string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		settings:   settings,
		state:      state,
		supervisor: supervisor,
		runner:     runner,
		metrics:    metrics,
		chat:       chat,
		logBus:     logBus,
		toolCache:  toolCache,
		configPath: configPath,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Routes builds the full middleware-wrapped handler. The returned mux
// is also handed to the chat service for in-process management tool
// dispatch.
func (h *Handler) Routes(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := NewHTTPMetrics(reg)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// Management surface.
	mux.HandleFunc("GET /_meta/servers", h.handleListServers)
	mux.HandleFunc("GET /_meta/servers/{server}/tools", h.handleListServerTools)
	mux.HandleFunc("POST /_meta/servers/{server}/enable", h.handleServerEnable(true))
	mux.HandleFunc("POST /_meta/servers/{server}/disable", h.handleServerEnable(false))
	mux.HandleFunc("POST /_meta/servers/{server}/tools/{tool}/enable", h.handleToolEnable(true))
	mux.HandleFunc("POST /_meta/servers/{server}/tools/{tool}/disable", h.handleToolEnable(false))
	mux.HandleFunc("GET /_meta/config", h.handleConfig)
	mux.HandleFunc("GET /_meta/config/content", h.handleConfigContent)
	mux.HandleFunc("POST /_meta/config/save", h.handleConfigSave)
	mux.HandleFunc("GET /_meta/info", h.handleInfo)
	mux.HandleFunc("POST /_meta/reload", h.handleReload)
	mux.HandleFunc("POST /_meta/reinit/{server}", h.handleReinit)
	mux.HandleFunc("GET /_meta/logs", h.handleLogs)
	mux.HandleFunc("GET /_meta/logs/sources", h.handleLogSources)
	mux.HandleFunc("GET /_meta/logs/categorized", h.handleLogsCategorized)
	mux.HandleFunc("POST /_meta/logs/clear/{category}", h.handleLogsClear)
	mux.HandleFunc("GET /_meta/metrics", h.handleMetrics)
	mux.HandleFunc("GET /_meta/status", h.handleStatus)
	mux.HandleFunc("GET /_meta/stats", h.handleStats)
	mux.HandleFunc("GET /_meta/aggregate_openapi", h.handleAggregateOpenAPI)
	mux.HandleFunc("GET /_meta/providers", h.handleListProviders)
	mux.HandleFunc("POST /_meta/providers/{provider}/enable", h.handleProviderEnable(true))
	mux.HandleFunc("POST /_meta/providers/{provider}/disable", h.handleProviderEnable(false))
	mux.HandleFunc("GET /_meta/models", h.handleListModels)
	mux.HandleFunc("POST /_meta/models/enable", h.handleModelEnable(true))
	mux.HandleFunc("POST /_meta/models/disable", h.handleModelEnable(false))

	// Chat surface.
	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions", h.handleListSessions)
	mux.HandleFunc("GET /sessions/models", h.handleSessionModels)
	mux.HandleFunc("GET /sessions/favorites", h.handleGetFavorites)
	mux.HandleFunc("POST /sessions/favorites", h.handleSetFavorites)
	mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/reset", h.handleResetSession)
	mux.HandleFunc("POST /sessions/{id}/messages", h.handleSessionMessage)

	// Synthesized tool endpoints. The trailing-slash form is accepted
	// for clients that normalize paths that way.
	mux.HandleFunc("POST /{upstream}/{tool}", h.handleToolCall)
	mux.HandleFunc("POST /{upstream}/{tool}/{$}", h.handleToolCall)

	// Management tools dispatch against the bare mux so they bypass
	// auth and read-only exactly like an internal caller.
	h.chat.SetManagementHandler(mux)

	var handler http.Handler = mux
	handler = readOnlyMiddleware(h.settings.ReadOnly)(handler)
	handler = authMiddleware(h.resolvedAPIKey())(handler)
	handler = h.accessLogMiddleware(handler)
	handler = metricsMiddleware(httpMetrics)(handler)
	return handler
}

// resolvedAPIKey returns the effective API key; MCPO_API_KEY overrides
// the settings value for drop-in compatibility.
func (h *Handler) resolvedAPIKey() string {
	if key := config.EnvAPIKey(); key != "" {
		return key
	}
	return h.settings.Server.APIKey
}

// Server runs the main HTTP listener with graceful shutdown.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates the listener wrapper.
func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{addr: addr, handler: handler, logger: logger}
}

// Start serves until the context is cancelled, then shuts down within
// the grace window. It blocks.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http server shutdown incomplete", "error", err)
			_ = s.server.Close()
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
