package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MCP-Bridge/mcpbridge/internal/adapter/inbound/gateway"
	"github.com/MCP-Bridge/mcpbridge/internal/adapter/inbound/proxy"
	"github.com/MCP-Bridge/mcpbridge/internal/adapter/outbound/chatstore"
	mcpclient "github.com/MCP-Bridge/mcpbridge/internal/adapter/outbound/mcp"
	"github.com/MCP-Bridge/mcpbridge/internal/adapter/outbound/provider"
	"github.com/MCP-Bridge/mcpbridge/internal/adapter/outbound/state"
	"github.com/MCP-Bridge/mcpbridge/internal/config"
	"github.com/MCP-Bridge/mcpbridge/internal/domain/upstream"
	"github.com/MCP-Bridge/mcpbridge/internal/port/outbound"
	"github.com/MCP-Bridge/mcpbridge/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the mcp-bridge gateway.

Upstream MCP servers come from the JSON config file (Claude Desktop
mcpServers format). Each discovered tool is exposed as
POST /{server}/{tool} on the main listener, with the management API
under /_meta and chat sessions under /sessions.

Examples:
  # Start with an upstream config
  mcp-bridge start --config config.json

  # Start with a settings file and hot reload
  mcp-bridge --settings mcp-bridge.yaml start --config config.json --hot-reload`,
	RunE: runStart,
}

var (
	flagReadOnly  bool
	flagHotReload bool
)

func init() {
	startCmd.Flags().BoolVar(&flagReadOnly, "read-only", false, "Reject mutating management operations")
	startCmd.Flags().BoolVar(&flagHotReload, "hot-reload", false, "Watch the config file and reload on change")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Optional .env for provider API keys; absence is fine.
	_ = godotenv.Load()

	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	if cmd.Flags().Changed("read-only") {
		settings.ReadOnly = flagReadOnly
	}
	if cmd.Flags().Changed("hot-reload") {
		settings.HotReload = flagHotReload
	}

	statePath := stateFile
	if statePath == "" {
		statePath = os.Getenv("MCPBRIDGE_STATE_PATH")
	}
	if statePath == "" {
		statePath = defaultStatePath(configFile)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logBus := service.NewLogBus(settings.Logs.MainCapacity + settings.Logs.ProxyCapacity)
	logger, proxyLogger := buildLoggers(settings, logBus)

	if used := config.SettingsFileUsed(); used != "" {
		logger.Info("loaded settings", "file", used)
	}

	if err := run(ctx, settings, statePath, logBus, logger, proxyLogger); err != nil {
		return err
	}

	logger.Info("mcp-bridge stopped")
	return nil
}

// buildLoggers constructs the main and proxy loggers. Both write to
// stderr (plus the rotating log file when configured) and tee into the
// shared log bus under their own source.
func buildLoggers(settings *config.Settings, bus *service.LogBus) (*slog.Logger, *slog.Logger) {
	level := parseLogLevel(settings.Server.LogLevel)

	var out io.Writer = os.Stderr
	if settings.Server.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   settings.Server.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	}
	inner := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})

	main := slog.New(service.NewBusHandler(inner, bus, service.LogSourceOpenAPI))
	prox := slog.New(service.NewBusHandler(inner, bus, service.LogSourceMCP))
	return main, prox
}

// run wires all components together and blocks until shutdown.
func run(ctx context.Context, settings *config.Settings, statePath string, logBus *service.LogBus, logger, proxyLogger *slog.Logger) error {
	stateSvc := service.NewStateService(state.NewFileStore(statePath, logger), logger)

	toolCache := upstream.NewToolCache()
	dialer := mcpclient.NewDialer("mcp-bridge", Version, settings.Tools.SSEReadTimeout, logger)
	supervisor := service.NewSupervisor(dialer, toolCache, logger)
	defer func() { _ = supervisor.Close() }()

	if configFile != "" {
		cfg, err := config.LoadFile(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := supervisor.MountAll(ctx, cfg); err != nil {
			return fmt.Errorf("failed to mount upstreams: %w", err)
		}
	} else {
		logger.Warn("no upstream config given, starting with an empty fleet")
	}

	reg := prometheus.NewRegistry()
	metrics := service.NewMetricsService(reg)
	runner := service.NewRunner(supervisor, metrics, logger)

	var sessionStore outbound.ChatSessionStore
	if settings.Chat.SessionDB != "" {
		store, err := chatstore.Open(settings.Chat.SessionDB)
		if err != nil {
			return fmt.Errorf("failed to open session db: %w", err)
		}
		defer func() { _ = store.Close() }()
		sessionStore = store
	}
	sessions := service.NewSessionManager(sessionStore, logger)

	providers := provider.NewRegistry(logger)
	toolTimeout := time.Duration(settings.Tools.DefaultTimeout * float64(time.Second))
	chatSvc := service.NewChatService(sessions, supervisor, stateSvc, runner, toolCache, providers, toolTimeout, logger)

	gateway.Version = Version
	handler := gateway.NewHandler(settings, stateSvc, supervisor, runner, metrics, chatSvc, logBus, toolCache, configFile, logger)
	mainServer := gateway.NewServer(settings.Server.HTTPAddr, handler.Routes(reg), logger)

	health := supervisor.Health()
	var connected int
	for _, h := range health {
		if h.Connected {
			connected++
		}
	}
	logger.Info("mcp-bridge starting",
		"version", Version,
		"http_addr", settings.Server.HTTPAddr,
		"proxy_addr", settings.Server.ProxyAddr,
		"upstreams", len(health),
		"connected", connected,
		"tools", toolCache.Count(),
		"read_only", settings.ReadOnly,
		"hot_reload", settings.HotReload,
		"state_file", statePath,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return mainServer.Start(ctx)
	})

	if settings.Server.ProxyAddr != "" {
		proxyHandler := proxy.NewHandler(settings, stateSvc, supervisor, toolCache, proxyLogger)
		proxyServer := gateway.NewServer(settings.Server.ProxyAddr, proxyHandler.Routes(), proxyLogger)
		group.Go(func() error {
			return proxyServer.Start(ctx)
		})
		proxyLogger.Info("raw MCP proxy enabled",
			"addr", settings.Server.ProxyAddr,
			"path_prefix", settings.Server.ProxyPathPrefix,
		)
	}

	if settings.HotReload && configFile != "" {
		watcher := service.NewReloadWatcher(configFile, supervisor, logger)
		group.Go(func() error {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// defaultStatePath derives the state file location from the upstream
// config path (config.json -> config_state.json) so the pair travels
// together. Without a config it falls back to ./state.json.
func defaultStatePath(configPath string) string {
	if configPath == "" {
		return "./state.json"
	}
	return strings.TrimSuffix(configPath, filepath.Ext(configPath)) + "_state.json"
}

// parseLogLevel converts a string log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
