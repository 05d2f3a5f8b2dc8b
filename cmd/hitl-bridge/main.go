// ABOUTME: Entry point for the hitl-bridge service
// ABOUTME: Wires store, provider clients, lifecycle, and the webhook server

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/hitl-bridge/internal/bridge"
	"github.com/2389/hitl-bridge/internal/channel"
	"github.com/2389/hitl-bridge/internal/config"
	"github.com/2389/hitl-bridge/internal/dedupe"
	"github.com/2389/hitl-bridge/internal/events"
	"github.com/2389/hitl-bridge/internal/hitl"
	"github.com/2389/hitl-bridge/internal/lifecycle"
	"github.com/2389/hitl-bridge/internal/provider"
	"github.com/2389/hitl-bridge/internal/replay"
	"github.com/2389/hitl-bridge/internal/router"
	"github.com/2389/hitl-bridge/internal/store"
	"github.com/2389/hitl-bridge/internal/watermark"
	"github.com/2389/hitl-bridge/internal/wire"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _     _ _   _       _          _     _
 | |__ (_) |_| |     | |__  _ __(_) __| | __ _  ___
 | '_ \| | __| |_____| '_ \| '__| |/ _' |/ _' |/ _ \
 | | | | | |_| |_____| |_) | |  | | (_| | (_| |  __/
 |_| |_|_|\__|_|     |_.__/|_|  |_|\__,_|\__, |\___|
                                         |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: HITL_BRIDGE_CONFIG env var > XDG_CONFIG_HOME/hitl-bridge/bridge.yaml > ~/.config/hitl-bridge/bridge.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HITL_BRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "hitl-bridge", "bridge.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hitl-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the bridge server")
		fmt.Println("  health    Check bridge health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Webhook:  %s\n", cfg.Server.WebhookURL)
	fmt.Println()

	logger.Info("starting hitl-bridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	validator := bridge.NewAccessValidator(cfg.Validation.EndpointURL, cfg.Validation.Secret, cfg.Validation.BotID, logger)
	if err := validator.Validate(ctx); err != nil {
		return fmt.Errorf("validating access: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	providerCfg := provider.Config{
		Endpoint:       cfg.Provider.Endpoint,
		OrganizationID: cfg.Provider.OrganizationID,
		DeveloperName:  cfg.Provider.DeveloperName,
	}

	marks := watermark.New(st, logger)
	emitter := events.New(st, logger)
	manager := provider.NewManager(providerCfg, st, logger)
	translator := provider.NewTranslator(cfg.Translator.URL, cfg.Translator.Secret, logger)

	machine := lifecycle.New(st, lifecycleSessions{manager}, translator, marks, emitter, lifecycle.Config{
		TransferMessage:           cfg.Messages.Transfer,
		KeepAliveOnInactive:       cfg.Behavior.KeepAliveOnInactive,
		CloseOnRoutingStatusError: cfg.Behavior.OnRoutingStatusError == config.RoutingErrorClose,
	}, logger)

	rt := router.New(machine, logger)
	reconciler := replay.New(manager, rt, marks, logger)

	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer cache.Close()

	br := bridge.New(st, wire.NewParser(logger), rt, machine, reconciler, cache, logger)

	sender := channel.New(st, channelSessions{manager}, machine, channel.Config{
		NotAssignedMessage: cfg.Messages.NotAssigned,
	}, logger)

	actions := hitl.New(st, translator, machine, emitter, nil, hitl.Config{
		Provider:   providerCfg,
		WebhookURL: cfg.Server.WebhookURL,
	}, logger)

	api := bridge.NewAPI(actions, sender, st, emitter, logger)
	srv := bridge.NewServer(br, api, cfg.Server.HTTPAddr, logger)
	return srv.Run(ctx)
}

// lifecycleSessions narrows the provider manager to the lifecycle's view.
type lifecycleSessions struct {
	manager *provider.Manager
}

func (s lifecycleSessions) ForConversation(ctx context.Context, conv *store.Conversation) (lifecycle.ProviderSession, error) {
	return s.manager.ForConversation(ctx, conv)
}

// channelSessions narrows the provider manager to the channel's view.
type channelSessions struct {
	manager *provider.Manager
}

func (s channelSessions) ForConversation(ctx context.Context, conv *store.Conversation) (channel.Session, error) {
	return s.manager.ForConversation(ctx, conv)
}

func runHealth(ctx context.Context) error {
	addr := os.Getenv("HITL_BRIDGE_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge unhealthy: status %d", resp.StatusCode)
	}

	var status map[string]string
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&status); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}
	fmt.Printf("Bridge healthy: %s\n", status["status"])
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
