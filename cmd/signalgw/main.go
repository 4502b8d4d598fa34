package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signalgw/internal/bus"
	"signalgw/internal/config"
	"signalgw/internal/domain"
	"signalgw/internal/gateway"
	"signalgw/internal/metrics"
	"signalgw/internal/notify"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "signalgw",
		Short: "signalgw: Signal messaging gateway",
		Long:  "signalgw bridges an event bus to one or more signal-cli-rest-api accounts: it pushes outbound messages with attachments and maintains a websocket subscription for inbound ones.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.signalgw/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the system daemon"}
	daemon.AddCommand(installDaemonCmd())
	daemon.AddCommand(uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger rebuilds the process logger from config: level from
// general.logLevel, output to general.logFile when set.
func setupLogger(cfg *config.Config) error {
	out := os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.General.LogLevel),
	}))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := config.Defaults()
			cfg.Gateways = []config.GatewayConfig{{
				Name:             "default",
				APIURL:           "http://localhost:8080",
				Number:           "+10000000000",
				WebsocketEnabled: true,
			}}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run all configured gateways until interrupted",
		Long:  "Starts every gateway from the config file: websocket listeners for inbound messages and the notification service for outbound ones. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}
	if len(cfg.Gateways) == 0 {
		return fmt.Errorf("no gateways configured in %s", cfgPath)
	}

	// Graceful shutdown on signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.New(logger)
	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer registry.StopAll()

	// Log inbound messages so a bare daemon is still observable.
	events.On(bus.EventSignalReceived, func(e domain.Event) {
		logger.Info("signal message received", "gateway", e.Source)
	})

	if err := registry.StartAll(ctx, events); err != nil {
		return err
	}
	logger.Info("signalgw running", "version", version, "gateways", registry.Names())

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func buildRegistry(cfg *config.Config) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	for _, gwCfg := range cfg.Gateways {
		gw := gateway.New(gateway.Config{
			Gateway:     gwCfg,
			Attachments: cfg.Attachments,
			Logger:      logger,
		})
		if err := registry.Register(gw); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func serveMetrics(cfg config.MetricsConfig) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	logger.Info("metrics endpoint ready", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "err", err)
	}
}

func sendCmd() *cobra.Command {
	var (
		gatewayName string
		targets     []string
		title       string
		attachments []string
		urls        []string
		textMode    string
		insecure    bool
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a one-shot message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := setupLogger(cfg); err != nil {
				return err
			}

			gwCfg, err := findGateway(cfg, gatewayName)
			if err != nil {
				return err
			}
			gw := gateway.New(gateway.Config{
				Gateway:     *gwCfg,
				Attachments: cfg.Attachments,
				Logger:      logger,
			})

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			return gw.Notify(ctx, notify.Request{
				Message:     args[0],
				Title:       title,
				Targets:     targets,
				Attachments: attachments,
				URLs:        urls,
				InsecureSSL: insecure,
				TextMode:    textMode,
			})
		},
	}
	cmd.Flags().StringVarP(&gatewayName, "gateway", "g", "", "gateway name (default: first configured)")
	cmd.Flags().StringArrayVarP(&targets, "to", "t", nil, "recipient phone number or group ID (repeatable; default: configured recipients)")
	cmd.Flags().StringVar(&title, "title", "", "title prepended to the message")
	cmd.Flags().StringArrayVar(&attachments, "attach", nil, "local file to attach (repeatable)")
	cmd.Flags().StringArrayVar(&urls, "url", nil, "remote file to download and attach (repeatable)")
	cmd.Flags().StringVar(&textMode, "text-mode", "", "text rendering mode: normal or styled")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip TLS verification for URL downloads")
	return cmd
}

func findGateway(cfg *config.Config, name string) (*config.GatewayConfig, error) {
	if name == "" {
		if len(cfg.Gateways) == 0 {
			return nil, fmt.Errorf("no gateways configured")
		}
		return &cfg.Gateways[0], nil
	}
	for i := range cfg.Gateways {
		if cfg.Gateways[i].Name == name {
			return &cfg.Gateways[i], nil
		}
	}
	return nil, fmt.Errorf("unknown gateway: %s (configured: %s)", name, strings.Join(gatewayNames(cfg), ", "))
}

func gatewayNames(cfg *config.Config) []string {
	names := make([]string, len(cfg.Gateways))
	for i, gw := range cfg.Gateways {
		names[i] = gw.Name
	}
	return names
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every configured gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return err
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			for _, gwCfg := range cfg.Gateways {
				gw := gateway.New(gateway.Config{
					Gateway:     gwCfg,
					Attachments: cfg.Attachments,
					Logger:      logger,
				})
				info, err := gw.Client().About(ctx)
				if err != nil {
					logger.Info("gateway", "name", gwCfg.Name, "api_url", gwCfg.APIURL, "reachable", false, "err", err)
					continue
				}
				logger.Info("gateway",
					"name", gwCfg.Name,
					"api_url", gwCfg.APIURL,
					"reachable", true,
					"api_version", info.Version,
					"mode", info.Mode,
				)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.logLevel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.logLevel debug)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
