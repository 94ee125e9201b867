package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/izzoa/ccproxy/internal/config"
	"github.com/izzoa/ccproxy/internal/proxy"
	"github.com/izzoa/ccproxy/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: ccproxy <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: serve, info")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	case "info":
		os.Exit(cmdInfo())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: serve, info")
		os.Exit(1)
	}
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg := config.DefaultFromEnv()

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Listen port")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	fs.StringVar(&cfg.AccessToken, "access-token", cfg.AccessToken, "Require this bearer token on /v1 routes")
	fs.StringVar(&cfg.ProviderFile, "config", cfg.ProviderFile, "Provider YAML file")
	fs.StringVar(&cfg.TelemetryFile, "telemetry-file", cfg.TelemetryFile, "Append finalized request records to this JSONL file")
	fs.Parse(os.Args[2:])

	setupLogging(cfg)

	provider, err := loadProvider(cfg)
	if err != nil {
		slog.Error("failed to load provider", "error", err)
		return 1
	}

	var sink telemetry.Sink = telemetry.LogSink{}
	if cfg.TelemetryFile != "" {
		fileSink, err := telemetry.NewFileSink(cfg.TelemetryFile)
		if err != nil {
			slog.Error("failed to open telemetry file", "path", cfg.TelemetryFile, "error", err)
			return 1
		}
		sink = fileSink
	}
	defer sink.Close()

	srv, err := proxy.New(cfg, provider, sink)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("ccproxy starting",
		"host", cfg.Host,
		"port", cfg.Port,
		"provider", provider.Name,
		"backend", provider.Backend,
	)
	if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

func cmdInfo() int {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	cfg := config.DefaultFromEnv()
	fs.StringVar(&cfg.ProviderFile, "config", cfg.ProviderFile, "Provider YAML file")
	fs.Parse(os.Args[2:])

	provider, err := loadProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load provider: %v\n", err)
		return 1
	}

	fmt.Println("Provider")
	fmt.Printf("  • Name: %s\n", provider.Name)
	fmt.Printf("  • Backend: %s\n", provider.Backend)
	fmt.Printf("  • Base URL: %s\n", provider.BaseURL)
	fmt.Printf("  • Injection: %s\n", provider.Injection.Mode)
	fmt.Printf("  • Param policy: %s\n", provider.ParamPolicy)
	fmt.Printf("  • Force stream: %v\n", provider.ForceStream)
	fmt.Printf("  • Pool slots: %d\n", provider.Pool.MaxConcurrent)
	if len(provider.ModelAliases) > 0 {
		fmt.Println("  • Models:")
		for _, alias := range provider.ModelAliases {
			fmt.Printf("      - %s\n", alias)
		}
	}
	if key := provider.APIKey(); key == "" {
		fmt.Printf("  • Credentials: not set (%s)\n", provider.APIKeyEnv)
	} else {
		fmt.Println("  • Credentials: configured")
	}
	return 0
}

func loadProvider(cfg *config.ServerConfig) (*config.Provider, error) {
	if cfg.ProviderFile == "" {
		return nil, fmt.Errorf("no provider file configured; set CCPROXY_CONFIG or pass -config")
	}
	return config.LoadProvider(cfg.ProviderFile)
}

func setupLogging(cfg *config.ServerConfig) {
	level := slog.LevelInfo
	if cfg.Debug || cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
