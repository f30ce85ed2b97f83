// Command croquet-client is an interactive client for long-poll sync servers.
//
// It connects to a server given by URL, by config file, or found on the
// local network with mDNS, and offers a shell to fetch, watch and modify
// models. With -serve it instead runs an in-memory reference server and
// advertises it, which is handy for trying the client out.
//
// Usage:
//
//	croquet-client [flags]
//
// Flags:
//
//	-config string        Configuration file path (YAML)
//	-url string           Server URL (overrides config)
//	-discover             Find the server with mDNS when no URL is set
//	-server-name string   With -discover, only accept this instance
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  Write a protocol capture to this file
//	-metrics string       Serve Prometheus metrics on this address
//	-serve string         Run a reference server on this address instead
//
// Examples:
//
//	# Run a reference server and advertise it
//	croquet-client -serve :8080
//
//	# Connect to whatever server is advertised
//	croquet-client -discover
//
//	# Connect with a config file and capture the protocol
//	croquet-client -config client.yaml -protocol-log session.clog
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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/croquet-sync/croquet-go/cmd/croquet-client/interactive"
	"github.com/croquet-sync/croquet-go/pkg/client"
	"github.com/croquet-sync/croquet-go/pkg/discovery"
)

// Flags holds the command line.
type Flags struct {
	ConfigFile  string
	URL         string
	Discover    bool
	ServerName  string
	LogLevel    string
	ProtocolLog string
	MetricsAddr string
	ServeAddr   string
	Credentials string
	Account     string
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&flags.URL, "url", "", "Server URL (overrides config)")
	flag.BoolVar(&flags.Discover, "discover", false, "Find the server with mDNS when no URL is set")
	flag.StringVar(&flags.ServerName, "server-name", "", "With -discover, only accept this instance")
	flag.StringVar(&flags.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "Write a protocol capture to this file")
	flag.StringVar(&flags.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&flags.Credentials, "credentials", "", "Keep login credentials in this file")
	flag.StringVar(&flags.Account, "account", "", "With -serve, register a login as email:password")
	flag.StringVar(&flags.ServeAddr, "serve", "", "Run a reference server on this address instead")
}

func main() {
	flag.Parse()

	level, err := parseLevel(flags.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if flags.ServeAddr != "" {
		err = serve(ctx, flags.ServeAddr, flags.Account, logger)
	} else {
		err = run(ctx, cancel, level, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s (use: debug, info, warn, error)", level)
	}
}

// loadConfig merges the config file and flags.
func loadConfig(ctx context.Context, logger *slog.Logger) (client.Config, error) {
	cfg := client.DefaultConfig()
	if flags.ConfigFile != "" {
		var err error
		if cfg, err = client.LoadConfig(flags.ConfigFile); err != nil {
			return cfg, err
		}
	}
	if flags.URL != "" {
		cfg.URL = flags.URL
	}
	if flags.ProtocolLog != "" {
		cfg.ProtocolLog = flags.ProtocolLog
	}
	if flags.Credentials != "" {
		cfg.Auth.CredentialsFile = flags.Credentials
	}

	if cfg.URL == "" && flags.Discover {
		logger.Info("browsing for servers", "service", discovery.ServiceType)
		srv, err := discovery.NewBrowser(discovery.BrowserConfig{Logger: logger}).Find(ctx, flags.ServerName)
		if err != nil {
			return cfg, fmt.Errorf("discover server: %w", err)
		}
		if cfg.URL, err = srv.URL(); err != nil {
			return cfg, err
		}
		logger.Info("found server", "name", srv.Name, "url", cfg.URL)
	}
	return cfg, nil
}

func run(ctx context.Context, cancel context.CancelFunc, level slog.Level, logger *slog.Logger) error {
	cfg, err := loadConfig(ctx, logger)
	if err != nil {
		return err
	}

	shell, err := interactive.New()
	if err != nil {
		return err
	}
	// Route log output through readline so it does not garble the prompt.
	logger = slog.New(slog.NewTextHandler(shell.Stderr(), &slog.HandlerOptions{Level: level}))

	opts := []client.Option{client.WithLogger(logger)}
	if flags.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, client.WithRegisterer(reg))
		go serveMetrics(flags.MetricsAddr, reg, logger)
	}

	c, err := client.New(cfg, opts...)
	if err != nil {
		return err
	}

	// The loop outlives ctx so that Close can still reach it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go c.Run(loopCtx)
	go shell.Run(ctx, cancel, c)

	<-ctx.Done()

	closeCtx, done := context.WithTimeout(context.Background(), cfg.DisconnectTimeout+time.Second)
	defer done()
	return c.Close(closeCtx)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}
