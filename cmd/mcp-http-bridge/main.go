package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcp-http-bridge/internal/bridge"
	"github.com/gaspardpetit/mcp-http-bridge/internal/config"
	"github.com/gaspardpetit/mcp-http-bridge/internal/logx"
	"github.com/gaspardpetit/mcp-http-bridge/internal/metrics"
	"github.com/gaspardpetit/mcp-http-bridge/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--" {
			break
		}
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "mcp-http-bridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		_, _ = fmt.Fprintf(out, "usage: mcp-http-bridge [flags] [-- command args...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("mcp-http-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	cfg.ApplyArgs(flag.Args())

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	os.Exit(run(cfg))
}

func run(cfg config.BridgeConfig) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	br := bridge.New(cfg)
	if err := br.Start(ctx); err != nil {
		logx.Log.Error().Err(err).Msg("start bridge")
		return 1
	}

	handler := server.New(cfg, br)
	metrics.SetBuildInfo(version, buildSHA, buildDate)
	srv := &http.Server{Addr: cfg.ListenAddr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	srv.RegisterOnShutdown(handler.CloseStreams)
	var metricsSrv *http.Server
	if !cfg.SharedMetrics() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	errCh := make(chan error, 2)
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	go func() {
		logx.Log.Info().Str("addr", cfg.ListenAddr()).Str("command", cfg.Command).Str("correlation", cfg.Correlation).Msg("bridge starting")
		logx.Log.Info().Str("url", fmt.Sprintf("http://localhost:%d/health", cfg.Port)).Msg("health check")
		logx.Log.Info().Str("url", fmt.Sprintf("http://localhost:%d/message", cfg.Port)).Msg("mcp endpoint")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	code := 0
	select {
	case <-ctx.Done():
		logx.Log.Info().Msg("shutting down")
	case err := <-errCh:
		logx.Log.Error().Err(err).Msg("listener failed")
		code = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.Log.Error().Err(err).Msg("server shutdown")
		_ = srv.Close()
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("metrics server shutdown")
		}
	}

	// The child gets its own grace period on top of the HTTP drain.
	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.StopTimeout+2*time.Second)
	defer cancelStop()
	if err := br.Stop(stopCtx); err != nil {
		logx.Log.Error().Err(err).Msg("stop child")
		code = 1
	}
	logx.Log.Info().Msg("bridge stopped")
	return code
}
