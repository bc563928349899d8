package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qwenbridge/qwenbridge/internal/config"
	"github.com/qwenbridge/qwenbridge/internal/identity"
	"github.com/qwenbridge/qwenbridge/internal/logging"
	"github.com/qwenbridge/qwenbridge/internal/proxy"
	"github.com/qwenbridge/qwenbridge/internal/qwen"
	"github.com/qwenbridge/qwenbridge/internal/scheduler"
	"github.com/qwenbridge/qwenbridge/internal/server"
	"github.com/qwenbridge/qwenbridge/internal/translator"
)

var (
	configPath string
	envFile    string
	listenAddr string
)

// For testing
var osExit = os.Exit

func main() {
	root := &cobra.Command{
		Use:   "qwenbridge",
		Short: "OpenAI-compatible proxy for the Qwen web-chat upstream",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "path to .env file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		Run:   runServe,
	}
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")

	root.AddCommand(serveCmd)
	root.AddCommand(newSetupCmd())
	root.AddCommand(newChatCmd())
	// Bare invocation serves, matching the container entrypoint.
	root.Run = runServe

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		osExit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) {
	// Missing .env is fine; environment variables still apply.
	_ = godotenv.Load(envFile)

	cfg, err := config.New(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		osExit(1)
		return
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		osExit(1)
		return
	}
	defer logging.Sync(logger)

	client := qwen.NewClient(cfg.UpstreamBaseURL, logger.Named("qwen"))
	pool := identity.NewPool(client, logger.Named("pool"))
	pool.Initialize(context.Background(), cfg.AllCredentials())

	tr := translator.NewRequest(client, cfg.VisionFallbackModel, cfg.DisableVisionFallback, logger.Named("translator"))
	orch := proxy.New(pool, client, tr, logger.Named("proxy"))
	srv := server.New(cfg, pool, client, orch, logger.Named("server"))

	sched := scheduler.New(pool, client, cfg.RefreshInterval, cfg.CleanupInterval, logger.Named("scheduler"))
	sched.Start()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	sched.Stop()
}
