// Command lambdod is the control-plane daemon entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oriys/lambdo/internal/config"
	"github.com/oriys/lambdo/internal/fleet"
	"github.com/oriys/lambdo/internal/httpapi"
	"github.com/oriys/lambdo/internal/logging"
	"github.com/oriys/lambdo/internal/metrics"
	"github.com/oriys/lambdo/internal/netprov"
	"github.com/oriys/lambdo/internal/protocol"
	"github.com/oriys/lambdo/internal/rpcserver"
	"github.com/oriys/lambdo/internal/scheduler"
	"github.com/oriys/lambdo/internal/vmm"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
	vmmBinary  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lambdod",
		Short: "lambdo control plane daemon",
		Long:  "Boots and dispatches warm-pooled microVMs for serverless code execution.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/lambdo/config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&vmmBinary, "vmm-binary", "firecracker", "Path to the VMM binary")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logging.SetLevelFromString(logLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metrics.Init("lambdo")

	registry := fleet.NewRegistry()
	provisioner := &netprov.Provisioner{}
	driver := &vmm.Driver{Binary: vmmBinary}
	sched := scheduler.New(cfg, registry, provisioner, driver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	rpc := rpcserver.New(registry)
	if err := rpc.Start(cfg.GRPCListen); err != nil {
		return fmt.Errorf("start rpcserver: %w", err)
	}
	defer rpc.Stop()

	mux := http.NewServeMux()
	handler := &httpapi.Handler{
		Config:   cfg,
		Registry: registry,
		RunCode: func(ctx context.Context, languageKey string, req protocol.ExecuteRequest) (protocol.ExecuteResponse, error) {
			return sched.RunCode(ctx, languageKey, req)
		},
	}
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", metrics.Global().Handler())

	server := &http.Server{Addr: cfg.HTTPListen, Handler: mux}
	go func() {
		logging.Op().Info("http listening", "addr", cfg.HTTPListen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Op().Info("shutting down")
	_ = server.Shutdown(context.Background())
	return nil
}
