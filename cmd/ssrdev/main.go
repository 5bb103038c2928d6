// Command ssrdev is the development server. It supervises an ssrworker
// child, serves static files, asks the worker which paths are
// server-rendered and streams the renders, and pushes reload events to
// browsers over a websocket.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"go-ssr/config"
	"go-ssr/host"
)

func main() {
	var (
		configPath string
		addr       string
	)

	rootCmd := &cobra.Command{
		Use:   "ssrdev",
		Short: "Development server for server-rendered modules",
		Long: `ssrdev starts an ssrworker process, routes HTTP requests to it and
streams the rendered HTML back. Source changes reach open pages through
the reload websocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, addr)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default $SSRDEV_CONFIG or ./ssrdev.yaml)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides dev.addr)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ssrdev: %s\n", err)
		os.Exit(1)
	}
}

// getProjectRoot returns the directory holding ssrdev.yaml, searching up
// from the working directory, or the working directory itself.
func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "ssrdev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}

func run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Dev.Addr = addr
	}

	root := cfg.Worker.Root
	if root == "" {
		root = getProjectRoot()
	}
	if root, err = filepath.Abs(root); err != nil {
		return err
	}

	// The worker runs in root, so it gets absolute paths.
	args := append([]string(nil), cfg.Dev.WorkerArgs...)
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		args = append(args, "--config", abs)
	}

	proc, err := host.StartProcess(host.ProcessConfig{
		Binary: cfg.Dev.WorkerBinary,
		Args:   args,
		Dir:    root,
		Env:    []string{"SSRDEV_ROOT=" + root},
	})
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer proc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := host.NewReloadHub(cfg.Dev.ReloadJWTSecret)
	go hub.Forward(ctx, proc.Events())

	srv := &devServer{cfg: cfg, root: root, workers: proc}

	mux := http.NewServeMux()
	if cfg.Dev.ReloadPath != "" {
		mux.Handle(cfg.Dev.ReloadPath, hub)
	}
	if cfg.Dev.MetricsPath != "" {
		mux.Handle(cfg.Dev.MetricsPath, promhttp.Handler())
	}
	mux.HandleFunc("/__ssr/health", srv.handleHealth)
	mux.HandleFunc("/__ssr/restart", srv.handleRestart)
	mux.Handle("/", withRenderLog(http.HandlerFunc(srv.handleSSR)))

	httpSrv := &http.Server{
		Addr:              cfg.Dev.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Println("[shutdown] signal received, shutting down HTTP server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[shutdown] http server shutdown error: %v", err)
		} else {
			log.Println("[shutdown] http server shut down cleanly")
		}
	}()

	log.Println("=============================================")
	log.Printf(" ssrdev listening on %s", cfg.Dev.Addr)
	log.Println("=============================================")
	log.Printf(" Root: %s", root)
	log.Printf(" Worker: %s", cfg.Dev.WorkerBinary)
	log.Printf(" Sources: %s (entries %s)", filepath.Join(root, cfg.Worker.SrcDir), cfg.Worker.EntriesFile)
	log.Printf(" Timeout: %s", cfg.Dev.RequestTimeout)
	log.Printf(" Reload: %s", cfg.Dev.ReloadPath)
	log.Println(" Static rules:")
	for _, rule := range cfg.Dev.Static {
		log.Printf("   %s → %s", rule.Prefix, filepath.Join(root, rule.Dir))
	}
	log.Println("=============================================")

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}
