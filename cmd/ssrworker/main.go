// Command ssrworker is the SSR worker process. It serves the framed worker
// protocol on stdin and stdout and logs to stderr; ssrdev starts it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-ssr/config"
	"go-ssr/devpipeline"
	"go-ssr/loader"
	"go-ssr/transport"
	"go-ssr/worker"
)

const drainTimeout = 10 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ssrworker",
		Short: "Serve SSR render requests over stdin/stdout",
		Long: `ssrworker compiles and renders server modules on request.

It reads length-prefixed JSON frames on stdin and answers on stdout, so
it is normally started by ssrdev rather than by hand. Logs go to stderr.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (default $SSRDEV_CONFIG or ./ssrdev.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ssrworker: %s\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	log.SetOutput(os.Stderr)
	log.SetPrefix(fmt.Sprintf("[ssrworker %d] ", os.Getpid()))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	w := worker.New(cfg.Worker, worker.Pipelines{
		Renderer:  devpipeline.ModuleRenderer{ReloadPath: cfg.Dev.ReloadPath},
		SSRConfig: devpipeline.PageConfigResolver{},
	}, loader.NewEsbuild)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ch := transport.NewFramed(os.Stdin, os.Stdout)
	defer ch.Close()

	err = w.Serve(ctx, ch)

	// Answered requests may still be streaming their bodies.
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := ch.Drain(drainCtx); derr != nil {
		log.Printf("[worker] response bodies still streaming at exit: %v", derr)
	}

	if errors.Is(err, context.Canceled) {
		log.Println("[worker] shutting down on signal")
		return nil
	}
	return err
}
