package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NamanBalaji/blobxfer/internal/api"
	"github.com/NamanBalaji/blobxfer/internal/errors"
	"github.com/NamanBalaji/blobxfer/internal/logger"
	"github.com/NamanBalaji/blobxfer/internal/node"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func serve(ctx context.Context, flags *globalFlags) error {
	cfg, err := flags.loadConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}

	if err := logger.InitLogging(flags.debug, cfg.LogPath()); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	n, err := node.New(cfg)
	if err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		n.Shutdown()
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(n)
	served := make(chan error, 1)

	go func() {
		served <- srv.ListenAndServe(cfg.RPC.Addr())
	}()

	addr := n.Addresses()
	fmt.Printf("node %s listening on %s:%d, control API on %s\n", n.ID(), addr.Host, addr.Port, cfg.RPC.Addr())

	var runErr error

	select {
	case <-ctx.Done():
		logger.Infof("Interrupted, shutting down")
	case runErr = <-served:
		if runErr != nil {
			logger.Errorf("Control API stopped: %v", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Error shutting down control API: %v", err)
	}

	if err := n.Shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}

	logger.Infof("Shutdown complete.")

	return runErr
}
