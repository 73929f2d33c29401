// Command server runs the credgate authorization review API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/mbd888/credgate/internal/config"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/server"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print build info and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("credgate %s (%s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	if err := run(context.Background()); err != nil {
		slog.Error("credgate exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	slog.SetDefault(logger)
	logger.Info("starting credgate",
		"commit", Commit,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"contract", cfg.ContractAddress,
		"approvals_enabled", cfg.PrivateKey != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return srv.Run(ctx)
}
