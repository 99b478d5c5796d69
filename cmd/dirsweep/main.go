// dirsweep removes directory entries left behind by a gateway instance that
// exited without cleaning up, along with any expired entries.
// Usage: go run ./cmd/dirsweep --config configs/gateway.local.yaml --instance gw-2
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/rickgao/wsgate/internal/cluster"
	"github.com/rickgao/wsgate/internal/config"
)

func main() {
	configPath := flag.String("config", "configs/gateway.local.yaml", "path to config file")
	instance := flag.String("instance", "", "instance whose entries to remove (required)")
	timeout := flag.Duration("timeout", time.Minute, "overall timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if *instance == "" {
		fmt.Fprintln(os.Stderr, "dirsweep: --instance is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := cluster.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open backend", "kind", cfg.Backend.Kind, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	removed, err := backend.Sweeper.Sweep(ctx, *instance)
	if err != nil {
		logger.Error("sweep failed", "instance", *instance, "removed", removed, "error", err)
		os.Exit(1)
	}

	fmt.Printf("removed %d directory entries for instance %s\n", removed, *instance)
}
