// Command archivectl inspects the poller's SQLite archive.
//
// Commands:
//
//	archivectl summary   [--camera-id ID] [--json]
//	archivectl hourly    [--camera-id ID] [--limit N] [--json]
//	archivectl incidents [--camera-id ID] [--limit N] [--json]
//	archivectl watch     [--camera-id ID] [--limit N] [--interval 60s]
//
// The archive path comes from --db-path, then DB_PATH (a .env file in the
// working directory is honored), then data/highwayvlm.db.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error: load .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
