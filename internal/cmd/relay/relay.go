// Package relay parses relay command flags and composes the service entrypoint.
package relay

import (
	"context"
	"flag"
	"fmt"
	"log"

	entrypoint "github.com/louisbranch/chatrelay/internal/platform/cmd"
	server "github.com/louisbranch/chatrelay/internal/services/relay/app"
	"github.com/louisbranch/chatrelay/internal/services/relay/storage/sqlite"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr     string `env:"CHATRELAY_HTTP_ADDR"     envDefault:":6088"`
	StoragePath  string `env:"CHATRELAY_STORAGE_PATH"  envDefault:"relay.db"`
	HistoryLimit int    `env:"CHATRELAY_HISTORY_LIMIT" envDefault:"50"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "SQLite message store path")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "messages replayed to a joining session")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the message store and serves the relay until the context ends.
//
// An unreachable store at startup is fatal: the process never begins
// accepting sessions without durability.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		store, err := sqlite.Open(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("open message store: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Printf("relay: close message store: %v", err)
			}
		}()

		if err := server.Run(ctx, server.Config{
			HTTPAddr:     cfg.HTTPAddr,
			HistoryLimit: cfg.HistoryLimit,
		}, store); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
