// Package session parses session command flags and composes transport
// entrypoints.
package session

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/Klutzleo/TBA-App-sub000/internal/platform/cmd"
	server "github.com/Klutzleo/TBA-App-sub000/internal/services/session/app"
)

// Config holds session command configuration.
type Config struct {
	HTTPAddr    string `env:"TBA_SESSION_HTTP_ADDR" envDefault:":8090"`
	DBPath      string `env:"TBA_SESSION_DB_PATH"   envDefault:"session.db"`
	TokenSecret string `env:"TBA_SESSION_TOKEN_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "session HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "session SQLite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "websocket token secret (empty disables auth)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the session app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSession, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			DBPath:      cfg.DBPath,
			TokenSecret: cfg.TokenSecret,
		}); err != nil {
			return fmt.Errorf("serve session: %w", err)
		}
		return nil
	})
}
