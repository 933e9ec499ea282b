// Package messaging parses messaging command flags and composes transport entrypoints.
package messaging

import (
	"context"
	"flag"
	"fmt"

	server "github.com/meetgrid/messaging/internal/app"
	entrypoint "github.com/meetgrid/messaging/internal/platform/cmd"
)

// Config holds messaging command configuration.
type Config struct {
	HTTPAddr       string `env:"MEETGRID_MSG_HTTP_ADDR"        envDefault:":8090"`
	GRPCHealthAddr string `env:"MEETGRID_MSG_GRPC_HEALTH_ADDR" envDefault:":8091"`
	DBPath         string `env:"MEETGRID_MSG_DB_PATH"          envDefault:"messaging.db"`
	TokenSecret    string `env:"MEETGRID_MSG_TOKEN_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "messaging HTTP listen address")
	fs.StringVar(&cfg.GRPCHealthAddr, "grpc-health-addr", cfg.GRPCHealthAddr, "gRPC health listen address, empty disables the probe listener")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "shared HMAC secret for access token verification")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the messaging app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceMessaging, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:       cfg.HTTPAddr,
			GRPCHealthAddr: cfg.GRPCHealthAddr,
			DBPath:         cfg.DBPath,
			TokenSecret:    cfg.TokenSecret,
		}); err != nil {
			return fmt.Errorf("serve messaging: %w", err)
		}
		return nil
	})
}
