// Command odin-sync-server starts the multi-tenant synchronization
// server: it loads configuration from the environment, wires up
// structured logging, and runs the HTTP/WS transport until a
// termination signal arrives.
//
// Grounded on adred-codev-ws_poc/go-server/cmd/main.go's entrypoint
// shape, replacing its embedded-JSON-plus-os.ExpandEnv config loading
// with the env.Parse-based config.Load used throughout this module.
package main

import (
	"os"

	"odin-sync-server/internal/config"
	"odin-sync-server/internal/logging"
	"odin-sync-server/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
