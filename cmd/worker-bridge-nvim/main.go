package main

import (
	"os"

	"github.com/neovim/go-client/nvim/plugin"
	"github.com/rs/zerolog/log"

	"go-worker-bridge/internal/config"
	"go-worker-bridge/internal/host"
)

// Neovim speaks msgpack-rpc over stdout, so logs go to stderr as JSON.
func main() {
	_ = config.SetupLogging(config.LogConfig{Level: "info", Format: "json"}, os.Stderr)
	plugin.Main(func(p *plugin.Plugin) error {
		log.Info().Str("component", "nvim").Msg("registering handlers")
		return host.Register(p)
	})
}
