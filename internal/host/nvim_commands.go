package host

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/neovim/go-client/nvim"
	"github.com/neovim/go-client/nvim/plugin"
	"github.com/rs/zerolog/log"

	"go-worker-bridge/internal/app"
	"go-worker-bridge/internal/config"
	"go-worker-bridge/internal/runtime"
	httpserver "go-worker-bridge/internal/transport/http"
)

// Commands is a state container for Neovim command handlers. It serves the
// current buffer as a dashboard application and echoes worker statuses.
type Commands struct {
	cfg config.Config

	mu     sync.Mutex
	server *httpserver.WorkerServer
	nv     *nvim.Nvim
}

func NewCommands(cfg config.Config) *Commands {
	return &Commands{cfg: cfg}
}

// Register registers Neovim command/function handlers.
func Register(p *plugin.Plugin) error {
	commands := NewCommands(config.Default())

	p.Handle("poll", func() (string, error) {
		return "ok", nil
	})

	p.HandleCommand(&plugin.CommandOptions{
		Name: "WorkerBridgeStart",
	}, commands.WorkerBridgeStart)

	p.HandleCommand(&plugin.CommandOptions{
		Name: "WorkerBridgeStop",
	}, commands.WorkerBridgeStop)

	return nil
}

// WorkerBridgeStart (re)starts the server with the current buffer as the
// application script. Open pages must reload to pick up a new buffer.
func (c *Commands) WorkerBridgeStart(v *nvim.Nvim) error {
	appCfg, err := bufferApp(v)
	if err != nil {
		return err
	}

	factory := app.NewFactoryWithApp(c.cfg, appCfg)
	shell := factory.Renderer().RenderShell(appCfg.Title)
	server := httpserver.NewWorkerServer(c.cfg.Addr, shell, func(id string, out app.Emitter) (httpserver.Session, error) {
		return factory.NewBridge(id, out), nil
	})
	server.OnStatus = c.echoStatus

	c.mu.Lock()
	prev := c.server
	c.server = server
	c.nv = v
	c.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	server.Start()
	return v.Command(fmt.Sprintf(`echom "[worker-bridge] serving %s at %s"`, escapeEcho(appCfg.Name), server.URL()))
}

func (c *Commands) WorkerBridgeStop(v *nvim.Nvim) error {
	c.mu.Lock()
	server := c.server
	c.server = nil
	c.mu.Unlock()

	if server == nil {
		return nil
	}
	server.Stop()
	return v.Command(`echom "[worker-bridge] stopped"`)
}

func (c *Commands) echoStatus(sessionID, msg string) {
	c.mu.Lock()
	v := c.nv
	c.mu.Unlock()
	if v == nil {
		return
	}
	if err := v.Command(fmt.Sprintf(`echom "[worker-bridge] %s"`, escapeEcho(msg))); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("echo status")
	}
}

func bufferApp(v *nvim.Nvim) (runtime.AppConfig, error) {
	buf, err := v.CurrentBuffer()
	if err != nil {
		return runtime.AppConfig{}, err
	}
	lines, err := v.BufferLines(buf, 0, -1, true)
	if err != nil {
		return runtime.AppConfig{}, err
	}
	path, err := v.BufferName(buf)
	if err != nil {
		return runtime.AppConfig{}, err
	}

	name := filepath.Base(path)
	if path == "" {
		name = "buffer.js"
	}
	return runtime.AppConfig{
		Name:     name,
		Title:    name,
		Source:   string(bytes.Join(lines, []byte("\n"))),
		Location: true,
	}, nil
}

func escapeEcho(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return strings.ReplaceAll(s, "\n", " ")
}
