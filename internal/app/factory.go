package app

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"go-worker-bridge/internal/apps"
	"go-worker-bridge/internal/config"
	"go-worker-bridge/internal/packages"
	"go-worker-bridge/internal/render"
	"go-worker-bridge/internal/runtime"
)

// Factory builds one bridge per session from a shared configuration. The
// resolver, HTTP client and renderer are shared; every bridge gets its own
// runtime and document.
type Factory struct {
	plan     StartupPlan
	client   *http.Client
	resolver *packages.Resolver
	renderer *render.Renderer
}

// NewFactory resolves the application named by cfg and prepares the startup
// plan.
func NewFactory(cfg config.Config) (*Factory, error) {
	appCfg, err := apps.Load(cfg.App.Name, cfg.App.Script, cfg.App.Title, cfg.App.Location)
	if err != nil {
		return nil, err
	}
	return NewFactoryWithApp(cfg, appCfg), nil
}

// NewFactoryWithApp is NewFactory for an application that is already loaded,
// such as an editor buffer. cfg.App is ignored.
func NewFactoryWithApp(cfg config.Config, appCfg runtime.AppConfig) *Factory {
	client := &http.Client{Timeout: cfg.HTTP.Timeout}
	return &Factory{
		plan: StartupPlan{
			Dependencies: packages.ParseAll(cfg.Dependencies),
			App:          appCfg,
		},
		client: client,
		resolver: packages.NewResolver(
			packages.WithBuiltins(runtime.Builtins...),
			packages.WithPackageDir(cfg.PackageDir),
			packages.WithHTTPClient(client),
		),
		renderer: render.NewRenderer(),
	}
}

func (f *Factory) Plan() StartupPlan {
	return f.plan
}

// Renderer is shared with the host page server.
func (f *Factory) Renderer() *render.Renderer {
	return f.renderer
}

// NewBridge creates a fresh runtime and a bridge that reports to out.
func (f *Factory) NewBridge(sessionID string, out Emitter) *Bridge {
	logger := log.With().Str("session_id", sessionID).Logger()
	rt := runtime.New(
		runtime.WithResolver(f.resolver),
		runtime.WithHTTPClient(f.client),
		runtime.WithRenderer(f.renderer),
		runtime.WithLogger(logger.With().Str("component", "runtime").Logger()),
	)
	return NewBridge(rt, out, f.plan, WithLogger(logger.With().Str("component", "bridge").Logger()))
}
