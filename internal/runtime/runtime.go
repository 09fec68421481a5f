// Package runtime owns the embedded script VM that builds and updates the
// dashboard document.
package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go-worker-bridge/internal/contracts"
	"go-worker-bridge/internal/document"
	"go-worker-bridge/internal/packages"
	"go-worker-bridge/internal/render"
)

const (
	// ModuleDashboard is the native dashboard framework module.
	ModuleDashboard = "dashboard"
	// ModuleRequests is the native HTTP client module.
	ModuleRequests = "requests"
)

// Builtins lists the native modules the runtime can install.
var Builtins = []string{ModuleDashboard, ModuleRequests}

// AppConfig describes the application script handed to Execute.
type AppConfig struct {
	// Name identifies the script in stack traces.
	Name string
	// Title is the initial document title.
	Title string
	// Source is the script body.
	Source string
	// Location attaches a location model to the document.
	Location bool
}

// Snapshot is the document state produced by a successful Execute.
type Snapshot struct {
	DocsJSON    map[string]contracts.DocJSON
	RenderItems []contracts.RenderItem
	RootIDs     []string
}

// PatchSink receives outgoing document patches.
type PatchSink func(patch json.RawMessage, buffers [][]byte)

// Runtime is a single goja VM plus the document it builds. It is not safe for
// parallel script execution; every entry point takes the VM lock.
type Runtime struct {
	mu sync.Mutex

	vm       *goja.Runtime
	registry *require.Registry
	doc      *document.Document
	resolver *packages.Resolver
	renderer *render.Renderer
	client   *http.Client
	logger   zerolog.Logger

	installed map[string]*packages.Package
	// callCtx is the context of the call currently holding the VM.
	callCtx context.Context

	extensionDefaults map[string]any
}

type Option func(*Runtime)

func WithResolver(r *packages.Resolver) Option {
	return func(rt *Runtime) {
		if r != nil {
			rt.resolver = r
		}
	}
}

// WithHTTPClient sets the client used by the requests module.
func WithHTTPClient(c *http.Client) Option {
	return func(rt *Runtime) {
		if c != nil {
			rt.client = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = l
	}
}

func WithRenderer(r *render.Renderer) Option {
	return func(rt *Runtime) {
		if r != nil {
			rt.renderer = r
		}
	}
}

func New(opts ...Option) *Runtime {
	rt := &Runtime{
		vm:                goja.New(),
		doc:               document.New(uuid.NewString()),
		client:            &http.Client{Timeout: 30 * time.Second},
		logger:            log.With().Str("component", "runtime").Logger(),
		installed:         map[string]*packages.Package{},
		callCtx:           context.Background(),
		extensionDefaults: map[string]any{},
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.resolver == nil {
		rt.resolver = packages.NewResolver(packages.WithBuiltins(Builtins...))
	}
	if rt.renderer == nil {
		rt.renderer = render.NewRenderer()
	}

	rt.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	// Only installed modules resolve; nothing is read from disk.
	rt.registry = require.NewRegistry(require.WithLoader(func(string) ([]byte, error) {
		return nil, require.ModuleFileDoesNotExistError
	}))
	rt.registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(&consolePrinter{logger: rt.logger.With().Str("component", "script").Logger()}))
	rt.registry.Enable(rt.vm)
	console.Enable(rt.vm)
	return rt
}

// Document exposes the live document, mainly for tests and transports.
func (r *Runtime) Document() *document.Document {
	return r.doc
}

// Install resolves a dependency and makes it require-able. Modules are
// loaded lazily on first require.
func (r *Runtime) Install(ctx context.Context, dep packages.Dependency) error {
	pkg, err := r.resolver.Resolve(ctx, dep)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.installed[pkg.Module]; ok {
		r.logger.Debug().Str("dependency", pkg.Module).Str("origin", prev.Origin).Msg("already installed")
		return nil
	}

	switch {
	case pkg.Builtin && pkg.Module == ModuleDashboard:
		r.registry.RegisterNativeModule(ModuleDashboard, r.loadDashboard)
	case pkg.Builtin && pkg.Module == ModuleRequests:
		r.registry.RegisterNativeModule(ModuleRequests, r.loadRequests)
	case pkg.Builtin:
		return errors.Errorf("runtime: no native module %q", pkg.Module)
	default:
		prog, err := compileModule(pkg)
		if err != nil {
			return err
		}
		r.registry.RegisterNativeModule(pkg.Module, sourceModuleLoader(prog))
	}
	r.installed[pkg.Module] = pkg
	r.logger.Info().Str("dependency", pkg.Module).Str("origin", pkg.Origin).Msg("installed")
	return nil
}

// Installed reports whether a module has been installed.
func (r *Runtime) Installed(module string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.installed[module]
	return ok
}

// Execute runs the application script and returns the resulting snapshot.
func (r *Runtime) Execute(ctx context.Context, app AppConfig) (*Snapshot, error) {
	name := app.Name
	if strings.TrimSpace(name) == "" {
		name = "app.js"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.doc.SetTitle(app.Title)
	if app.Location {
		r.doc.EnableLocation()
	}

	err := r.withContext(ctx, func() error {
		v, err := r.vm.RunScript(name, app.Source)
		if err != nil {
			return err
		}
		return settle(v)
	})
	if err != nil {
		return nil, newExecutionError(name, err)
	}

	docs, items, roots := r.doc.Snapshot()
	return &Snapshot{DocsJSON: docs, RenderItems: items, RootIDs: roots}, nil
}

// Link forwards every document change whose setter differs from setter.
func (r *Runtime) Link(setter string, sink PatchSink) {
	r.doc.Listen(func(ev document.Event) {
		if ev.Setter == setter {
			return
		}
		sink(ev.Patch, nil)
	})
}

// ApplyPatch applies a JSON patch attributed to setter. Watchers registered
// by the script run inside this call.
func (r *Runtime) ApplyPatch(ctx context.Context, patch []byte, setter string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withContext(ctx, func() error {
		return r.doc.ApplyJSONPatch(patch, setter)
	})
}

// UpdateLocation applies the recognized keys of values to the location
// model. It returns the applied keys; without a location model it does
// nothing.
func (r *Runtime) UpdateLocation(ctx context.Context, values map[string]any) ([]string, error) {
	loc := r.doc.Location()
	if loc == nil {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var applied []string
	err := r.withContext(ctx, func() error {
		return loc.EditReadonly(func() error {
			var err error
			applied, err = loc.Update(values)
			return err
		})
	})
	return applied, err
}

// withContext runs fn with ctx available to native modules and interrupts the
// VM if ctx is cancelled first. The caller holds r.mu.
func (r *Runtime) withContext(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	prev := r.callCtx
	r.callCtx = ctx
	defer func() {
		r.callCtx = prev
	}()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			r.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer func() {
		close(done)
		<-stopped
		r.vm.ClearInterrupt()
	}()

	return runGuarded(fn)
}

// runGuarded reports a Go panic escaping a native module as an error.
func runGuarded(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("native module panic: %v", p)
		}
	}()
	return fn()
}

// settle unwraps a promise returned by an async script. Promise jobs have
// already run by the time RunScript returns.
func settle(v goja.Value) error {
	if v == nil {
		return nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	switch p.State() {
	case goja.PromiseStateRejected:
		return &rejectedError{value: p.Result()}
	case goja.PromiseStatePending:
		return errors.New("application script returned a promise that never settled")
	}
	return nil
}

// compileModule wraps a CommonJS-style module body in a function and
// compiles it, so a broken package fails at install time.
func compileModule(pkg *packages.Package) (*goja.Program, error) {
	wrapped := "(function(exports, require, module) {" + string(pkg.Source) + "\n})"
	prog, err := goja.Compile(pkg.Module+".js", wrapped, false)
	if err != nil {
		return nil, errors.Wrapf(err, "runtime: compile package %s", pkg.Module)
	}
	return prog, nil
}

// sourceModuleLoader evaluates a compiled module body.
func sourceModuleLoader(prog *goja.Program) require.ModuleLoader {
	return func(vm *goja.Runtime, module *goja.Object) {
		v, err := vm.RunProgram(prog)
		if err != nil {
			panic(asJSError(vm, err))
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			panic(vm.NewTypeError("module did not compile to a function"))
		}
		if _, err := fn(goja.Undefined(), module.Get("exports"), vm.Get("require"), module); err != nil {
			panic(asJSError(vm, err))
		}
	}
}

// asJSError turns a Go error into something goja can rethrow.
func asJSError(vm *goja.Runtime, err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return vm.NewGoError(err)
}

type consolePrinter struct {
	logger zerolog.Logger
}

func (p *consolePrinter) Log(s string) {
	p.logger.Info().Msg(s)
}

func (p *consolePrinter) Warn(s string) {
	p.logger.Warn().Msg(s)
}

func (p *consolePrinter) Error(s string) {
	p.logger.Error().Msg(s)
}
