package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go-worker-bridge/internal/contracts"
	"go-worker-bridge/internal/packages"
	"go-worker-bridge/internal/runtime"
)

// ExternalSetter tags changes that arrived from the host so they are not
// relayed back to it.
const ExternalSetter = "js"

var (
	// ErrNotRendered is returned by handlers that need a rendered document.
	ErrNotRendered = errors.New("bridge: document not rendered")
	// ErrAlreadyStarted is returned by a second Startup call.
	ErrAlreadyStarted = errors.New("bridge: already started")
)

// Runtime is the embedded runtime the bridge sequences calls into.
type Runtime interface {
	Install(ctx context.Context, dep packages.Dependency) error
	Execute(ctx context.Context, app runtime.AppConfig) (*runtime.Snapshot, error)
	Link(setter string, sink runtime.PatchSink)
	ApplyPatch(ctx context.Context, patch []byte, setter string) error
	UpdateLocation(ctx context.Context, values map[string]any) ([]string, error)
}

// Emitter delivers worker messages to the host.
type Emitter interface {
	Emit(msg any) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(msg any) error

func (f EmitterFunc) Emit(msg any) error {
	return f(msg)
}

// StartupPlan is everything Startup needs: the ordered install list and the
// application to execute.
type StartupPlan struct {
	Dependencies []packages.Dependency
	App          runtime.AppConfig
}

// Bridge mediates between a host page and an embedded runtime. It performs
// no computation of its own beyond sequencing calls and relaying results.
type Bridge struct {
	rt     Runtime
	out    Emitter
	plan   StartupPlan
	logger zerolog.Logger

	mu     sync.Mutex
	phase  Phase
	linked bool
}

type Option func(*Bridge)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

func NewBridge(rt Runtime, out Emitter, plan StartupPlan, opts ...Option) *Bridge {
	b := &Bridge{
		rt:     rt,
		out:    out,
		plan:   plan,
		logger: log.With().Str("component", "bridge").Logger(),
		phase:  PhaseIdle,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Bridge) setPhase(p Phase) {
	b.mu.Lock()
	prev := b.phase
	b.phase = p
	b.mu.Unlock()
	b.logger.Debug().Str("from", prev.String()).Str("to", p.String()).Msg("phase")
}

// Startup installs every dependency in order, then executes the application
// and emits its snapshot. Install failures are reported and skipped; an
// execution failure is reported and returned, and no render is emitted.
func (b *Bridge) Startup(ctx context.Context) error {
	b.mu.Lock()
	if b.phase != PhaseIdle {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.phase = PhaseStarting
	b.mu.Unlock()

	for _, dep := range b.plan.Dependencies {
		b.setPhase(PhaseInstalling)
		b.status("Installing " + dep.Name)
		if err := b.rt.Install(ctx, dep); err != nil {
			b.logger.Warn().Err(err).Str("dependency", dep.Spec).Msg("install failed; continuing")
			b.status("Error while installing " + dep.Name)
		}
	}
	b.logger.Info().Int("dependencies", len(b.plan.Dependencies)).Msg("packages loaded")

	b.setPhase(PhaseExecuting)
	b.status("Executing code")
	snap, err := b.rt.Execute(ctx, b.plan.App)
	if err != nil {
		b.setPhase(PhaseTerminated)
		b.status(runtime.Summary(err))
		return errors.Wrapf(err, "bridge: execute %s", b.plan.App.Name)
	}

	b.setPhase(PhaseRendered)
	return b.emit(contracts.RenderMessage{
		Type:        contracts.MessageTypeRender,
		DocsJSON:    snap.DocsJSON,
		RenderItems: snap.RenderItems,
		RootIDs:     snap.RootIDs,
	})
}

// OnRendered wires document changes to outgoing patch messages. Only the
// first call links; later calls are no-ops.
func (b *Bridge) OnRendered(ctx context.Context) error {
	b.mu.Lock()
	if !b.phase.rendered() {
		b.mu.Unlock()
		return ErrNotRendered
	}
	if b.linked {
		b.mu.Unlock()
		return nil
	}
	b.linked = true
	b.mu.Unlock()

	b.rt.Link(ExternalSetter, func(patch json.RawMessage, buffers [][]byte) {
		if buffers == nil {
			buffers = [][]byte{}
		}
		_ = b.emit(contracts.PatchMessage{Type: contracts.MessageTypePatch, Patch: patch, Buffers: buffers})
	})
	b.logger.Debug().Msg("linked document to host")
	return nil
}

// OnPatchReceived applies a host patch and then emits exactly one idle
// message, whether or not the patch applied.
func (b *Bridge) OnPatchReceived(ctx context.Context, patch []byte) (err error) {
	defer func() {
		if emitErr := b.emit(contracts.NewIdle()); err == nil {
			err = emitErr
		}
	}()

	b.mu.Lock()
	if !b.phase.rendered() {
		b.mu.Unlock()
		return ErrNotRendered
	}
	b.phase = PhasePatching
	b.mu.Unlock()
	defer b.setPhase(PhaseRendered)

	if err := b.rt.ApplyPatch(ctx, patch, ExternalSetter); err != nil {
		return errors.Wrap(err, "bridge: apply patch")
	}
	return nil
}

// OnLocationReceived applies the recognized keys of a JSON object to the
// document's location model.
func (b *Bridge) OnLocationReceived(ctx context.Context, location []byte) error {
	var values map[string]any
	if err := json.Unmarshal(location, &values); err != nil {
		return errors.Wrap(err, "bridge: decode location")
	}
	applied, err := b.rt.UpdateLocation(ctx, values)
	if err != nil {
		return errors.Wrap(err, "bridge: update location")
	}
	b.logger.Debug().Strs("keys", applied).Msg("location updated")
	return nil
}

// Handle routes one raw host message to its handler.
func (b *Bridge) Handle(ctx context.Context, raw []byte) error {
	var envelope contracts.IncomingMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errors.Wrap(err, "bridge: decode message")
	}

	switch envelope.Type {
	case contracts.MessageTypeRendered:
		return b.OnRendered(ctx)

	case contracts.MessageTypePatch:
		var msg contracts.HostPatchMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = b.emit(contracts.NewIdle())
			return errors.Wrap(err, "bridge: decode patch message")
		}
		patch, err := contracts.Payload(msg.Patch)
		if err != nil {
			_ = b.emit(contracts.NewIdle())
			return errors.Wrap(err, "bridge: patch payload")
		}
		return b.OnPatchReceived(ctx, patch)

	case contracts.MessageTypeLocation:
		var msg contracts.LocationMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return errors.Wrap(err, "bridge: decode location message")
		}
		location, err := contracts.Payload(msg.Location)
		if err != nil {
			return errors.Wrap(err, "bridge: location payload")
		}
		return b.OnLocationReceived(ctx, location)

	default:
		b.logger.Debug().Str("type", envelope.Type).Msg("ignoring unknown message")
		return nil
	}
}

func (b *Bridge) status(msg string) {
	_ = b.emit(contracts.NewStatus(msg))
}

func (b *Bridge) emit(msg any) error {
	if err := b.out.Emit(msg); err != nil {
		b.logger.Warn().Err(err).Msg("emit failed")
		return errors.Wrap(err, "bridge: emit")
	}
	return nil
}
