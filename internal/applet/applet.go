// Package applet manages the lifecycle of the external geometry engine.
//
// A Handle boots the engine once and tracks readiness with a small state
// machine: Unloaded -> Loading -> Ready. Readiness is reached either through
// the engine's constructor callback or through polling for a working size
// setter, whichever is observed first.
package applet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/comigor/geochat/internal/dispatch"
	"github.com/comigor/geochat/internal/logger"
)

// ErrNotReady is returned by engine calls made before the applet is Ready.
var ErrNotReady = errors.New("applet not ready")

// State is a readiness state of the applet.
type State string

const (
	StateUnloaded State = "Unloaded"
	StateLoading  State = "Loading"
	StateReady    State = "Ready" // terminal
)

type trigger string

const (
	triggerInject      trigger = "Inject"
	triggerConstructed trigger = "Constructed"
	triggerPollReady   trigger = "PollReady"
)

// Backend is the concrete engine behind a Handle.
type Backend interface {
	// Inject loads the engine into the named container. onLoad is the
	// engine's constructor callback and may fire at any later time.
	Inject(ctx context.Context, container string, onLoad func()) error
	// SizeSetterReady reports whether the engine exposes a working size setter.
	SizeSetterReady(ctx context.Context) bool
	Reset(ctx context.Context) error
	EvalCommand(ctx context.Context, cmd string) error
	SetSize(ctx context.Context, width, height int) error
}

// Options tunes the boot sequence.
type Options struct {
	Container    string
	PollDelay    time.Duration
	PollInterval time.Duration
}

// DefaultOptions mirrors the engine's usual boot timing.
func DefaultOptions() Options {
	return Options{
		Container:    "geogebra-container",
		PollDelay:    500 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
	}
}

// Handle is the live applet capability.
type Handle struct {
	backend Backend
	opts    Options
	log     *slog.Logger

	mu    sync.Mutex // serializes FSM firing
	fsm   *stateless.StateMachine
	ready chan struct{}

	sizeMu       sync.Mutex
	lastW, lastH int

	stopPoll context.CancelFunc
	wg       sync.WaitGroup
}

// NewHandle wraps backend in an Unloaded handle.
func NewHandle(backend Backend, opts Options) *Handle {
	def := DefaultOptions()
	if opts.Container == "" {
		opts.Container = def.Container
	}
	if opts.PollDelay <= 0 {
		opts.PollDelay = def.PollDelay
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}

	h := &Handle{
		backend: backend,
		opts:    opts,
		log:     logger.For("applet"),
		ready:   make(chan struct{}),
	}

	fsm := stateless.NewStateMachine(StateUnloaded)

	fsm.Configure(StateUnloaded).
		Permit(triggerInject, StateLoading).
		Ignore(triggerConstructed).
		Ignore(triggerPollReady)

	fsm.Configure(StateLoading).
		OnEntry(func(_ context.Context, _ ...any) error {
			h.log.Debug("applet loading", "container", h.opts.Container)
			return nil
		}).
		Permit(triggerConstructed, StateReady).
		Permit(triggerPollReady, StateReady).
		Ignore(triggerInject)

	// Ready is terminal; the slower readiness signal becomes a no-op.
	fsm.Configure(StateReady).
		OnEntry(func(_ context.Context, args ...any) error {
			source := "unknown"
			if len(args) > 0 {
				if s, ok := args[0].(string); ok {
					source = s
				}
			}
			h.log.Info("applet ready", "source", source)
			close(h.ready)
			return nil
		}).
		Ignore(triggerInject).
		Ignore(triggerConstructed).
		Ignore(triggerPollReady)

	h.fsm = fsm
	return h
}

func (h *Handle) fire(t trigger, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fsm.Fire(t, args...); err != nil {
		h.log.Warn("applet state transition failed", "trigger", string(t), "error", err)
	}
}

// State returns the current readiness state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fsm.MustState().(State)
}

// Ready reports whether the applet accepts commands.
func (h *Handle) Ready() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the applet is Ready or ctx ends.
func (h *Handle) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Boot injects the engine and starts polling for readiness. Only the first
// call has any effect. If injection fails the handle stays Loading.
// Polling stops when ctx ends, when Ready is reached, or on Close.
func (h *Handle) Boot(ctx context.Context) error {
	h.mu.Lock()
	if h.fsm.MustState().(State) != StateUnloaded {
		h.mu.Unlock()
		return nil
	}
	if err := h.fsm.Fire(triggerInject); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("applet boot: %w", err)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	h.stopPoll = cancel
	h.mu.Unlock()

	if err := h.backend.Inject(ctx, h.opts.Container, func() { h.fire(triggerConstructed, "callback") }); err != nil {
		cancel()
		h.log.Error("applet injection failed", "container", h.opts.Container, "error", err)
		return fmt.Errorf("inject applet: %w", err)
	}

	h.wg.Add(1)
	go h.poll(pollCtx)
	return nil
}

func (h *Handle) poll(ctx context.Context) {
	defer h.wg.Done()
	timer := time.NewTimer(h.opts.PollDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ready:
			return
		case <-timer.C:
		}
		if h.backend.SizeSetterReady(ctx) {
			h.fire(triggerPollReady, "poll")
			return
		}
		timer.Reset(h.opts.PollInterval)
	}
}

// Close stops the readiness poller.
func (h *Handle) Close() {
	h.mu.Lock()
	cancel := h.stopPoll
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}

// Capability returns the handle as a dispatch.Applet once Ready, nil before.
func (h *Handle) Capability() dispatch.Applet {
	if !h.Ready() {
		return nil
	}
	return h
}

// Reset clears every construction in the engine.
func (h *Handle) Reset(ctx context.Context) error {
	if !h.Ready() {
		return ErrNotReady
	}
	return h.backend.Reset(ctx)
}

// EvalCommand runs one command in the engine.
func (h *Handle) EvalCommand(ctx context.Context, cmd string) error {
	if !h.Ready() {
		return ErrNotReady
	}
	return h.backend.EvalCommand(ctx, cmd)
}

// SetSize resizes the engine. It reports false without calling the engine
// when the size is unchanged or not positive.
func (h *Handle) SetSize(ctx context.Context, width, height int) (bool, error) {
	if width <= 0 || height <= 0 || !h.Ready() {
		return false, nil
	}

	h.sizeMu.Lock()
	defer h.sizeMu.Unlock()
	if width == h.lastW && height == h.lastH {
		return false, nil
	}
	if err := h.backend.SetSize(ctx, width, height); err != nil {
		return false, fmt.Errorf("set applet size: %w", err)
	}
	h.log.Debug("applet resized", "width", width, "height", height)
	h.lastW, h.lastH = width, height
	return true, nil
}
