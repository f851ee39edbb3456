// Package dispatch plays command batches into a geometry applet with fixed pacing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/comigor/geochat/internal/logger"
)

// DefaultPacing separates consecutive commands of a batch.
const DefaultPacing = 100 * time.Millisecond

var (
	ErrNoCommands        = errors.New("no commands to execute")
	ErrAppletUnavailable = errors.New("applet is not available")
	ErrCancelled         = errors.New("command cancelled before execution")
)

// Applet is the slice of the geometry engine the dispatcher drives.
type Applet interface {
	Reset(ctx context.Context) error
	EvalCommand(ctx context.Context, cmd string) error
}

// Mode selects how a batch is paced.
type Mode int

const (
	// ModeStaggered schedules command i at i*pacing from the Execute call,
	// without waiting for earlier commands to finish.
	ModeStaggered Mode = iota
	// ModeSequential schedules each command pacing after the previous one completes.
	ModeSequential
)

func (m Mode) String() string {
	switch m {
	case ModeStaggered:
		return "staggered"
	case ModeSequential:
		return "sequential"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Clock defers work. The returned stop func reports whether it prevented f from running.
type Clock interface {
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPacing overrides DefaultPacing.
func WithPacing(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d >= 0 {
			x.pacing = d
		}
	}
}

// WithMode selects staggered or sequential pacing.
func WithMode(m Mode) Option { return func(x *Dispatcher) { x.mode = m } }

// WithClock replaces the timer source.
func WithClock(c Clock) Option { return func(x *Dispatcher) { x.clock = c } }

// Dispatcher executes batches against an Applet.
type Dispatcher struct {
	pacing time.Duration
	mode   Mode
	clock  Clock
	log    *slog.Logger
}

// New creates a dispatcher with 100ms staggered pacing unless overridden.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{pacing: DefaultPacing, mode: ModeStaggered, clock: realClock{}}
	for _, o := range opts {
		o(d)
	}
	d.log = logger.For("dispatch")
	return d
}

// Pacing reports the configured interval between commands.
func (d *Dispatcher) Pacing() time.Duration { return d.pacing }

// Mode reports the configured pacing mode.
func (d *Dispatcher) Mode() Mode { return d.mode }

// Execute resets the applet and schedules every command. It returns
// ErrNoCommands or ErrAppletUnavailable without touching the applet when
// preconditions fail. Individual command failures never stop the batch; they
// are logged and reported through the Run.
func (d *Dispatcher) Execute(ctx context.Context, commands []string, applet Applet) (*Run, error) {
	if len(commands) == 0 {
		d.log.Warn("no commands to execute")
		return nil, ErrNoCommands
	}
	if applet == nil {
		d.log.Warn("applet unavailable, cannot execute commands", "count", len(commands))
		return nil, ErrAppletUnavailable
	}

	d.log.Info("executing commands", "count", len(commands), "mode", d.mode.String(), "pacing", d.pacing)

	if err := guard(func() error { return applet.Reset(ctx) }); err != nil {
		d.log.Error("applet reset failed", "error", err)
	}

	// scheduled commands outlive the caller's request
	runCtx := context.WithoutCancel(ctx)
	run := newRun(commands)

	switch d.mode {
	case ModeSequential:
		var step func(i int)
		step = func(i int) {
			run.complete(i, d.eval(runCtx, applet, commands[i]))
			if i+1 < len(commands) {
				run.schedule(d.clock, i+1, d.pacing, func() { step(i + 1) })
			}
		}
		run.schedule(d.clock, 0, 0, func() { step(0) })
	default:
		for i, cmd := range commands {
			run.schedule(d.clock, i, time.Duration(i)*d.pacing, func() {
				run.complete(i, d.eval(runCtx, applet, cmd))
			})
		}
	}
	return run, nil
}

// ExecuteOne evaluates a single command without resetting the applet first.
func (d *Dispatcher) ExecuteOne(ctx context.Context, applet Applet, cmd string) bool {
	if applet == nil {
		d.log.Warn("applet unavailable, cannot execute command", "command", cmd)
		return false
	}
	return d.eval(ctx, applet, cmd) == nil
}

func (d *Dispatcher) eval(ctx context.Context, applet Applet, cmd string) error {
	err := guard(func() error { return applet.EvalCommand(ctx, cmd) })
	if err != nil {
		d.log.Error("command failed", "command", cmd, "error", err)
		return err
	}
	d.log.Debug("command executed", "command", cmd)
	return nil
}

// guard turns a panic in the applet into an error.
func guard(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("applet panicked: %v", p)
		}
	}()
	return f()
}
