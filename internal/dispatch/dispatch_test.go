package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockApplet records calls in order; EvalFunc overrides evaluation.
type mockApplet struct {
	mu       sync.Mutex
	calls    []string
	EvalFunc func(cmd string) error
	ResetErr error
}

func (m *mockApplet) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "reset")
	return m.ResetErr
}

func (m *mockApplet) EvalCommand(ctx context.Context, cmd string) error {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	m.mu.Unlock()
	if m.EvalFunc != nil {
		return m.EvalFunc(cmd)
	}
	return nil
}

func (m *mockApplet) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeTimer struct {
	delay   time.Duration
	f       func()
	fired   bool
	stopped bool
}

// fakeClock queues timers and fires them in scheduling order on demand.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (c *fakeClock) delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.timers))
	for i, t := range c.timers {
		out[i] = t.delay
	}
	return out
}

// fireNext runs the oldest pending timer, reporting whether one existed.
func (c *fakeClock) fireNext() bool {
	c.mu.Lock()
	var next *fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			next = t
			break
		}
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}
	next.fired = true
	c.mu.Unlock()
	next.f()
	return true
}

func (c *fakeClock) drain() {
	for c.fireNext() {
	}
}

func TestExecute_NoOpPreconditions(t *testing.T) {
	d := New(WithClock(&fakeClock{}))
	applet := &mockApplet{}

	run, err := d.Execute(context.Background(), nil, applet)
	require.ErrorIs(t, err, ErrNoCommands)
	require.Nil(t, run)
	require.Empty(t, applet.Calls(), "empty batch must not reset the applet")

	run, err = d.Execute(context.Background(), []string{"A = (1,2)"}, nil)
	require.ErrorIs(t, err, ErrAppletUnavailable)
	require.Nil(t, run)
}

func TestExecute_StaggeredPacing(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock))
	applet := &mockApplet{}

	run, err := d.Execute(context.Background(), []string{"c0", "c1", "c2"}, applet)
	require.NoError(t, err)

	require.Equal(t, []string{"reset"}, applet.Calls(), "reset runs synchronously before any command")
	require.Equal(t, []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}, clock.delays())

	clock.drain()
	require.Equal(t, []string{"reset", "c0", "c1", "c2"}, applet.Calls())

	results, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		require.True(t, r.OK())
		require.Equal(t, i, r.Index)
	}
}

func TestExecute_CustomPacing(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock), WithPacing(250*time.Millisecond))
	_, err := d.Execute(context.Background(), []string{"a", "b"}, &mockApplet{})
	require.NoError(t, err)
	require.Equal(t, []time.Duration{0, 250 * time.Millisecond}, clock.delays())
	clock.drain()
}

func TestExecute_PartialFailure(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock))
	boom := errors.New("syntax error")
	applet := &mockApplet{EvalFunc: func(cmd string) error {
		if cmd == "bad" {
			return boom
		}
		return nil
	}}

	run, err := d.Execute(context.Background(), []string{"first", "bad", "third"}, applet)
	require.NoError(t, err)
	clock.drain()

	require.Equal(t, []string{"reset", "first", "bad", "third"}, applet.Calls())
	results, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, results[0].OK())
	require.ErrorIs(t, results[1].Err, boom)
	require.True(t, results[2].OK())
	require.Equal(t, 1, run.Failed())
}

func TestExecute_PanicIsIsolated(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock))
	applet := &mockApplet{EvalFunc: func(cmd string) error {
		if cmd == "explode" {
			panic("engine crashed")
		}
		return nil
	}}

	run, err := d.Execute(context.Background(), []string{"a", "explode", "c"}, applet)
	require.NoError(t, err)
	clock.drain()

	results := run.Results()
	require.Error(t, results[1].Err)
	require.Contains(t, results[1].Err.Error(), "engine crashed")
	require.Equal(t, []string{"reset", "a", "explode", "c"}, applet.Calls())
}

func TestExecute_ResetFailureDoesNotAbort(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock))
	applet := &mockApplet{ResetErr: errors.New("no scene")}

	run, err := d.Execute(context.Background(), []string{"a"}, applet)
	require.NoError(t, err)
	clock.drain()
	require.Equal(t, []string{"reset", "a"}, applet.Calls())
	require.Zero(t, run.Failed())
}

func TestExecute_SequentialWaitsForCompletion(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock), WithMode(ModeSequential))
	applet := &mockApplet{}

	run, err := d.Execute(context.Background(), []string{"c0", "c1", "c2"}, applet)
	require.NoError(t, err)
	require.Equal(t, []time.Duration{0}, clock.delays(), "only the first command is scheduled up front")

	require.True(t, clock.fireNext())
	require.Equal(t, []string{"reset", "c0"}, applet.Calls())
	require.Equal(t, []time.Duration{0, 100 * time.Millisecond}, clock.delays())

	clock.drain()
	require.Equal(t, []string{"reset", "c0", "c1", "c2"}, applet.Calls())
	require.Equal(t, []time.Duration{0, 100 * time.Millisecond, 100 * time.Millisecond}, clock.delays())

	_, err = run.Wait(context.Background())
	require.NoError(t, err)
}

func TestRun_Cancel(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock))
	applet := &mockApplet{}

	run, err := d.Execute(context.Background(), []string{"c0", "c1", "c2"}, applet)
	require.NoError(t, err)
	require.True(t, clock.fireNext())

	run.Cancel()
	require.False(t, clock.fireNext(), "pending timers are stopped")

	results, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, results[0].OK())
	require.ErrorIs(t, results[1].Err, ErrCancelled)
	require.ErrorIs(t, results[2].Err, ErrCancelled)
	require.Equal(t, []string{"reset", "c0"}, applet.Calls())
}

func TestRun_CancelSequential(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock), WithMode(ModeSequential))

	run, err := d.Execute(context.Background(), []string{"c0", "c1"}, &mockApplet{})
	require.NoError(t, err)
	run.Cancel()
	clock.drain()

	results, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, results[0].Err, ErrCancelled)
	require.ErrorIs(t, results[1].Err, ErrCancelled)
}

func TestRun_WaitHonorsContext(t *testing.T) {
	clock := &fakeClock{}
	d := New(WithClock(clock))
	run, err := d.Execute(context.Background(), []string{"c0"}, &mockApplet{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = run.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	clock.drain()
}

func TestExecute_RealClock(t *testing.T) {
	d := New(WithPacing(5 * time.Millisecond))
	applet := &mockApplet{}

	start := time.Now()
	run, err := d.Execute(context.Background(), []string{"c0", "c1", "c2"}, applet)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = run.Wait(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	require.ElementsMatch(t, []string{"reset", "c0", "c1", "c2"}, applet.Calls())
	require.Equal(t, "reset", applet.Calls()[0])
}

func TestExecuteOne(t *testing.T) {
	d := New()
	applet := &mockApplet{EvalFunc: func(cmd string) error {
		if cmd == "bad" {
			return errors.New("nope")
		}
		return nil
	}}

	require.True(t, d.ExecuteOne(context.Background(), applet, "A = (1,2)"))
	require.False(t, d.ExecuteOne(context.Background(), applet, "bad"))
	require.False(t, d.ExecuteOne(context.Background(), nil, "A = (1,2)"))
	require.Equal(t, []string{"A = (1,2)", "bad"}, applet.Calls(), "single replay never resets")
}

func TestModeString(t *testing.T) {
	require.Equal(t, "staggered", ModeStaggered.String())
	require.Equal(t, "sequential", ModeSequential.String())
	require.Equal(t, "Mode(7)", Mode(7).String())
}
