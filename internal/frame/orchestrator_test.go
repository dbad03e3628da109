package frame

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kmstouch/internal/errors"
	"kmstouch/internal/evdev"
	"kmstouch/internal/kms"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// scriptSource returns one batch per poll; polls past the script time out.
type scriptSource struct {
	clock   *fakeClock
	batches [][]evdev.TouchEvent
	errs    []error
	polls   int
	closed  bool
}

func (s *scriptSource) ReadEvents() ([]evdev.TouchEvent, error) { return s.WaitForEvents(0) }

func (s *scriptSource) WaitForEvents(timeout time.Duration) ([]evdev.TouchEvent, error) {
	i := s.polls
	s.polls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.batches) && len(s.batches[i]) > 0 {
		s.clock.now = s.clock.now.Add(time.Millisecond)
		return s.batches[i], err
	}
	s.clock.now = s.clock.now.Add(timeout)
	return nil, err
}

func (s *scriptSource) Close() error { s.closed = true; return nil }

type recorder struct {
	inputs []Input
	fail   map[int]error
}

func (r *recorder) Run(ctx context.Context, in Input) (Output, error) {
	n := len(r.inputs)
	r.inputs = append(r.inputs, in)
	if err := r.fail[n]; err != nil {
		return nil, err
	}
	return color.RGBA{R: uint8(n), A: 0xff}, nil
}

func fill(out Output, dst *kms.Buffer) error {
	dst.Fill(dst.Bounds(), out.(color.RGBA))
	return nil
}

func press(slot int, x, y float64) evdev.TouchEvent {
	return evdev.TouchEvent{Kind: evdev.Press, Slot: slot, X: x, Y: y}
}

func move(slot int, x, y float64) evdev.TouchEvent {
	return evdev.TouchEvent{Kind: evdev.Move, Slot: slot, X: x, Y: y}
}

func release(slot int) evdev.TouchEvent {
	return evdev.TouchEvent{Kind: evdev.Release, Slot: slot}
}

type harness struct {
	clock *fakeClock
	dev   *kms.MemoryDevice
	ctrl  *kms.Controller
	src   *scriptSource
	ui    *recorder
	o     *Orchestrator
}

func newHarness(t *testing.T, batches ...[]evdev.TouchEvent) *harness {
	t.Helper()
	h := &harness{
		clock: &fakeClock{now: time.Unix(1000, 0)},
		dev:   kms.NewMemoryDevice(4, 2, 50),
		ui:    &recorder{fail: map[int]error{}},
	}
	h.ctrl = kms.NewController(h.dev, kms.Options{})
	require.NoError(t, h.ctrl.Initialize())
	h.src = &scriptSource{clock: h.clock, batches: batches}
	h.o = New(h.src, h.ctrl, h.ui, RasterizerFunc(fill), Options{Clock: h.clock})
	return h
}

func (h *harness) ticks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.o.Tick(context.Background()))
	}
}

func TestIntervalFromMode(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 20*time.Millisecond, h.o.Interval())

	o := New(nil, h.ctrl, h.ui, RasterizerFunc(fill), Options{FrameInterval: 5 * time.Millisecond})
	assert.Equal(t, 5*time.Millisecond, o.Interval())
}

func TestEveryEventDeliveredOnce(t *testing.T) {
	batches := [][]evdev.TouchEvent{
		{press(0, 1, 1), press(1, 5, 5)},
		nil,
		{move(0, 2, 2), move(0, 3, 3), release(1)},
		{release(0)},
	}
	h := newHarness(t, batches...)
	h.ticks(t, len(batches)+1)

	require.Len(t, h.ui.inputs, len(batches)+1)
	var got []evdev.TouchEvent
	for i, in := range h.ui.inputs {
		if i < len(batches) {
			assert.Equal(t, batches[i], in.Events, "tick %d", i)
		}
		got = append(got, in.Events...)
	}
	var want []evdev.TouchEvent
	for _, b := range batches {
		want = append(want, b...)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(len(want)), h.o.Stats().Events)
}

func TestPointerTable(t *testing.T) {
	h := newHarness(t,
		[]evdev.TouchEvent{press(2, 1, 1), press(0, 9, 9)},
		[]evdev.TouchEvent{move(2, 3, 4)},
		[]evdev.TouchEvent{release(2)},
		nil,
	)
	h.ticks(t, 4)
	in := h.ui.inputs

	assert.Equal(t, []Pointer{
		{Slot: 0, X: 9, Y: 9, Pressed: true},
		{Slot: 2, X: 1, Y: 1, Pressed: true},
	}, in[0].Pointers, "ordered by slot")
	assert.Equal(t, Pointer{Slot: 2, X: 3, Y: 4, Pressed: true}, in[1].Pointers[1])
	require.Len(t, in[2].Pointers, 2)
	assert.False(t, in[2].Pointers[1].Pressed, "release is visible in its own frame")
	assert.Equal(t, []Pointer{{Slot: 0, X: 9, Y: 9, Pressed: true}}, in[3].Pointers)
}

func TestReleaseThenPressSameTick(t *testing.T) {
	h := newHarness(t,
		[]evdev.TouchEvent{press(0, 1, 1)},
		[]evdev.TouchEvent{release(0), press(0, 7, 7)},
		nil,
	)
	h.ticks(t, 3)
	assert.Equal(t, []Pointer{{Slot: 0, X: 7, Y: 7, Pressed: true}}, h.ui.inputs[2].Pointers)
}

func TestFrameInput(t *testing.T) {
	h := newHarness(t)
	h.ticks(t, 2)
	in := h.ui.inputs
	assert.Equal(t, image.Rect(0, 0, 4, 2), in[0].ScreenRect)
	assert.Equal(t, 20*time.Millisecond, in[0].Elapsed)
	assert.Equal(t, 40*time.Millisecond, in[1].Elapsed)
	assert.InDelta(t, 0.04, in[1].ElapsedSeconds(), 1e-9)
	assert.Empty(t, in[0].Pointers)
}

func TestPresentReachesScanout(t *testing.T) {
	h := newHarness(t)
	h.ticks(t, 3)
	assert.Equal(t, 3, h.dev.Flips())
	// third frame was painted with R=2: B, G, R, X
	assert.Equal(t, []byte{0, 0, 2, 0xff}, h.dev.Scanout()[:4])
	st := h.o.Stats()
	assert.Equal(t, uint64(3), st.Ticks)
	assert.Equal(t, uint64(3), st.Presented)
}

func TestCorrectiveSleep(t *testing.T) {
	h := newHarness(t, []evdev.TouchEvent{press(0, 1, 1)}, nil)
	h.ticks(t, 2)
	// tick 1 got input after 1ms and sleeps the rest, tick 2 waited the full
	// interval in poll and does not sleep
	assert.Equal(t, []time.Duration{19 * time.Millisecond}, h.clock.sleeps)
}

func TestFrameSkips(t *testing.T) {
	errBoom := errors.Sentinel("boom")
	h := newHarness(t)
	h.ui.fail[0] = errBoom

	h.ticks(t, 1) // render fails
	assert.Equal(t, 0, h.dev.Flips())

	h.dev.FailFlips(1)
	h.ticks(t, 1) // flip fails
	assert.Equal(t, 0, h.dev.Flips())
	assert.Equal(t, kms.Displayed, h.ctrl.Buffers()[0].Role, "previous frame stays up")

	h.o.rast = RasterizerFunc(func(Output, *kms.Buffer) error { return errBoom })
	h.ticks(t, 1)

	h.o.rast = RasterizerFunc(fill)
	h.ticks(t, 1)
	assert.Equal(t, 1, h.dev.Flips())

	st := h.o.Stats()
	assert.Equal(t, uint64(4), st.Ticks)
	assert.Equal(t, uint64(1), st.Presented)
	assert.Equal(t, map[string]uint64{SkipRender: 1, SkipPageFlip: 1, SkipRasterize: 1}, st.Skipped)
}

type noBuffers struct{ Display }

func (noBuffers) AcquireWritable() (*kms.Buffer, error) {
	return nil, errors.Step(kms.ErrNoBufferAvailable, "test", nil)
}

func TestNoBufferSkips(t *testing.T) {
	h := newHarness(t)
	h.o.disp = noBuffers{h.ctrl}
	h.ticks(t, 1)
	assert.Equal(t, uint64(1), h.o.Stats().Skipped[SkipNoBuffer])
}

func TestInputErrorsAbsorbed(t *testing.T) {
	h := newHarness(t, []evdev.TouchEvent{press(0, 1, 1)}, nil, nil)
	h.src.errs = []error{errors.Sentinel("short read"), nil, evdev.ErrDeviceLost}
	h.ticks(t, 4)

	assert.Len(t, h.ui.inputs[0].Events, 1, "events before the error are kept")
	assert.True(t, h.src.closed)
	assert.Nil(t, h.o.src)
	assert.Empty(t, h.ui.inputs[3].Pointers, "lost input clears pointers")
	assert.Equal(t, 4, h.dev.Flips())
}

func TestNilSourceTolerated(t *testing.T) {
	h := newHarness(t)
	o := New(nil, h.ctrl, h.ui, RasterizerFunc(fill), Options{Clock: h.clock})
	require.NoError(t, o.Tick(context.Background()))
	assert.Empty(t, h.ui.inputs[0].Pointers)
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, h.clock.sleeps)
}

func TestStateOrder(t *testing.T) {
	h := newHarness(t)
	var states []State
	h.o.opts.OnState = func(s State) { states = append(states, s) }
	h.ticks(t, 1)
	assert.Equal(t, []State{PollInput, BuildFrame, RenderCallback, Present, WaitNextTick}, states)
}

func TestStopBeforePresent(t *testing.T) {
	h := newHarness(t)
	var states []State
	h.o.opts.OnState = func(s State) { states = append(states, s) }
	h.o.Stop()

	err := h.o.Tick(context.Background())
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Equal(t, []State{PollInput}, states)
	assert.Empty(t, h.ui.inputs)
	assert.Equal(t, 0, h.dev.Flips())
	require.NoError(t, h.o.Run(context.Background()))
}

func TestRunExitsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	n := 0
	h.o.ui = UIFunc(func(ctx context.Context, in Input) (Output, error) {
		n++
		if n == 3 {
			cancel()
		}
		return color.RGBA{A: 0xff}, nil
	})
	require.NoError(t, h.o.Run(ctx))
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, h.dev.Flips(), "the tick that saw the cancel still completes")
}

func TestRunWithSyntheticSource(t *testing.T) {
	dev := kms.NewMemoryDevice(8, 8, 0)
	ctrl := kms.NewController(dev, kms.Options{})
	require.NoError(t, ctrl.Initialize())
	src := evdev.NewSyntheticSource(nil)
	src.Push(
		evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_SLOT, Value: 0},
		evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_TRACKING_ID, Value: 3},
		evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_POSITION_X, Value: 4},
		evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_POSITION_Y, Value: 5},
		evdev.Record{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
	)

	var got []Input
	ui := UIFunc(func(ctx context.Context, in Input) (Output, error) {
		got = append(got, in)
		return color.RGBA{A: 0xff}, nil
	})
	o := New(src, ctrl, ui, RasterizerFunc(fill), Options{FrameInterval: time.Millisecond})
	for i := 0; i < 2; i++ {
		require.NoError(t, o.Tick(context.Background()))
	}
	require.Len(t, got, 2)
	assert.Equal(t, []Pointer{{Slot: 0, X: 4, Y: 5, Pressed: true}}, got[0].Pointers)
	assert.Equal(t, got[0].Pointers, got[1].Pointers, "held finger persists")
	assert.Empty(t, got[1].Events)
}
