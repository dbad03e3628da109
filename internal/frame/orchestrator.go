package frame

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kmstouch/internal/diag"
	"kmstouch/internal/errors"
	"kmstouch/internal/evdev"
	"kmstouch/internal/kms"
	"kmstouch/internal/metrics"
)

var ErrStopped = errors.Sentinel("frame loop stopped")

const DefaultFrameInterval = 16 * time.Millisecond

type Options struct {
	// FrameInterval is the tick period; 0 derives it from the display mode
	// refresh rate, falling back to DefaultFrameInterval.
	FrameInterval time.Duration
	Clock         Clock
	Sink          diag.Sink
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
	// OnState is called on every state change, for tracing.
	OnState func(State)
}

type Stats struct {
	Ticks     uint64
	Presented uint64
	Events    uint64
	Skipped   map[string]uint64
}

// Orchestrator sequences one input source, one UI context, one rasterizer
// and one display. A nil source is tolerated: every frame then has no
// pointers.
type Orchestrator struct {
	src      evdev.Source
	disp     Display
	ui       UIContext
	rast     Rasterizer
	opts     Options
	clock    Clock
	sink     diag.Sink
	interval time.Duration
	base     Input

	start    time.Time
	pointers map[int]Pointer
	stop     atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func New(src evdev.Source, disp Display, ui UIContext, rast Rasterizer, opts Options) *Orchestrator {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = diag.Nop{}
	}
	m := disp.Mode()
	interval := opts.FrameInterval
	if interval <= 0 {
		interval = m.FrameInterval()
	}
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	o := &Orchestrator{
		src:      src,
		disp:     disp,
		ui:       ui,
		rast:     rast,
		opts:     opts,
		clock:    clock,
		sink:     sink,
		interval: interval,
		start:    clock.Now(),
		pointers: map[int]Pointer{},
		stats:    Stats{Skipped: map[string]uint64{}},
	}
	o.base.ScreenRect.Max.X, o.base.ScreenRect.Max.Y = m.Width, m.Height
	return o
}

func (o *Orchestrator) Interval() time.Duration { return o.interval }

// Stop asks the loop to exit at the top of the next PollInput.
func (o *Orchestrator) Stop() { o.stop.Store(true) }

func (o *Orchestrator) stopping(ctx context.Context) bool {
	return o.stop.Load() || ctx.Err() != nil
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.Skipped = make(map[string]uint64, len(o.stats.Skipped))
	for k, v := range o.stats.Skipped {
		s.Skipped[k] = v
	}
	return s
}

// Run ticks until ctx is done or Stop is called.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		if err := o.Tick(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}
	}
}

// Tick runs one full cycle. It returns ErrStopped, without presenting,
// once shutdown was requested.
func (o *Orchestrator) Tick(ctx context.Context) error {
	tickStart := o.clock.Now()

	o.enter(PollInput)
	if o.stopping(ctx) {
		return errors.Step(ErrStopped, "poll input", nil)
	}
	events := o.poll()

	o.enter(BuildFrame)
	in := o.build(events)

	o.enter(RenderCallback)
	out, err := o.ui.Run(ctx, in)
	if err != nil {
		o.skip(SkipRender, err)
	} else {
		o.enter(Present)
		o.present(out)
	}

	o.enter(WaitNextTick)
	busy := o.clock.Now().Sub(tickStart)
	o.opts.Metrics.FrameTime(busy)
	o.mu.Lock()
	o.stats.Ticks++
	o.mu.Unlock()
	if busy < o.interval {
		o.clock.Sleep(o.interval - busy)
	}
	return nil
}

func (o *Orchestrator) enter(s State) {
	if o.opts.OnState != nil {
		o.opts.OnState(s)
	}
}

func (o *Orchestrator) poll() []evdev.TouchEvent {
	if o.src == nil {
		return nil
	}
	events, err := o.src.WaitForEvents(o.interval)
	if err != nil {
		o.opts.Metrics.InputError()
		if errors.Is(err, evdev.ErrDeviceLost) {
			diag.Log(o.opts.Logger, slog.LevelError, 2, "touch input lost, continuing without it", "err", err)
			_ = o.src.Close()
			o.src = nil
		} else {
			diag.IsErr(o.opts.Logger, slog.LevelWarn, err)
		}
	}
	// events decoded before an error are still delivered
	return events
}

func (o *Orchestrator) build(events []evdev.TouchEvent) Input {
	for slot, p := range o.pointers {
		if !p.Pressed {
			delete(o.pointers, slot)
		}
	}
	if o.src == nil {
		clear(o.pointers)
	}
	for _, ev := range events {
		o.pointers[ev.Slot] = Pointer{
			Slot:     ev.Slot,
			X:        ev.X,
			Y:        ev.Y,
			Pressure: ev.Pressure,
			Pressed:  ev.Kind != evdev.Release,
		}
		o.opts.Metrics.TouchEvent(ev.Kind.String())
	}

	in := o.base
	in.Elapsed = o.clock.Now().Sub(o.start)
	in.Events = events
	in.Pointers = make([]Pointer, 0, len(o.pointers))
	pressed := 0
	for _, p := range o.pointers {
		in.Pointers = append(in.Pointers, p)
		if p.Pressed {
			pressed++
		}
	}
	sort.Slice(in.Pointers, func(i, j int) bool { return in.Pointers[i].Slot < in.Pointers[j].Slot })
	o.opts.Metrics.Pointers(pressed)

	o.mu.Lock()
	o.stats.Events += uint64(len(events))
	o.mu.Unlock()
	return in
}

func (o *Orchestrator) present(out Output) {
	t0 := o.clock.Now()
	buf, err := o.disp.AcquireWritable()
	if err != nil {
		o.skip(SkipNoBuffer, err)
		return
	}
	if err := o.rast.Rasterize(out, buf); err != nil {
		o.skip(SkipRasterize, err)
		return
	}
	if err := o.disp.Submit(buf); err != nil {
		reason := SkipPageFlip
		if errors.Is(err, kms.ErrNoBufferAvailable) {
			reason = SkipNoBuffer
		}
		o.skip(reason, err)
		return
	}
	o.opts.Metrics.FramePresented(o.clock.Now().Sub(t0))
	o.mu.Lock()
	o.stats.Presented++
	o.mu.Unlock()
}

func (o *Orchestrator) skip(reason string, err error) {
	o.sink.FrameSkipped(reason, err)
	o.opts.Metrics.FrameSkipped(reason)
	o.mu.Lock()
	o.stats.Skipped[reason]++
	o.mu.Unlock()
}
