// Package frame drives the display and input core once per tick:
//
//	PollInput -> BuildFrame -> RenderCallback -> Present -> WaitNextTick
//
// The loop is single threaded. Frame-scoped failures skip the frame and are
// reported to the diagnostic sink; they never leave Tick.
package frame

import (
	"context"
	"fmt"
	"image"
	"time"

	"kmstouch/internal/evdev"
	"kmstouch/internal/kms"
)

// Pointer is the latest state of one finger.
type Pointer struct {
	Slot     int
	X, Y     float64
	Pressure int32
	// Pressed is false only in the frame that delivers the release.
	Pressed bool
}

// Input is what the UI sees each tick.
type Input struct {
	ScreenRect image.Rectangle
	Elapsed    time.Duration // since the orchestrator was created
	Pointers   []Pointer     // ordered by slot
	Events     []evdev.TouchEvent
}

func (in Input) ElapsedSeconds() float64 { return in.Elapsed.Seconds() }

// Output is whatever the UI produced; only the rasterizer looks inside.
type Output any

type UIContext interface {
	Run(ctx context.Context, in Input) (Output, error)
}

type UIFunc func(ctx context.Context, in Input) (Output, error)

func (f UIFunc) Run(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }

type Rasterizer interface {
	Rasterize(out Output, dst *kms.Buffer) error
}

type RasterizerFunc func(out Output, dst *kms.Buffer) error

func (f RasterizerFunc) Rasterize(out Output, dst *kms.Buffer) error { return f(out, dst) }

// Display is the part of kms.Controller the loop uses.
type Display interface {
	AcquireWritable() (*kms.Buffer, error)
	Submit(buf *kms.Buffer) error
	Mode() kms.DisplayMode
}

var _ Display = (*kms.Controller)(nil)

type State uint8

const (
	PollInput State = iota
	BuildFrame
	RenderCallback
	Present
	WaitNextTick
)

func (s State) String() string {
	switch s {
	case PollInput:
		return "poll-input"
	case BuildFrame:
		return "build-frame"
	case RenderCallback:
		return "render"
	case Present:
		return "present"
	case WaitNextTick:
		return "wait"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Skip reasons, also used as metric labels.
const (
	SkipRender    = "render"
	SkipNoBuffer  = "no_buffer"
	SkipRasterize = "rasterize"
	SkipPageFlip  = "page_flip"
)
