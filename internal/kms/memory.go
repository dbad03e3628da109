package kms

import (
	"sync"
	"time"

	"kmstouch/internal/errors"
)

var ErrInjected = errors.Sentinel("injected device failure")

// MemoryDevice is a Device with one connected connector, one CRTC and
// buffers in ordinary memory. Flips complete immediately. It backs headless
// runs and tests of code built on Controller.
type MemoryDevice struct {
	mu      sync.Mutex
	mode    DisplayMode
	nextFb  uint32
	allocs  map[uint32]*Allocation
	scanout uint32
	events  []uint64
	fail    int
	flips   int
}

var _ Device = (*MemoryDevice)(nil)

func NewMemoryDevice(width, height, refreshHz int) *MemoryDevice {
	return &MemoryDevice{
		mode:   DisplayMode{Width: width, Height: height, RefreshHz: refreshHz, Name: "memory", Preferred: true},
		allocs: map[uint32]*Allocation{},
	}
}

// FailFlips makes the next n PageFlip calls fail.
func (d *MemoryDevice) FailFlips(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

// Flips counts completed flips.
func (d *MemoryDevice) Flips() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flips
}

// Scanout returns a copy of the pixels currently on screen.
func (d *MemoryDevice) Scanout() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := d.allocs[d.scanout]
	if a == nil {
		return nil
	}
	return append([]byte(nil), a.Pixels...)
}

func (d *MemoryDevice) Name() string { return "memory" }

func (d *MemoryDevice) Resources() (*Resources, error) {
	return &Resources{Crtcs: []uint32{1}, Connectors: []uint32{2}, Encoders: []uint32{3}}, nil
}

func (d *MemoryDevice) Connector(id uint32) (*ConnectorInfo, error) {
	if id != 2 {
		return nil, errors.Errorf("no connector %d", id)
	}
	return &ConnectorInfo{ID: 2, State: Connected, EncoderID: 3, Encoders: []uint32{3}, Modes: []DisplayMode{d.mode}}, nil
}

func (d *MemoryDevice) Encoder(id uint32) (*EncoderInfo, error) {
	if id != 3 {
		return nil, errors.Errorf("no encoder %d", id)
	}
	return &EncoderInfo{ID: 3, CrtcID: 1, PossibleCrtcs: 1}, nil
}

func (d *MemoryDevice) CreateBuffer(w, h int) (*Allocation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFb++
	a := &Allocation{
		Handle: d.nextFb,
		FbID:   d.nextFb,
		Pitch:  uint32(w * 4),
		Size:   uint64(w * h * 4),
		Pixels: make([]byte, w*h*4),
	}
	d.allocs[a.FbID] = a
	return a, nil
}

func (d *MemoryDevice) DestroyBuffer(a *Allocation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.allocs, a.FbID)
	return nil
}

func (d *MemoryDevice) SaveCrtc(uint32) error { return nil }
func (d *MemoryDevice) RestoreCrtc() error    { return nil }

func (d *MemoryDevice) SetCrtc(crtc, fb, conn uint32, m DisplayMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanout = fb
	return nil
}

func (d *MemoryDevice) PageFlip(crtc, fb uint32, userData uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return errors.Wrap(ErrInjected, 0)
	}
	d.scanout = fb
	d.flips++
	d.events = append(d.events, userData)
	return nil
}

func (d *MemoryDevice) WaitFlip(timeout time.Duration) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return 0, errors.Step(ErrFlipTimeout, "memory", nil)
	}
	v := d.events[0]
	d.events = d.events[1:]
	return v, nil
}

func (d *MemoryDevice) Close() error { return nil }
