package kms

import (
	"fmt"
	"time"

	"kmstouch/internal/errors"
)

var errFake = errors.Sentinel("fake device failure")

// fakeDevice is an in-memory Device. Flips complete immediately unless
// dropFlips is set, in which case their events are held until deliverHeld.
type fakeDevice struct {
	res        Resources
	connectors map[uint32]*ConnectorInfo
	encoders   map[uint32]*EncoderInfo

	failCreateAt int // 1-based CreateBuffer call that fails, 0 = never
	failSetCrtc  bool
	failFlip     bool
	dropFlips    bool
	staleFirst   bool

	creates   int
	destroyed []uint32
	setCrtcs  []setCrtcCall
	flips     []uint32
	events    []uint64
	held      []uint64
	saved     uint32
	restored  bool
	closed    bool
	nextFb    uint32
}

type setCrtcCall struct {
	Crtc, Fb, Connector uint32
	Mode                DisplayMode
}

var _ Device = (*fakeDevice)(nil)

// newFakeDevice has one connected connector (id 10) with encoder 20 that can
// only drive the second CRTC (index 1, id 31).
func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		res: Resources{
			Crtcs:      []uint32{30, 31},
			Connectors: []uint32{9, 10},
			Encoders:   []uint32{20},
		},
		connectors: map[uint32]*ConnectorInfo{
			9: {ID: 9, State: Disconnected},
			10: {ID: 10, State: Connected, EncoderID: 20, Encoders: []uint32{20}, Modes: []DisplayMode{
				{Width: 8, Height: 4, RefreshHz: 60, Name: "8x4"},
				{Width: 16, Height: 8, RefreshHz: 60, Name: "16x8", Preferred: true},
			}},
		},
		encoders: map[uint32]*EncoderInfo{
			20: {ID: 20, PossibleCrtcs: 0b10},
		},
		nextFb: 100,
	}
}

func (d *fakeDevice) Name() string { return "fake0" }

func (d *fakeDevice) Resources() (*Resources, error) {
	r := d.res
	return &r, nil
}

func (d *fakeDevice) Connector(id uint32) (*ConnectorInfo, error) {
	c, ok := d.connectors[id]
	if !ok {
		return nil, errors.Step(errFake, fmt.Sprintf("connector %d", id), nil)
	}
	return c, nil
}

func (d *fakeDevice) Encoder(id uint32) (*EncoderInfo, error) {
	e, ok := d.encoders[id]
	if !ok {
		return nil, errors.Step(errFake, fmt.Sprintf("encoder %d", id), nil)
	}
	return e, nil
}

func (d *fakeDevice) CreateBuffer(w, h int) (*Allocation, error) {
	d.creates++
	if d.creates == d.failCreateAt {
		return nil, errFake
	}
	d.nextFb++
	return &Allocation{
		Handle: d.nextFb + 1000,
		FbID:   d.nextFb,
		Pitch:  uint32(w * 4),
		Size:   uint64(w * h * 4),
		Pixels: make([]byte, w*h*4),
	}, nil
}

func (d *fakeDevice) DestroyBuffer(a *Allocation) error {
	d.destroyed = append(d.destroyed, a.FbID)
	return nil
}

func (d *fakeDevice) SaveCrtc(id uint32) error { d.saved = id; return nil }
func (d *fakeDevice) RestoreCrtc() error       { d.restored = true; return nil }

func (d *fakeDevice) SetCrtc(crtc, fb, conn uint32, m DisplayMode) error {
	if d.failSetCrtc {
		return errFake
	}
	d.setCrtcs = append(d.setCrtcs, setCrtcCall{crtc, fb, conn, m})
	return nil
}

func (d *fakeDevice) PageFlip(crtc, fb uint32, userData uint64) error {
	if d.failFlip {
		return errFake
	}
	d.flips = append(d.flips, fb)
	if d.staleFirst {
		d.events = append(d.events, userData-1)
		d.staleFirst = false
	}
	if d.dropFlips {
		d.held = append(d.held, userData)
	} else {
		d.events = append(d.events, userData)
	}
	return nil
}

// deliverHeld queues the events of dropped flips, as a slow vblank would.
func (d *fakeDevice) deliverHeld() {
	d.events = append(d.events, d.held...)
	d.held = nil
}

func (d *fakeDevice) WaitFlip(timeout time.Duration) (uint64, error) {
	if len(d.events) == 0 {
		return 0, errors.Step(ErrFlipTimeout, "fake", nil)
	}
	v := d.events[0]
	d.events = d.events[1:]
	return v, nil
}

func (d *fakeDevice) Close() error { d.closed = true; return nil }
