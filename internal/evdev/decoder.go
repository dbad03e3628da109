package evdev

// Multi-touch slot decoder.
//
// Axis and key records only update slot state. Touch events are produced at
// SYN_REPORT, one per slot that changed during the packet, so a finger that
// moved in X and Y within one packet yields a single Move and never two
// half-updated positions.

import (
	"fmt"
	"time"

	"kmstouch/internal/diag"
)

type Kind uint8

const (
	Press Kind = iota + 1
	Move
	Release
)

func (k Kind) String() string {
	switch k {
	case Press:
		return "press"
	case Move:
		return "move"
	case Release:
		return "release"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// TouchEvent is one finger update, in screen coordinates.
type TouchEvent struct {
	X, Y     float64
	Pressure int32
	Kind     Kind
	Slot     int
	Time     time.Duration // kernel timestamp of the SYN_REPORT that produced it
}

// Slot is the tracked state of one contact. Coordinates are raw device units.
type Slot struct {
	Index      int
	TrackingID int32 // -1 when inactive
	RawX, RawY int32
	Pressure   int32
	Dirty      bool
	Pending    Kind
}

func (s *Slot) Active() bool { return s.TrackingID >= 0 }

func (s *Slot) reset() {
	*s = Slot{Index: s.Index, TrackingID: -1}
}

// Protocol selects how contacts are reported by the device.
type Protocol uint8

const (
	// ProtocolAuto starts in single-touch mode and switches to slots on the
	// first ABS_MT_SLOT or ABS_MT_TRACKING_ID record.
	ProtocolAuto Protocol = iota
	ProtocolMT
	ProtocolSingle
)

const DefaultSlots = 10

// Decoder turns records into touch events. Slot state lives as long as the
// decoder; it is not safe for concurrent use.
type Decoder struct {
	slots    []Slot
	cur      int
	cal      Calibration
	proto    Protocol
	mt       bool
	dropping bool
	nextID   int32
	sink     diag.Sink
}

// NewDecoder tracks n slots (DefaultSlots if n < 1).
func NewDecoder(n int, cal Calibration, proto Protocol, sink diag.Sink) *Decoder {
	if n < 1 {
		n = DefaultSlots
	}
	if sink == nil {
		sink = diag.Nop{}
	}
	d := &Decoder{
		slots: make([]Slot, n),
		cal:   cal,
		proto: proto,
		mt:    proto == ProtocolMT,
		sink:  sink,
	}
	for i := range d.slots {
		d.slots[i] = Slot{Index: i, TrackingID: -1}
	}
	return d
}

// SetCalibration takes effect for the next emitted event. Slots keep raw
// coordinates so nothing buffered is lost.
func (d *Decoder) SetCalibration(c Calibration) { d.cal = c }

func (d *Decoder) Calibration() Calibration { return d.cal }

// Slots returns a copy of the slot table.
func (d *Decoder) Slots() []Slot {
	out := make([]Slot, len(d.slots))
	copy(out, d.slots)
	return out
}

// Feed applies one record and appends any events it completes to out.
func (d *Decoder) Feed(out []TouchEvent, r Record) []TouchEvent {
	if d.dropping {
		// The packet that ends here was truncated by the kernel. Changes
		// buffered before the drop stay dirty and go out with the next
		// complete packet.
		if r.Type == EV_SYN && r.Code == SYN_REPORT {
			d.dropping = false
		}
		return out
	}
	switch r.Type {
	case EV_ABS:
		d.abs(r.Code, r.Value)
	case EV_KEY:
		if r.Code == BTN_TOUCH && !d.mt {
			d.singleTouch(r.Value != 0)
		}
	case EV_SYN:
		switch r.Code {
		case SYN_REPORT:
			out = d.sync(out, r.Time)
		case SYN_DROPPED:
			d.dropping = true
		}
	}
	return out
}

func (d *Decoder) abs(code uint16, v int32) {
	switch code {
	case ABS_MT_SLOT, ABS_MT_TRACKING_ID:
		if d.proto == ProtocolSingle {
			return
		}
		d.mt = true
	case ABS_MT_POSITION_X, ABS_MT_POSITION_Y, ABS_MT_PRESSURE:
		if !d.mt {
			// protocol A: no slots or tracking ids, the contact is
			// followed through the emulated pointer axes
			return
		}
	case ABS_X, ABS_Y, ABS_PRESSURE:
		if d.mt {
			// pointer emulation of an MT device
			return
		}
	default:
		return
	}

	if code == ABS_MT_SLOT {
		if v < 0 || int(v) >= len(d.slots) {
			d.cur = -1
			return
		}
		d.cur = int(v)
		return
	}
	slot := d.current()
	if slot == nil {
		return
	}

	switch code {
	case ABS_MT_TRACKING_ID:
		d.track(slot, v)
	case ABS_MT_POSITION_X, ABS_X:
		slot.RawX = v
		d.touched(slot)
	case ABS_MT_POSITION_Y, ABS_Y:
		slot.RawY = v
		d.touched(slot)
	case ABS_MT_PRESSURE, ABS_PRESSURE:
		slot.Pressure = v
		d.touched(slot)
	}
}

func (d *Decoder) current() *Slot {
	if d.mt {
		if d.cur < 0 || d.cur >= len(d.slots) {
			return nil
		}
		return &d.slots[d.cur]
	}
	return &d.slots[0]
}

func (d *Decoder) track(slot *Slot, id int32) {
	if id >= 0 {
		if !slot.Active() {
			slot.Pending = Press
		}
		slot.TrackingID = id
		slot.Dirty = true
		return
	}
	if slot.Pending == Press {
		// pressed and lifted within one packet: nothing reached the screen
		slot.reset()
		return
	}
	if !slot.Active() {
		return
	}
	slot.TrackingID = -1
	slot.Pending = Release
	slot.Dirty = true
}

// touched marks an axis update. Inactive slots only store the raw value; the
// tracking id that activates them may still follow in this packet.
func (d *Decoder) touched(slot *Slot) {
	if !slot.Active() && slot.Pending != Release {
		return
	}
	slot.Dirty = true
	if slot.Pending == 0 {
		slot.Pending = Move
	}
}

func (d *Decoder) singleTouch(down bool) {
	slot := &d.slots[0]
	if down {
		if slot.Active() {
			return
		}
		d.track(slot, d.nextID)
		d.nextID = (d.nextID + 1) & 0x7fffffff
		return
	}
	d.track(slot, -1)
}

func (d *Decoder) sync(out []TouchEvent, ts time.Duration) []TouchEvent {
	for i := range d.slots {
		slot := &d.slots[i]
		if !slot.Dirty {
			continue
		}
		kind := slot.Pending
		if kind == 0 {
			kind = Move
		}
		x, y := d.cal.Apply(slot.RawX, slot.RawY)
		out = append(out, TouchEvent{
			X:        x,
			Y:        y,
			Pressure: slot.Pressure,
			Kind:     kind,
			Slot:     slot.Index,
			Time:     ts,
		})
		switch kind {
		case Press:
			d.sink.Slot(diag.SlotTransition{Slot: slot.Index, TrackingID: slot.TrackingID, Active: true})
		case Release:
			d.sink.Slot(diag.SlotTransition{Slot: slot.Index, TrackingID: -1, Active: false})
			slot.reset()
			continue
		}
		slot.Dirty = false
		slot.Pending = 0
	}
	return out
}
