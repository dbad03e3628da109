package kms

// Graphics device boundary.
//
// Everything the controller needs from the kernel goes through Device:
// - resource enumeration (connectors, encoders, CRTCs)
// - scanout buffer allocation (dumb buffers, 32bpp XRGB)
// - mode-set, CRTC save/restore
// - page flip + flip-complete events

import (
	"fmt"
	"time"

	"github.com/NeowayLabs/drm/mode"
)

type ConnectionState uint8

const (
	Connected    ConnectionState = mode.Connected
	Disconnected ConnectionState = mode.Disconnected
	Unknown      ConnectionState = mode.UnknownConnection
)

func (s ConnectionState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// DisplayMode is one timing a connector supports.
type DisplayMode struct {
	Width, Height int
	RefreshHz     int
	Name          string
	Preferred     bool

	info mode.Info
}

func (m DisplayMode) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Width, m.Height, m.RefreshHz)
}

// FrameInterval is the scanout period, or 0 if the refresh rate is unknown.
func (m DisplayMode) FrameInterval() time.Duration {
	if m.RefreshHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(m.RefreshHz)
}

const modeTypePreferred = 1 << 3

func modeFromInfo(info mode.Info) DisplayMode {
	n := 0
	for n < len(info.Name) && info.Name[n] != 0 {
		n++
	}
	return DisplayMode{
		Width:     int(info.Hdisplay),
		Height:    int(info.Vdisplay),
		RefreshHz: int(info.Vrefresh),
		Name:      string(info.Name[:n]),
		Preferred: info.Type&modeTypePreferred != 0,
		info:      info,
	}
}

type Resources struct {
	Crtcs      []uint32
	Connectors []uint32
	Encoders   []uint32
}

type ConnectorInfo struct {
	ID        uint32
	State     ConnectionState
	EncoderID uint32 // currently bound encoder, 0 if none
	Encoders  []uint32
	Modes     []DisplayMode
}

type EncoderInfo struct {
	ID     uint32
	CrtcID uint32
	// PossibleCrtcs has bit i set when the CRTC at index i of
	// Resources.Crtcs can drive this encoder.
	PossibleCrtcs uint32
}

// Drives reports whether the CRTC at resource index i is compatible.
func (e *EncoderInfo) Drives(i int) bool {
	return i >= 0 && i < 32 && e.PossibleCrtcs&(1<<uint(i)) != 0
}

// Allocation is a scanout buffer as the device sees it.
type Allocation struct {
	Handle uint32
	FbID   uint32
	Pitch  uint32
	Size   uint64
	Pixels []byte
}

type Device interface {
	// Name identifies the device in error messages, e.g. "/dev/dri/card0 (vc4)".
	Name() string
	Resources() (*Resources, error)
	Connector(id uint32) (*ConnectorInfo, error)
	Encoder(id uint32) (*EncoderInfo, error)

	CreateBuffer(width, height int) (*Allocation, error)
	DestroyBuffer(a *Allocation) error

	SaveCrtc(crtcID uint32) error
	RestoreCrtc() error
	SetCrtc(crtcID, fbID, connectorID uint32, m DisplayMode) error

	// PageFlip schedules fbID on crtcID at the next vblank. userData comes
	// back from WaitFlip when the flip completes.
	PageFlip(crtcID, fbID uint32, userData uint64) error
	// WaitFlip blocks up to timeout for one flip-complete event. A zero
	// timeout only returns an event that is already queued.
	WaitFlip(timeout time.Duration) (uint64, error)

	Close() error
}
