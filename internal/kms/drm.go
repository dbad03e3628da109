package kms

// DRM plumbing:
// - resources, connectors, encoders, dumb buffers and SetCrtc via NeowayLabs/drm
// - page flip ioctl (not wrapped upstream) encoded with its ioctl package
// - flip-complete events read from the card fd

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
	"github.com/NeowayLabs/drm/mode"
	"golang.org/x/sys/unix"

	"kmstouch/internal/errors"
)

const (
	DRM_MODE_PAGE_FLIP_EVENT = 0x01

	DRM_EVENT_VBLANK        = 0x01
	DRM_EVENT_FLIP_COMPLETE = 0x02

	// struct drm_event {u32 type, u32 length}
	drmEventHeaderSize = 8
	// struct drm_event_vblank: header, u64 user_data, u32 tv_sec, u32 tv_usec,
	// u32 sequence, u32 crtc_id
	drmEventVblankSize = 32
)

// struct drm_mode_crtc_page_flip
type sysPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
var ioctlModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysPageFlip{})), drm.IOCTLBase, 0xB0)

type flipEvent struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CrtcID   uint32
}

// parseEvents decodes every complete drm_event in b. Unknown event types are
// skipped by their length; a truncated tail is ignored.
func parseEvents(b []byte, order binary.ByteOrder) []flipEvent {
	var out []flipEvent
	for len(b) >= drmEventHeaderSize {
		typ := order.Uint32(b[0:4])
		length := int(order.Uint32(b[4:8]))
		if length < drmEventHeaderSize || length > len(b) {
			break
		}
		if (typ == DRM_EVENT_FLIP_COMPLETE || typ == DRM_EVENT_VBLANK) && length >= drmEventVblankSize {
			out = append(out, flipEvent{
				Type:     typ,
				UserData: order.Uint64(b[8:16]),
				Sec:      order.Uint32(b[16:20]),
				Usec:     order.Uint32(b[20:24]),
				Sequence: order.Uint32(b[24:28]),
				CrtcID:   order.Uint32(b[28:32]),
			})
		}
		b = b[length:]
	}
	return out
}

// DRMDevice is a Device backed by a /dev/dri/cardN node.
type DRMDevice struct {
	file *os.File
	path string
	name string

	saved     *mode.Crtc
	savedConn uint32
	lastConn  uint32

	evbuf   []byte
	pending []uint64

	closeOnce sync.Once
}

var _ Device = (*DRMDevice)(nil)

var ErrDeviceOpen = errors.Sentinel("display device open failed")

func OpenDRM(path string) (*DRMDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Step(ErrDeviceOpen, "open "+path, err)
	}
	if !drm.HasDumbBuffer(file) {
		file.Close()
		return nil, errors.Step(ErrDeviceOpen, path+": no dumb buffer support", nil)
	}
	d := &DRMDevice{
		file:  file,
		path:  path,
		name:  path,
		evbuf: make([]byte, 1024),
	}
	if v, err := drm.GetVersion(file); err == nil && v.Name != "" {
		d.name = path + " (" + v.Name + ")"
	}
	return d, nil
}

// FindCard returns the first /dev/dri/card* node that supports dumb buffers.
func FindCard() (string, error) {
	matches, _ := filepath.Glob("/dev/dri/card*")
	sort.Strings(matches)
	for _, p := range matches {
		f, err := os.OpenFile(p, os.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			continue
		}
		ok := drm.HasDumbBuffer(f)
		f.Close()
		if ok {
			return p, nil
		}
	}
	return "", errors.Step(ErrDeviceOpen, "scan /dev/dri", nil)
}

func (d *DRMDevice) Name() string { return d.name }

func (d *DRMDevice) Resources() (*Resources, error) {
	res, err := mode.GetResources(d.file)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &Resources{Crtcs: res.Crtcs, Connectors: res.Connectors, Encoders: res.Encoders}, nil
}

func (d *DRMDevice) Connector(id uint32) (*ConnectorInfo, error) {
	c, err := mode.GetConnector(d.file, id)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	info := &ConnectorInfo{
		ID:        c.ID,
		State:     ConnectionState(c.Connection),
		EncoderID: c.EncoderID,
		Encoders:  c.Encoders,
	}
	// GetConnector always hands back at least one mode slot; a
	// disconnected connector's is zeroed.
	for _, m := range c.Modes {
		if m.Hdisplay == 0 || m.Vdisplay == 0 {
			continue
		}
		info.Modes = append(info.Modes, modeFromInfo(m))
	}
	return info, nil
}

func (d *DRMDevice) Encoder(id uint32) (*EncoderInfo, error) {
	e, err := mode.GetEncoder(d.file, id)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return &EncoderInfo{ID: e.ID, CrtcID: e.CrtcID, PossibleCrtcs: e.PossibleCrtcs}, nil
}

func (d *DRMDevice) CreateBuffer(width, height int) (*Allocation, error) {
	if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
		return nil, errors.Errorf("bad buffer size %dx%d", width, height)
	}
	fb, err := mode.CreateFB(d.file, uint16(width), uint16(height), 32)
	if err != nil {
		return nil, errors.WrapPrefix(err, "create dumb", 0)
	}
	a := &Allocation{Handle: fb.Handle, Pitch: fb.Pitch, Size: fb.Size}

	a.FbID, err = mode.AddFB(d.file, uint16(width), uint16(height), 24, 32, fb.Pitch, fb.Handle)
	if err != nil {
		_ = mode.DestroyDumb(d.file, fb.Handle)
		return nil, errors.WrapPrefix(err, "add fb", 0)
	}
	offset, err := mode.MapDumb(d.file, fb.Handle)
	if err != nil {
		_ = d.DestroyBuffer(a)
		return nil, errors.WrapPrefix(err, "map dumb", 0)
	}
	a.Pixels, err = unix.Mmap(int(d.file.Fd()), int64(offset), int(fb.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = d.DestroyBuffer(a)
		return nil, errors.WrapPrefix(err, "mmap", 0)
	}
	clear(a.Pixels)
	return a, nil
}

func (d *DRMDevice) DestroyBuffer(a *Allocation) error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.Pixels != nil {
		errs = append(errs, unix.Munmap(a.Pixels))
		a.Pixels = nil
	}
	if a.FbID != 0 {
		errs = append(errs, mode.RmFB(d.file, a.FbID))
		a.FbID = 0
	}
	errs = append(errs, mode.DestroyDumb(d.file, a.Handle))
	return errors.Join(errs...)
}

func (d *DRMDevice) SaveCrtc(crtcID uint32) error {
	c, err := mode.GetCrtc(d.file, crtcID)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	d.saved = c
	return nil
}

func (d *DRMDevice) RestoreCrtc() error {
	if d.saved == nil {
		return nil
	}
	s := d.saved
	d.saved = nil
	conn := d.lastConn
	var m *mode.Info
	if s.ModeValid != 0 {
		m = &s.Mode
	}
	if err := mode.SetCrtc(d.file, s.ID, s.BufferID, s.X, s.Y, &conn, 1, m); err != nil {
		return errors.WrapPrefix(err, "restore crtc", 0)
	}
	return nil
}

func (d *DRMDevice) SetCrtc(crtcID, fbID, connectorID uint32, m DisplayMode) error {
	conn := connectorID
	info := m.info
	if err := mode.SetCrtc(d.file, crtcID, fbID, 0, 0, &conn, 1, &info); err != nil {
		return errors.Wrap(err, 0)
	}
	d.lastConn = connectorID
	return nil
}

func (d *DRMDevice) PageFlip(crtcID, fbID uint32, userData uint64) error {
	req := &sysPageFlip{
		crtcID:   crtcID,
		fbID:     fbID,
		flags:    DRM_MODE_PAGE_FLIP_EVENT,
		userData: userData,
	}
	if err := ioctl.Do(d.file.Fd(), uintptr(ioctlModePageFlip), uintptr(unsafe.Pointer(req))); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

func (d *DRMDevice) WaitFlip(timeout time.Duration) (uint64, error) {
	deadline := time.Now().Add(timeout)
	expired := func() error {
		if time.Now().Before(deadline) {
			return nil
		}
		return errors.Step(ErrFlipTimeout, "wait flip on "+d.path, nil)
	}
	// polls at least once, so a zero timeout drains what is already queued
	for len(d.pending) == 0 {
		ms := 0
		if left := time.Until(deadline); left > 0 {
			ms = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		pfd := []unix.PollFd{{Fd: int32(d.file.Fd()), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, ms)
		if err == unix.EINTR || (err == nil && n == 0) {
			if err := expired(); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, 0)
		}
		rn, err := unix.Read(int(d.file.Fd()), d.evbuf)
		if err == unix.EAGAIN || err == unix.EINTR {
			if err := expired(); err != nil {
				return 0, err
			}
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, 0)
		}
		for _, ev := range parseEvents(d.evbuf[:rn], binary.NativeEndian) {
			if ev.Type == DRM_EVENT_FLIP_COMPLETE {
				d.pending = append(d.pending, ev.UserData)
			}
		}
	}
	v := d.pending[0]
	d.pending = d.pending[1:]
	return v, nil
}

func (d *DRMDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.file.Close()
	})
	return err
}
