package kms

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"kmstouch/internal/diag"
	"kmstouch/internal/errors"
)

var (
	ErrNoConnector       = errors.Sentinel("no connected connector")
	ErrNoMode            = errors.Sentinel("connector advertises no modes")
	ErrNoCompatibleCrtc  = errors.Sentinel("no crtc compatible with connector encoders")
	ErrBufferAlloc       = errors.Sentinel("scanout buffer allocation failed")
	ErrModeSet           = errors.Sentinel("mode set failed")
	ErrPageFlip          = errors.Sentinel("page flip failed")
	ErrFlipTimeout       = errors.Sentinel("page flip did not complete")
	ErrNoBufferAvailable = errors.Sentinel("no writable buffer available")
	ErrRoleTransition    = errors.Sentinel("illegal buffer role transition")
	ErrNotInitialized    = errors.Sentinel("display controller not initialized")
)

const (
	DefaultBuffers     = 2
	MaxBuffers         = 4
	DefaultFlipTimeout = 100 * time.Millisecond
)

type ModePolicy uint8

const (
	// FirstMode takes the first mode the connector advertises.
	FirstMode ModePolicy = iota
	// PreferredMode takes the mode flagged preferred, else the first.
	PreferredMode
	// LargestMode takes the largest area, then the highest refresh.
	LargestMode
)

func (p ModePolicy) String() string {
	switch p {
	case FirstMode:
		return "first"
	case PreferredMode:
		return "preferred"
	case LargestMode:
		return "largest"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

func ParseModePolicy(s string) (ModePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first":
		return FirstMode, nil
	case "preferred":
		return PreferredMode, nil
	case "largest":
		return LargestMode, nil
	}
	return FirstMode, errors.Errorf("unknown mode policy %q (want first, preferred or largest)", s)
}

func (p ModePolicy) pick(modes []DisplayMode) DisplayMode {
	best := modes[0]
	switch p {
	case PreferredMode:
		for _, m := range modes {
			if m.Preferred {
				return m
			}
		}
	case LargestMode:
		for _, m := range modes[1:] {
			a, b := m.Width*m.Height, best.Width*best.Height
			if a > b || (a == b && m.RefreshHz > best.RefreshHz) {
				best = m
			}
		}
	}
	return best
}

type Options struct {
	Buffers     int           // pool size, DefaultBuffers if < 2, at most MaxBuffers
	FlipTimeout time.Duration // DefaultFlipTimeout if 0
	ModePolicy  ModePolicy
	Sink        diag.Sink
	Logger      *slog.Logger
}

// lateFlip is a flip the device accepted whose completion event missed the
// timeout. Its buffer stays InFlight until the event arrives.
type lateFlip struct {
	buf *Buffer
	seq uint64
	at  time.Time
}

// Controller owns the device and its buffer pool for its whole lifetime.
// It is the only writer of CRTC state.
type Controller struct {
	dev  Device
	opts Options
	sink diag.Sink

	mu        sync.Mutex
	ready     bool
	closed    bool
	mode      DisplayMode
	connector uint32
	crtc      uint32
	buffers   []*Buffer
	displayed int
	seq       uint64
	late      []lateFlip


	// test hook, called with mu held
	onTransition func(id int, from, to Role)
}

func NewController(dev Device, opts Options) *Controller {
	if opts.Buffers < 2 {
		opts.Buffers = DefaultBuffers
	}
	opts.Buffers = min(opts.Buffers, MaxBuffers)
	if opts.FlipTimeout <= 0 {
		opts.FlipTimeout = DefaultFlipTimeout
	}
	sink := opts.Sink
	if sink == nil {
		sink = diag.Nop{}
	}
	return &Controller{dev: dev, opts: opts, sink: sink}
}

func (c *Controller) fatal(kind error, step string, cause error) error {
	err := errors.Step(kind, step+" on "+c.dev.Name(), cause)
	c.sink.Fatal(step, err)
	return err
}

// Initialize picks connector, mode and CRTC, allocates the pool and sets the
// mode with the first buffer. Every failure is fatal.
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}

	res, err := c.dev.Resources()
	if err != nil {
		return c.fatal(ErrDeviceOpen, "get resources", err)
	}

	conn, err := c.pickConnector(res)
	if err != nil {
		return err
	}
	if len(conn.Modes) == 0 {
		return c.fatal(ErrNoMode, fmt.Sprintf("connector %d modes", conn.ID), nil)
	}
	m := c.opts.ModePolicy.pick(conn.Modes)

	crtc, err := c.pickCrtc(res, conn)
	if err != nil {
		return err
	}

	bufs := make([]*Buffer, 0, c.opts.Buffers)
	for i := 0; i < c.opts.Buffers; i++ {
		a, err := c.dev.CreateBuffer(m.Width, m.Height)
		if err != nil {
			c.destroy(bufs)
			return c.fatal(ErrBufferAlloc, fmt.Sprintf("allocate buffer %d/%d %s", i+1, c.opts.Buffers, m), err)
		}
		bufs = append(bufs, newBuffer(i, a, m.Width, m.Height, c))
	}

	if err := c.dev.SaveCrtc(crtc); err != nil {
		diag.Log(c.opts.Logger, slog.LevelWarn, 2, "cannot save crtc, it will not be restored", "crtc", crtc, "err", err)
	}
	if err := c.dev.SetCrtc(crtc, bufs[0].FbID(), conn.ID, m); err != nil {
		c.destroy(bufs)
		return c.fatal(ErrModeSet, fmt.Sprintf("set crtc %d connector %d %s", crtc, conn.ID, m), err)
	}

	bufs[0].role = Displayed
	c.buffers = bufs
	c.displayed = 0
	c.mode = m
	c.connector = conn.ID
	c.crtc = crtc
	c.ready = true
	diag.Log(c.opts.Logger, slog.LevelInfo, 2, "display ready",
		"device", c.dev.Name(), "connector", conn.ID, "crtc", crtc, "mode", m.String(), "buffers", len(bufs))
	return nil
}

func (c *Controller) pickConnector(res *Resources) (*ConnectorInfo, error) {
	for _, id := range res.Connectors {
		info, err := c.dev.Connector(id)
		if err != nil {
			diag.Log(c.opts.Logger, slog.LevelDebug, 2, "skip connector", "connector", id, "err", err)
			continue
		}
		if info.State == Connected {
			return info, nil
		}
	}
	return nil, c.fatal(ErrNoConnector, fmt.Sprintf("scan %d connectors", len(res.Connectors)), nil)
}

// pickCrtc returns the first CRTC, in resource order, that any encoder of
// the connector can drive. The currently bound encoder is consulted first.
func (c *Controller) pickCrtc(res *Resources, conn *ConnectorInfo) (uint32, error) {
	var encs []*EncoderInfo
	seen := map[uint32]bool{}
	for _, id := range append([]uint32{conn.EncoderID}, conn.Encoders...) {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		enc, err := c.dev.Encoder(id)
		if err != nil {
			diag.Log(c.opts.Logger, slog.LevelDebug, 2, "skip encoder", "encoder", id, "err", err)
			continue
		}
		encs = append(encs, enc)
	}
	for i, crtc := range res.Crtcs {
		for _, enc := range encs {
			if enc.Drives(i) {
				return crtc, nil
			}
		}
	}
	return 0, c.fatal(ErrNoCompatibleCrtc, fmt.Sprintf("match %d crtcs to connector %d", len(res.Crtcs), conn.ID), nil)
}

func (c *Controller) destroy(bufs []*Buffer) {
	for _, b := range bufs {
		if err := c.dev.DestroyBuffer(b.alloc); err != nil {
			diag.Log(c.opts.Logger, slog.LevelWarn, 2, "destroy buffer", "buffer", b.ID, "err", err)
		}
	}
}

// setRole moves b to role, enforcing the cycle. mu must be held.
func (c *Controller) setRole(b *Buffer, to Role) error {
	from := b.role
	if !legalTransition(from, to) {
		return errors.Step(ErrRoleTransition, fmt.Sprintf("buffer %d %s -> %s", b.ID, from, to), nil)
	}
	b.role = to
	if c.onTransition != nil {
		c.onTransition(b.ID, from, to)
	}
	return nil
}

// AcquireWritable returns the next writable buffer after the displayed one.
// It never blocks. Buffers of late flips are skipped until they land.
func (c *Controller) AcquireWritable() (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		return nil, errors.Step(ErrNotInitialized, "acquire", nil)
	}
	c.reap()
	n := len(c.buffers)
	for k := 1; k <= n; k++ {
		b := c.buffers[(c.displayed+k)%n]
		if b.role == Writable {
			return b, nil
		}
	}
	return nil, errors.Step(ErrNoBufferAvailable, fmt.Sprintf("pool of %d, %d late flips", n, len(c.late)), nil)
}

// reap lands late flips whose events are already queued. A late flip older
// than ten flip timeouts is given up: the displayed buffer is set again,
// which leaves nothing pending on the CRTC. mu must be held.
func (c *Controller) reap() {
	for len(c.late) > 0 {
		got, err := c.dev.WaitFlip(0)
		if err != nil {
			break
		}
		if !c.land(got) {
			diag.Log(c.opts.Logger, slog.LevelDebug, 2, "unknown flip event", "got", got)
		}
	}
	if len(c.late) == 0 || time.Since(c.late[0].at) < 10*c.opts.FlipTimeout {
		return
	}
	front := c.buffers[c.displayed]
	if err := c.dev.SetCrtc(c.crtc, front.FbID(), c.connector, c.mode); err != nil {
		diag.Log(c.opts.Logger, slog.LevelWarn, 2, "cannot reclaim late flips", "crtc", c.crtc, "err", err)
		return
	}
	diag.Log(c.opts.Logger, slog.LevelWarn, 2, "reclaimed late flips", "crtc", c.crtc, "count", len(c.late))
	for _, l := range c.late {
		_ = c.setRole(l.buf, Writable)
	}
	c.late = nil
}

// land completes the late flip with sequence seq. Older late flips were
// scanned out and replaced in the meantime, so they become Writable.
// mu must be held.
func (c *Controller) land(seq uint64) bool {
	for i, l := range c.late {
		if l.seq != seq {
			continue
		}
		for _, older := range c.late[:i] {
			_ = c.setRole(older.buf, Writable)
		}
		c.late = append([]lateFlip(nil), c.late[i+1:]...)
		c.show(l.buf)
		diag.Log(c.opts.Logger, slog.LevelDebug, 2, "late flip landed", "buffer", l.buf.ID, "seq", seq)
		return true
	}
	return false
}

// show makes buf, which must be InFlight, the displayed buffer. mu must be held.
func (c *Controller) show(buf *Buffer) {
	prev := c.buffers[c.displayed]
	if prev != buf {
		_ = c.setRole(prev, Writable)
	}
	_ = c.setRole(buf, Displayed)
	c.displayed = buf.ID
}

// Submit flips buf onto the screen and returns once the flip completed.
// If the device rejects the flip, buf goes back to Writable. If the flip
// was accepted but did not complete in time, buf stays InFlight until its
// event arrives. Either way the previous frame stays up and ErrPageFlip is
// returned.
func (c *Controller) Submit(buf *Buffer) error {
	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return errors.Step(ErrNotInitialized, "submit", nil)
	}
	if buf == nil || buf.owner != c {
		c.mu.Unlock()
		return errors.Step(ErrRoleTransition, "submit buffer not from this pool", nil)
	}
	if err := c.setRole(buf, InFlight); err != nil {
		c.mu.Unlock()
		return err
	}
	c.seq++
	seq := c.seq
	crtc := c.crtc
	c.mu.Unlock()

	accepted, err := c.flip(crtc, buf, seq)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err != nil && accepted:
		c.late = append(c.late, lateFlip{buf: buf, seq: seq, at: time.Now()})
		return err
	case err != nil:
		_ = c.setRole(buf, Writable)
		return err
	}
	// every late flip was queued before this one and has been replaced
	for _, l := range c.late {
		_ = c.setRole(l.buf, Writable)
	}
	c.late = nil
	c.show(buf)
	return nil
}

// flip reports whether the device accepted the flip, and an error unless it
// also completed before the timeout.
func (c *Controller) flip(crtc uint32, buf *Buffer, seq uint64) (bool, error) {
	step := fmt.Sprintf("flip crtc %d to buffer %d", crtc, buf.ID)
	if err := c.dev.PageFlip(crtc, buf.FbID(), seq); err != nil {
		return false, errors.Step(ErrPageFlip, step, err)
	}
	deadline := time.Now().Add(c.opts.FlipTimeout)
	for {
		got, err := c.dev.WaitFlip(time.Until(deadline))
		if err != nil {
			return true, errors.Step(ErrPageFlip, step, err)
		}
		if got == seq {
			return true, nil
		}
		c.mu.Lock()
		landed := c.land(got)
		c.mu.Unlock()
		if !landed {
			diag.Log(c.opts.Logger, slog.LevelDebug, 2, "stale flip event", "want", seq, "got", got)
		}
		if !time.Now().Before(deadline) {
			return true, errors.Step(ErrPageFlip, step, errors.Step(ErrFlipTimeout, "stale events only", nil))
		}
	}
}

// Mode is the mode chosen by Initialize.
func (c *Controller) Mode() DisplayMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) DeviceName() string { return c.dev.Name() }

// Buffers snapshots the pool in buffer id order.
func (c *Controller) Buffers() []BufferState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BufferState, len(c.buffers))
	for i, b := range c.buffers {
		out[i] = BufferState{ID: b.ID, FbID: b.FbID(), Role: b.role}
	}
	return out
}

// Close restores the saved CRTC, frees the pool and closes the device.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	if c.ready {
		errs = append(errs, c.dev.RestoreCrtc())
		for _, b := range c.buffers {
			errs = append(errs, c.dev.DestroyBuffer(b.alloc))
		}
		c.buffers = nil
		c.late = nil
		c.ready = false
	}
	errs = append(errs, c.dev.Close())
	return errors.Join(errs...)
}
