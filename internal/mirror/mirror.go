// Package mirror streams touch events and diagnostics of a running panel to
// a remote WebSocket endpoint, for watching a kiosk from a desk. Publishing
// never blocks; when the link is down or slow, messages are dropped and
// counted.
package mirror

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kmstouch/internal/diag"
	"kmstouch/internal/evdev"
)

type outTouch struct {
	T       string  `json:"t"`
	Session string  `json:"session"`
	Slot    int     `json:"slot"`
	Kind    string  `json:"kind"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	P       int32   `json:"p"`
	TS      int64   `json:"ts"`
}

type outDiag struct {
	T       string `json:"t"`
	Session string `json:"session"`
	What    string `json:"what"`
	Detail  string `json:"detail"`
}

type outHello struct {
	T       string `json:"t"`
	Session string `json:"session"`
	Device  string `json:"device,omitempty"`
	Width   int    `json:"w,omitempty"`
	Height  int    `json:"h,omitempty"`
}

type Options struct {
	PingEvery  time.Duration // default 2s
	PongWait   time.Duration // default 8s
	Queue      int           // default 256
	MinBackoff time.Duration // default 500ms
	MaxBackoff time.Duration // default 5s
	Device     string
	Width      int
	Height     int
	Logger     *slog.Logger
}

type Mirror struct {
	url     string
	session string
	opts    Options
	out     chan any

	mu     sync.Mutex
	width  int
	height int

	sent    atomic.Int64
	dropped atomic.Int64
}

var _ diag.Sink = (*Mirror)(nil)

func New(url string, opts Options) *Mirror {
	if opts.PingEvery <= 0 {
		opts.PingEvery = 2 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 8 * time.Second
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = max(5*time.Second, opts.MinBackoff)
	}
	return &Mirror{
		url:     url,
		session: uuid.NewString(),
		opts:    opts,
		out:     make(chan any, opts.Queue),
		width:   opts.Width,
		height:  opts.Height,
	}
}

// SetScreen sets the size announced in the hello of every later connection.
// The mirror is usually created before the display mode is known.
func (m *Mirror) SetScreen(width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.width, m.height = width, height
}

func (m *Mirror) Session() string { return m.session }
func (m *Mirror) Sent() int64     { return m.sent.Load() }
func (m *Mirror) Dropped() int64  { return m.dropped.Load() }

func (m *Mirror) publish(v any) {
	select {
	case m.out <- v:
	default:
		m.dropped.Add(1)
	}
}

// Touch queues events for sending.
func (m *Mirror) Touch(events []evdev.TouchEvent) {
	for _, ev := range events {
		m.publish(outTouch{
			T:       "touch",
			Session: m.session,
			Slot:    ev.Slot,
			Kind:    ev.Kind.String(),
			X:       ev.X,
			Y:       ev.Y,
			P:       ev.Pressure,
			TS:      ev.Time.Milliseconds(),
		})
	}
}

func (m *Mirror) diag(what, detail string) {
	m.publish(outDiag{T: "diag", Session: m.session, What: what, Detail: detail})
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (m *Mirror) Fatal(step string, err error) {
	m.diag("fatal", step+": "+errText(err))
}

func (m *Mirror) FrameSkipped(reason string, err error) {
	m.diag("frame_skip", reason+": "+errText(err))
}

func (m *Mirror) Slot(t diag.SlotTransition) {
	state := "up"
	if t.Active {
		state = "down"
	}
	m.diag("slot", state+" slot="+strconv.Itoa(t.Slot)+" id="+strconv.Itoa(int(t.TrackingID)))
}

// Run keeps a connection up and drains the queue until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	delay := m.opts.MinBackoff
	for {
		ws, err := dialWS(ctx, m.url, m.opts.PingEvery, m.opts.PongWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			j := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
			diag.Log(m.opts.Logger, slog.LevelWarn, 2, "mirror connect failed", "url", m.url, "retry_in", delay+j, "err", err)
			if !sleepCtx(ctx, delay+j) {
				return nil
			}
			delay = time.Duration(math.Min(float64(m.opts.MaxBackoff), float64(delay)*1.7))
			continue
		}

		diag.Log(m.opts.Logger, slog.LevelInfo, 2, "mirror connected", "url", m.url, "session", m.session)
		delay = m.opts.MinBackoff
		err = m.pump(ctx, ws)
		ws.Close()
		if ctx.Err() != nil {
			return nil
		}
		diag.Log(m.opts.Logger, slog.LevelWarn, 2, "mirror disconnected",
			"sent", m.sent.Load(), "dropped", m.dropped.Load(), "retry_in", delay, "err", err)
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
}

func (m *Mirror) pump(ctx context.Context, ws *wsConn) error {
	m.mu.Lock()
	hello := outHello{T: "hello", Session: m.session, Device: m.opts.Device, Width: m.width, Height: m.height}
	m.mu.Unlock()
	if err := ws.WriteJSON(hello); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-ws.Err():
			return err
		case msg := <-m.out:
			if err := ws.WriteJSON(msg); err != nil {
				return err
			}
			m.sent.Add(1)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
