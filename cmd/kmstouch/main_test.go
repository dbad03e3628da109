package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kmstouch/internal/config"
	"kmstouch/internal/errors"
	"kmstouch/internal/evdev"
	"kmstouch/internal/frame"
	"kmstouch/internal/kms"
)

func memoryController(t *testing.T, w, h int) (*kms.Controller, *kms.MemoryDevice) {
	t.Helper()
	dev := kms.NewMemoryDevice(w, h, 60)
	ctrl := kms.NewController(dev, kms.Options{})
	require.NoError(t, ctrl.Initialize())
	return ctrl, dev
}

func input(events ...evdev.TouchEvent) frame.Input {
	return frame.Input{ScreenRect: image.Rect(0, 0, 200, 100), Events: events}
}

func ev(kind evdev.Kind, slot int, x, y float64) evdev.TouchEvent {
	return evdev.TouchEvent{Kind: kind, Slot: slot, X: x, Y: y}
}

func countOps(dl *drawList, kind opKind, c color.RGBA) int {
	n := 0
	for _, op := range dl.Ops {
		if op.Kind == kind && op.Color == c {
			n++
		}
	}
	return n
}

func TestPaintStrokes(t *testing.T) {
	u := newPaintUI()
	ctx := context.Background()

	out, err := u.Run(ctx, input(ev(evdev.Press, 0, 100, 50), ev(evdev.Press, 1, 150, 60)))
	require.NoError(t, err)
	dl := out.(*drawList)
	assert.Equal(t, 1, countOps(dl, opDisc, slotColors[0]))
	assert.Equal(t, 1, countOps(dl, opDisc, slotColors[1]))

	out, err = u.Run(ctx, input(ev(evdev.Move, 0, 110, 50), ev(evdev.Move, 0, 120, 55), ev(evdev.Release, 1, 150, 60)))
	require.NoError(t, err)
	dl = out.(*drawList)
	assert.Equal(t, 2, countOps(dl, opLine, slotColors[0]))
	assert.Len(t, u.strokes, 2)
	assert.NotContains(t, u.active, 1)
}

func TestPaintClearButton(t *testing.T) {
	u := newPaintUI()
	ctx := context.Background()
	_, err := u.Run(ctx, input(ev(evdev.Press, 0, 100, 50), ev(evdev.Move, 0, 101, 51)))
	require.NoError(t, err)
	require.Len(t, u.strokes, 1)

	// press on the button, slide off: no clear
	_, _ = u.Run(ctx, input(ev(evdev.Press, 1, 20, 20)))
	_, _ = u.Run(ctx, input(ev(evdev.Release, 1, 150, 90)))
	assert.Len(t, u.strokes, 1)

	_, _ = u.Run(ctx, input(ev(evdev.Press, 1, 20, 20)))
	_, _ = u.Run(ctx, input(ev(evdev.Release, 1, 22, 21)))
	assert.Empty(t, u.strokes)
	assert.Zero(t, u.points)
}

func TestSoftRaster(t *testing.T) {
	ctrl, dev := memoryController(t, 64, 48)
	buf, err := ctrl.AcquireWritable()
	require.NoError(t, err)

	red := color.RGBA{R: 0xff, A: 0xff}
	dl := &drawList{Clear: background, Ops: []drawOp{
		{Kind: opRect, Color: red, Rect: image.Rect(0, 0, 4, 4)},
		{Kind: opLine, Color: slotColors[2], A: image.Pt(10, 30), B: image.Pt(40, 30), Size: 3},
		{Kind: opDisc, Color: slotColors[1], A: image.Pt(50, 10), Size: 4},
		{Kind: opText, Color: textColor, A: image.Pt(2, 20), Text: "Hi"},
	}}
	require.NoError(t, newSoftRaster().Rasterize(dl, buf))

	assert.Equal(t, red, buf.At(3, 3))
	assert.Equal(t, background, buf.At(5, 5))
	assert.Equal(t, slotColors[2], buf.At(25, 31), "line is 3px wide")
	assert.Equal(t, slotColors[1], buf.At(53, 10))
	assert.Equal(t, background, buf.At(55, 10))

	lit := 0
	for y := 7; y < 22; y++ {
		for x := 2; x < 16; x++ {
			if buf.At(x, y) == color.Color(textColor) {
				lit++
			}
		}
	}
	assert.Positive(t, lit, "glyphs were drawn")

	require.NoError(t, ctrl.Submit(buf))
	assert.Equal(t, 1, dev.Flips())
	assert.Error(t, newSoftRaster().Rasterize("not a draw list", buf))
}

func TestLineEndpoints(t *testing.T) {
	ctrl, _ := memoryController(t, 16, 16)
	buf, err := ctrl.AcquireWritable()
	require.NoError(t, err)
	c := color.RGBA{G: 0xff, A: 0xff}
	line(buf, image.Pt(12, 2), image.Pt(2, 12), 1, c)
	assert.Equal(t, c, buf.At(12, 2))
	assert.Equal(t, c, buf.At(7, 7))
	assert.Equal(t, c, buf.At(2, 12))
}

func TestWriteModes(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeModes(&out, kms.NewMemoryDevice(320, 240, 60)))
	s := out.String()
	assert.Contains(t, s, "memory: 1 connectors")
	assert.Contains(t, s, "connected")
	assert.Contains(t, s, "320x240@60")
	assert.Contains(t, s, "preferred")
	assert.Contains(t, s, "1(enc 3)")
}

func TestScribbleFeedsSource(t *testing.T) {
	src := evdev.NewSyntheticSource(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, scribble(ctx, src, 200, 100))

	events, err := src.ReadEvents()
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, evdev.Press, events[0].Kind)
	for _, e := range events[1:] {
		assert.Equal(t, evdev.Move, e.Kind)
		assert.InDelta(t, 100, e.X, 80)
		assert.InDelta(t, 50, e.Y, 40)
	}
}

// brokenDisplay fails the first kernel query of Initialize.
type brokenDisplay struct{ *kms.MemoryDevice }

func (brokenDisplay) Resources() (*kms.Resources, error) {
	return nil, errors.Sentinel("resources unavailable")
}

func TestControllerDiagnosticsReachMirror(t *testing.T) {
	msgs := make(chan map[string]any, 8)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var m map[string]any
			if err := c.ReadJSON(&m); err != nil {
				return
			}
			msgs <- m
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.MirrorURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dev := brokenDisplay{kms.NewMemoryDevice(64, 48, 60)}
	sinks, mir := newSinks(&cfg, logger, dev.Name())
	require.NotNil(t, mir)

	ctrl := kms.NewController(dev, kms.Options{Sink: sinks, Logger: logger})
	require.True(t, errors.Is(ctrl.Initialize(), kms.ErrDeviceOpen))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mir.Run(ctx) }()

	var got []map[string]any
	for len(got) < 2 {
		select {
		case m := <-msgs:
			got = append(got, m)
		case <-time.After(5 * time.Second):
			t.Fatalf("mirror got %v", got)
		}
	}
	assert.Equal(t, "hello", got[0]["t"])
	assert.Equal(t, "diag", got[1]["t"])
	assert.Equal(t, "fatal", got[1]["what"])
}

func TestSinksWithoutMirror(t *testing.T) {
	cfg := config.Default()
	sinks, mir := newSinks(&cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), "memory")
	assert.Nil(t, mir)
	assert.Len(t, sinks, 1)
}
