package main

// Demo UI: finger painting.
//
// Each slot paints in its own color. Tapping CLEAR (press and release inside
// the button) wipes the canvas. The UI only produces a draw list; pixels are
// written by softRaster.

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"kmstouch/internal/evdev"
	"kmstouch/internal/frame"
)

const maxStrokePoints = 1 << 14

var (
	background = color.RGBA{0x10, 0x12, 0x18, 0xff}
	buttonFill = color.RGBA{0x3a, 0x3f, 0x4b, 0xff}
	textColor  = color.RGBA{0xe8, 0xe8, 0xe8, 0xff}
	slotColors = []color.RGBA{
		{0xff, 0x55, 0x55, 0xff},
		{0x55, 0xd6, 0x6b, 0xff},
		{0x4d, 0x9d, 0xff, 0xff},
		{0xff, 0xc8, 0x3d, 0xff},
		{0xc7, 0x6b, 0xff, 0xff},
		{0x3d, 0xe0, 0xe0, 0xff},
	}
)

type opKind uint8

const (
	opRect opKind = iota
	opLine
	opDisc
	opText
)

type drawOp struct {
	Kind  opKind
	Color color.RGBA
	Rect  image.Rectangle // opRect
	A, B  image.Point     // opLine endpoints, opDisc center in A, opText origin in A
	Size  int             // line width or disc radius
	Text  string
}

type drawList struct {
	Clear color.RGBA
	Ops   []drawOp
}

type stroke struct {
	color color.RGBA
	pts   []image.Point
}

type paintUI struct {
	strokes  []stroke
	active   map[int]int // slot -> index into strokes
	onButton map[int]bool
	button   image.Rectangle
	points   int
	frames   int
}

func newPaintUI() *paintUI {
	return &paintUI{
		active:   map[int]int{},
		onButton: map[int]bool{},
		button:   image.Rect(8, 8, 8+72, 8+32),
	}
}

var _ frame.UIContext = (*paintUI)(nil)

func pt(ev evdev.TouchEvent) image.Point {
	return image.Pt(int(ev.X+0.5), int(ev.Y+0.5))
}

func (u *paintUI) Run(ctx context.Context, in frame.Input) (frame.Output, error) {
	u.frames++
	for _, ev := range in.Events {
		p := pt(ev)
		switch ev.Kind {
		case evdev.Press:
			if p.In(u.button) {
				u.onButton[ev.Slot] = true
				continue
			}
			u.active[ev.Slot] = len(u.strokes)
			u.strokes = append(u.strokes, stroke{color: slotColors[ev.Slot%len(slotColors)], pts: []image.Point{p}})
			u.points++
		case evdev.Move:
			if i, ok := u.active[ev.Slot]; ok && u.points < maxStrokePoints {
				u.strokes[i].pts = append(u.strokes[i].pts, p)
				u.points++
			}
		case evdev.Release:
			if u.onButton[ev.Slot] && p.In(u.button) {
				u.strokes, u.points = nil, 0
				clear(u.active)
			}
			delete(u.onButton, ev.Slot)
			delete(u.active, ev.Slot)
		}
	}
	return u.draw(in), nil
}

func (u *paintUI) draw(in frame.Input) *drawList {
	dl := &drawList{Clear: background}
	for _, s := range u.strokes {
		if len(s.pts) == 1 {
			dl.Ops = append(dl.Ops, drawOp{Kind: opDisc, Color: s.color, A: s.pts[0], Size: 3})
			continue
		}
		for i := 1; i < len(s.pts); i++ {
			dl.Ops = append(dl.Ops, drawOp{Kind: opLine, Color: s.color, A: s.pts[i-1], B: s.pts[i], Size: 5})
		}
	}
	for _, p := range in.Pointers {
		if !p.Pressed {
			continue
		}
		c := slotColors[p.Slot%len(slotColors)]
		dl.Ops = append(dl.Ops, drawOp{Kind: opDisc, Color: c, A: image.Pt(int(p.X+0.5), int(p.Y+0.5)), Size: 12})
	}
	dl.Ops = append(dl.Ops,
		drawOp{Kind: opRect, Color: buttonFill, Rect: u.button},
		drawOp{Kind: opText, Color: textColor, A: image.Pt(u.button.Min.X+15, u.button.Min.Y+21), Text: "CLEAR"},
		drawOp{Kind: opText, Color: textColor, A: image.Pt(u.button.Max.X+12, u.button.Min.Y+21),
			Text: fmt.Sprintf("%dx%d  t=%.1fs  fingers=%d", in.ScreenRect.Dx(), in.ScreenRect.Dy(), in.ElapsedSeconds(), len(in.Pointers))},
	)
	return dl
}
