package kms

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Role is where a buffer is in the scanout cycle
// Writable -> InFlight -> Displayed -> Writable.
type Role uint8

const (
	Writable Role = iota
	InFlight
	Displayed
)

func (r Role) String() string {
	switch r {
	case Writable:
		return "writable"
	case InFlight:
		return "in-flight"
	case Displayed:
		return "displayed"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// legalTransition reports whether from -> to is allowed. InFlight -> Writable is the
// rollback of a flip the device rejected, or the release of a late flip that
// was replaced or reclaimed.
func legalTransition(from, to Role) bool {
	switch from {
	case Writable:
		return to == InFlight
	case InFlight:
		return to == Displayed || to == Writable
	case Displayed:
		return to == Writable
	}
	return false
}

// Buffer is one scanout buffer of the pool. Pixels are XRGB8888 in native
// (little-endian) byte order: B, G, R, X. Only write to a buffer returned by
// Controller.AcquireWritable, and only until it is submitted.
type Buffer struct {
	ID int

	alloc  *Allocation
	owner  *Controller
	role   Role
	width  int
	height int
}

var _ draw.Image = (*Buffer)(nil)

func newBuffer(id int, a *Allocation, w, h int, owner *Controller) *Buffer {
	return &Buffer{ID: id, alloc: a, width: w, height: h, owner: owner}
}

func (b *Buffer) FbID() uint32 { return b.alloc.FbID }
func (b *Buffer) Stride() int  { return int(b.alloc.Pitch) }
func (b *Buffer) Pix() []byte  { return b.alloc.Pixels }
func (b *Buffer) Width() int   { return b.width }
func (b *Buffer) Height() int  { return b.height }

func (b *Buffer) ColorModel() color.Model { return color.RGBAModel }

func (b *Buffer) Bounds() image.Rectangle { return image.Rect(0, 0, b.width, b.height) }

func (b *Buffer) offset(x, y int) int {
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return -1
	}
	i := y*int(b.alloc.Pitch) + x*4
	if i+4 > len(b.alloc.Pixels) {
		return -1
	}
	return i
}

func (b *Buffer) At(x, y int) color.Color {
	i := b.offset(x, y)
	if i < 0 {
		return color.RGBA{}
	}
	p := b.alloc.Pixels[i : i+4 : i+4]
	return color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff}
}

func (b *Buffer) Set(x, y int, c color.Color) {
	i := b.offset(x, y)
	if i < 0 {
		return
	}
	r, g, bl, _ := c.RGBA()
	p := b.alloc.Pixels[i : i+4 : i+4]
	p[0], p[1], p[2], p[3] = uint8(bl>>8), uint8(g>>8), uint8(r>>8), 0xff
}

// Fill paints r (clipped to the buffer) with c.
func (b *Buffer) Fill(r image.Rectangle, c color.Color) {
	r = r.Intersect(b.Bounds())
	if r.Empty() {
		return
	}
	cr, cg, cb, _ := c.RGBA()
	px := [4]byte{uint8(cb >> 8), uint8(cg >> 8), uint8(cr >> 8), 0xff}
	stride := int(b.alloc.Pitch)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := b.alloc.Pixels[y*stride+r.Min.X*4 : y*stride+r.Max.X*4]
		for x := 0; x < len(row); x += 4 {
			copy(row[x:x+4], px[:])
		}
	}
}

// BufferState is a snapshot of one pool entry.
type BufferState struct {
	ID   int
	FbID uint32
	Role Role
}
