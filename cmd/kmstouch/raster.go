package main

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"kmstouch/internal/errors"
	"kmstouch/internal/frame"
	"kmstouch/internal/kms"
)

// softRaster paints a drawList into a scanout buffer on the CPU.
type softRaster struct {
	face font.Face
}

var _ frame.Rasterizer = softRaster{}

func newSoftRaster() softRaster { return softRaster{face: basicfont.Face7x13} }

func (r softRaster) Rasterize(out frame.Output, dst *kms.Buffer) error {
	dl, ok := out.(*drawList)
	if !ok {
		return errors.Errorf("rasterize: unexpected output %T", out)
	}
	dst.Fill(dst.Bounds(), dl.Clear)
	for _, op := range dl.Ops {
		switch op.Kind {
		case opRect:
			dst.Fill(op.Rect, op.Color)
		case opLine:
			line(dst, op.A, op.B, op.Size, op.Color)
		case opDisc:
			disc(dst, op.A, op.Size, op.Color)
		case opText:
			d := font.Drawer{
				Dst:  dst,
				Src:  image.NewUniform(op.Color),
				Face: r.face,
				Dot:  fixed.P(op.A.X, op.A.Y),
			}
			d.DrawString(op.Text)
		}
	}
	return nil
}

// line draws a Bresenham line with square caps of width w.
func line(dst *kms.Buffer, a, b image.Point, w int, c color.Color) {
	half := max(w/2, 0)
	dx, dy := abs(b.X-a.X), -abs(b.Y-a.Y)
	sx, sy := sign(b.X-a.X), sign(b.Y-a.Y)
	e := dx + dy
	for {
		dst.Fill(image.Rect(a.X-half, a.Y-half, a.X+half+1, a.Y+half+1), c)
		if a == b {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			a.X += sx
		}
		if e2 <= dx {
			e += dx
			a.Y += sy
		}
	}
}

func disc(dst *kms.Buffer, ctr image.Point, rad int, c color.Color) {
	for y := -rad; y <= rad; y++ {
		x := 0
		for (x+1)*(x+1)+y*y <= rad*rad {
			x++
		}
		dst.Fill(image.Rect(ctr.X-x, ctr.Y+y, ctr.X+x+1, ctr.Y+y+1), c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
