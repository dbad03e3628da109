package evdev

import (
	"bufio"
	"io"
	"math"
	"strconv"

	"kmstouch/internal/errors"
)

var ErrCalibration = errors.Sentinel("invalid calibration")

// Calibration is an affine map from raw device coordinates to screen pixels:
//
//	screen_x = (A*raw_x + B*raw_y + C) / Div
//	screen_y = (D*raw_x + E*raw_y + F) / Div
type Calibration struct {
	A, B, C float64
	D, E, F float64
	Div     float64
}

func Identity() Calibration {
	return Calibration{A: 1, E: 1, Div: 1}
}

// NewCalibration takes the seven values [a,b,c,d,e,f,div].
func NewCalibration(v []float64) (Calibration, error) {
	if len(v) != 7 {
		return Calibration{}, errors.Step(ErrCalibration, "want 7 values, got "+strconv.Itoa(len(v)), nil)
	}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Calibration{}, errors.Step(ErrCalibration, "non-finite coefficient", nil)
		}
	}
	if v[6] == 0 {
		return Calibration{}, errors.Step(ErrCalibration, "divisor is zero", nil)
	}
	return Calibration{A: v[0], B: v[1], C: v[2], D: v[3], E: v[4], F: v[5], Div: v[6]}, nil
}

func (c Calibration) Values() []float64 {
	return []float64{c.A, c.B, c.C, c.D, c.E, c.F, c.Div}
}

func (c Calibration) Apply(rawX, rawY int32) (x, y float64) {
	fx, fy := float64(rawX), float64(rawY)
	div := c.Div
	if div == 0 {
		div = 1
	}
	x = (c.A*fx + c.B*fy + c.C) / div
	y = (c.D*fx + c.E*fy + c.F) / div
	return x, y
}

// RangeCalibration maps the device axis ranges onto a width x height screen.
func RangeCalibration(xMin, xMax, yMin, yMax int32, width, height int) Calibration {
	dx := float64(xMax) - float64(xMin)
	dy := float64(yMax) - float64(yMin)
	if dx <= 0 {
		dx = 1
	}
	if dy <= 0 {
		dy = 1
	}
	sx := float64(max(width-1, 0)) * dy
	sy := float64(max(height-1, 0)) * dx
	return Calibration{
		A:   sx,
		C:   -float64(xMin) * sx,
		E:   sy,
		F:   -float64(yMin) * sy,
		Div: dx * dy,
	}
}

// ParsePointercal reads a tslib pointercal file: seven whitespace separated
// numbers, optionally followed by the screen resolution which is ignored.
func ParsePointercal(r io.Reader) (Calibration, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	var v []float64
	for sc.Scan() && len(v) < 7 {
		f, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return Calibration{}, errors.Step(ErrCalibration, "parse pointercal", err)
		}
		v = append(v, f)
	}
	if err := sc.Err(); err != nil {
		return Calibration{}, errors.Step(ErrCalibration, "read pointercal", err)
	}
	return NewCalibration(v)
}
