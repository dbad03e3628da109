package main

import (
	"context"
	"math"
	"time"

	"kmstouch/internal/evdev"
)

// scribble feeds a finger tracing a slowly rotating figure into src, lifting
// it every few seconds, until ctx is done.
func scribble(ctx context.Context, src *evdev.SyntheticSource, width, height int) error {
	const (
		step     = 15 * time.Millisecond
		strokeOn = 3 * time.Second
		pause    = 500 * time.Millisecond
	)
	cx, cy := float64(width)/2, float64(height)/2
	r := math.Min(cx, cy) * 0.7
	id := int32(0)
	t := time.NewTicker(step)
	defer t.Stop()

	for n := 0; ; n++ {
		start := time.Now()
		down := false
		for time.Since(start) < strokeOn {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			a := time.Since(start).Seconds()*2 + float64(n)*0.7
			x := cx + r*math.Cos(a)*math.Cos(a*0.37)
			y := cy + r*math.Sin(a)
			recs := []evdev.Record{{Type: evdev.EV_ABS, Code: evdev.ABS_MT_SLOT, Value: 0}}
			if !down {
				recs = append(recs, evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_TRACKING_ID, Value: id})
				id++
				down = true
			}
			recs = append(recs,
				evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_POSITION_X, Value: int32(x)},
				evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_POSITION_Y, Value: int32(y)},
				evdev.Record{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
			)
			src.Push(recs...)
		}
		src.Push(
			evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_SLOT, Value: 0},
			evdev.Record{Type: evdev.EV_ABS, Code: evdev.ABS_MT_TRACKING_ID, Value: -1},
			evdev.Record{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT},
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}
}
