// Package diag defines the points where the display and input core report
// what happened to them: fatal startup failures, skipped frames and touch
// slot lifecycle transitions.
package diag

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/time/rate"
)

// SlotTransition is reported when a touch slot becomes active or is released.
type SlotTransition struct {
	Slot       int
	TrackingID int32
	Active     bool
}

// Sink receives diagnostics. Implementations must not block the caller.
type Sink interface {
	Fatal(step string, err error)
	FrameSkipped(reason string, err error)
	Slot(t SlotTransition)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Fatal(string, error)        {}
func (Nop) FrameSkipped(string, error) {}
func (Nop) Slot(SlotTransition)        {}

// Multi fans out to every non-nil sink.
type Multi []Sink

func (m Multi) Fatal(step string, err error) {
	for _, s := range m {
		if s != nil {
			s.Fatal(step, err)
		}
	}
}

func (m Multi) FrameSkipped(reason string, err error) {
	for _, s := range m {
		if s != nil {
			s.FrameSkipped(reason, err)
		}
	}
}

func (m Multi) Slot(t SlotTransition) {
	for _, s := range m {
		if s != nil {
			s.Slot(t)
		}
	}
}

// LogSink writes diagnostics to a slog.Logger. Frame-skip lines are
// throttled; the rest are always written.
type LogSink struct {
	logger  *slog.Logger
	limiter *rate.Limiter
	dropped int
}

// NewLogSink allows burst frame-skip lines, then one per interval.
func NewLogSink(logger *slog.Logger, interval time.Duration, burst int) *LogSink {
	if interval <= 0 {
		interval = time.Second
	}
	if burst < 1 {
		burst = 1
	}
	return &LogSink{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

func (s *LogSink) Fatal(step string, err error) {
	Log(s.logger, slog.LevelError, 3, "fatal", "step", step, "err", err)
}

func (s *LogSink) FrameSkipped(reason string, err error) {
	if !s.limiter.Allow() {
		s.dropped++
		return
	}
	args := []any{"reason", reason, "err", err}
	if s.dropped > 0 {
		args = append(args, "suppressed", s.dropped)
		s.dropped = 0
	}
	Log(s.logger, slog.LevelWarn, 3, "frame skipped", args...)
}

func (s *LogSink) Slot(t SlotTransition) {
	Log(s.logger, slog.LevelDebug, 3, "slot", "slot", t.Slot, "tracking_id", t.TrackingID, "active", t.Active)
}

// Log emits a record attributed to the caller skip frames up.
func Log(logger *slog.Logger, lvl slog.Level, skip int, msg string, args ...any) {
	if logger == nil || !logger.Enabled(context.Background(), lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(skip, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.Add(args...)
	_ = logger.Handler().Handle(context.Background(), r)
}

// IsErr logs err (each joined error separately) and reports whether it was non-nil.
func IsErr(logger *slog.Logger, lvl slog.Level, err error, args ...any) bool {
	if err == nil {
		return false
	}
	if errs, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range errs.Unwrap() {
			Log(logger, lvl, 3, e.Error(), args...)
		}
		return true
	}
	Log(logger, lvl, 3, err.Error(), args...)
	return true
}
