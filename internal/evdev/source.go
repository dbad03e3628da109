package evdev

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"kmstouch/internal/diag"
	"kmstouch/internal/errors"
)

var (
	ErrDeviceOpen = errors.Sentinel("touch device open failed")
	ErrDeviceLost = errors.Sentinel("touch device lost")
)

// Source produces touch events.
type Source interface {
	// ReadEvents drains whatever the device has buffered without blocking.
	ReadEvents() ([]TouchEvent, error)
	// WaitForEvents blocks up to timeout for input, then drains it. A
	// timeout returns an empty slice and no error.
	WaitForEvents(timeout time.Duration) ([]TouchEvent, error)
	Close() error
}

// KernelOptions configure OpenKernelSource.
type KernelOptions struct {
	// Calibration overrides the mapping derived from the device axis ranges.
	Calibration *Calibration
	// Screen size used to derive a calibration when none is given.
	ScreenWidth, ScreenHeight int
	Grab                      bool
	Protocol                  Protocol
	RecordSize                int
	Sink                      diag.Sink
	Logger                    *slog.Logger
	DumpEvents                bool
}

// KernelSource reads an evdev character device.
type KernelSource struct {
	fd      int
	path    string
	name    string
	grabbed bool

	parser *recordParser
	dec    *Decoder
	chunk  []byte
	logger *slog.Logger
	dump   bool

	closeOnce sync.Once
}

var _ Source = (*KernelSource)(nil)

func OpenKernelSource(path string, opts KernelOptions) (*KernelSource, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Step(ErrDeviceOpen, "open "+path, err)
	}

	slots := DefaultSlots
	curSlot := 0
	bits, _ := absBits(fd)
	proto := resolveProtocol(opts.Protocol, bits)
	if info, err := getAbsInfo(fd, ABS_MT_SLOT); err == nil && info.Max > 0 {
		slots = int(info.Max) + 1
		curSlot = int(info.Value)
	}

	cal := Identity()
	if opts.Calibration != nil {
		cal = *opts.Calibration
	} else if opts.ScreenWidth > 0 && opts.ScreenHeight > 0 {
		cal = rangeCalibration(fd, proto, opts.ScreenWidth, opts.ScreenHeight)
	}

	s := newKernelSource(fd, path, NewDecoder(slots, cal, proto, opts.Sink), opts)
	s.dec.cur = curSlot
	if name, err := getDeviceName(fd); err == nil {
		s.name = name
	}
	if opts.Grab {
		if err := grab(fd, true); err != nil {
			diag.Log(s.logger, slog.LevelWarn, 2, "grab failed", "device", path, "err", err)
		} else {
			s.grabbed = true
		}
	}
	diag.Log(s.logger, slog.LevelInfo, 2, "opened touch device",
		"device", path, "name", s.name, "slots", slots, "record_size", s.parser.size)
	return s, nil
}

func newKernelSource(fd int, path string, dec *Decoder, opts KernelOptions) *KernelSource {
	return &KernelSource{
		fd:     fd,
		path:   path,
		parser: newRecordParser(opts.RecordSize),
		dec:    dec,
		chunk:  make([]byte, 4096),
		logger: opts.Logger,
		dump:   opts.DumpEvents,
	}
}

func rangeCalibration(fd int, proto Protocol, w, h int) Calibration {
	xCode, yCode := ABS_MT_POSITION_X, ABS_MT_POSITION_Y
	if proto == ProtocolSingle {
		xCode, yCode = ABS_X, ABS_Y
	}
	x, errX := getAbsInfo(fd, xCode)
	y, errY := getAbsInfo(fd, yCode)
	if errX != nil || errY != nil || x.Max <= x.Min || y.Max <= y.Min {
		return Identity()
	}
	return RangeCalibration(x.Min, x.Max, y.Min, y.Max, w, h)
}

func (s *KernelSource) Path() string { return s.path }
func (s *KernelSource) Name() string { return s.name }

func (s *KernelSource) Decoder() *Decoder { return s.dec }

func (s *KernelSource) ReadEvents() ([]TouchEvent, error) {
	var out []TouchEvent
	for {
		n, err := unix.Read(s.fd, s.chunk)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return out, nil
			}
			if err == unix.ENODEV {
				return out, errors.Step(ErrDeviceLost, "read "+s.path, err)
			}
			return out, errors.Wrap(err, 0)
		}
		if n == 0 {
			return out, errors.Step(ErrDeviceLost, "read "+s.path, nil)
		}
		s.parser.feed(s.chunk[:n], func(r Record) {
			if s.dump {
				diag.Log(s.logger, slog.LevelDebug, 3, "ev", "type", r.Type, "code", r.Code, "value", r.Value)
			}
			out = s.dec.Feed(out, r)
		})
	}
}

func (s *KernelSource) WaitForEvents(timeout time.Duration) ([]TouchEvent, error) {
	ms := pollMillis(timeout)
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, 0)
	}
	if n == 0 {
		return nil, nil
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return nil, errors.Step(ErrDeviceLost, "poll "+s.path, nil)
	}
	return s.ReadEvents()
}

// pollMillis rounds timeout up to whole milliseconds. Negative timeouts
// become 0, since poll treats a negative value as no timeout at all.
func pollMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}

func (s *KernelSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.grabbed {
			_ = grab(s.fd, false)
		}
		err = unix.Close(s.fd)
	})
	return err
}

// SyntheticSource replays scripted records through a real Decoder. Tests and
// the demo mode use it in place of a device.
type SyntheticSource struct {
	mu     sync.Mutex
	queue  [][]byte
	parser *recordParser
	dec    *Decoder
	sleep  func(time.Duration)
	closed bool
}

var _ Source = (*SyntheticSource)(nil)

func NewSyntheticSource(dec *Decoder) *SyntheticSource {
	if dec == nil {
		dec = NewDecoder(DefaultSlots, Identity(), ProtocolMT, nil)
	}
	return &SyntheticSource{
		parser: newRecordParser(NativeRecordSize),
		dec:    dec,
		sleep:  time.Sleep,
	}
}

// Push queues one read's worth of records.
func (s *SyntheticSource) Push(records ...Record) {
	s.PushBytes(EncodeRecords(records...))
}

// PushBytes queues raw bytes, which may split records anywhere.
func (s *SyntheticSource) PushBytes(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, b)
}

func (s *SyntheticSource) Decoder() *Decoder { return s.dec }

func (s *SyntheticSource) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *SyntheticSource) ReadEvents() ([]TouchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Step(ErrDeviceLost, "synthetic source closed", nil)
	}
	var out []TouchEvent
	for _, chunk := range s.queue {
		s.parser.feed(chunk, func(r Record) {
			out = s.dec.Feed(out, r)
		})
	}
	s.queue = s.queue[:0]
	return out, nil
}

func (s *SyntheticSource) WaitForEvents(timeout time.Duration) ([]TouchEvent, error) {
	if !s.pending() {
		s.sleep(timeout)
		if !s.pending() {
			return nil, nil
		}
	}
	return s.ReadEvents()
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
