package evdev

// Touch device selection.
//
// Kiosk panels expose their touch controller as one of /dev/input/eventX.
// We support:
// - listing /proc/bus/input/devices (for debugging)
// - picking the most touchscreen-looking device by name, then by capability

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"kmstouch/internal/errors"
)

var ErrNoTouchDevice = errors.Sentinel("no touch input device found")

type DeviceInfo struct {
	Name     string
	Handlers []string
	Path     string // /dev/input/eventN, empty if the device has no event handler
}

// ListDevices parses /proc/bus/input/devices.
func ListDevices() []DeviceInfo {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseProcDevices(f)
}

func parseProcDevices(r io.Reader) []DeviceInfo {
	var (
		out  []DeviceInfo
		info DeviceInfo
	)
	flush := func() {
		if info.Name != "" || len(info.Handlers) > 0 {
			out = append(out, info)
		}
		info = DeviceInfo{}
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.TrimSpace(line) == "":
			flush()
		case strings.HasPrefix(line, "N: Name="):
			info.Name = strings.Trim(strings.TrimPrefix(line, "N: Name="), " \"")
		case strings.HasPrefix(line, "H: Handlers="):
			info.Handlers = strings.Fields(strings.TrimPrefix(line, "H: Handlers="))
			for _, h := range info.Handlers {
				if strings.HasPrefix(h, "event") {
					info.Path = "/dev/input/" + h
					break
				}
			}
		}
	}
	flush()
	return out
}

var touchNameHints = []string{"touchscreen", "touch", "goodix", "gt911", "ft5x06", "ft5406", "edt-ft", "ili210", "atmel_mxt", "raspberrypi-ts", "tsc"}

func touchScore(name string) int {
	ln := strings.ToLower(name)
	score := 0
	for i, hint := range touchNameHints {
		if strings.Contains(ln, hint) {
			score += len(touchNameHints) - i
		}
	}
	// pointer devices that are not panels
	if strings.Contains(ln, "mouse") || strings.Contains(ln, "touchpad") || strings.Contains(ln, "keyboard") {
		score -= 20
	}
	return score
}

func pickTouchscreen(devs []DeviceInfo) string {
	best, bestScore := "", 0
	for _, d := range devs {
		if d.Path == "" {
			continue
		}
		if s := touchScore(d.Name); s > bestScore {
			best, bestScore = d.Path, s
		}
	}
	return best
}

// FindTouchscreen returns explicit if set, else the best named candidate,
// else the first event node reporting multi-touch positions.
func FindTouchscreen(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := pickTouchscreen(ListDevices()); p != "" {
		return p, nil
	}
	matches, _ := filepath.Glob("/dev/input/event*")
	sort.Strings(matches)
	for _, p := range matches {
		if reportsMultiTouch(p) {
			return p, nil
		}
	}
	return "", errors.Step(ErrNoTouchDevice, "scan /dev/input", nil)
}

func reportsMultiTouch(path string) bool {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	bits, err := absBits(fd)
	if err != nil {
		return false
	}
	return hasBit(bits, ABS_MT_POSITION_X) && hasBit(bits, ABS_MT_POSITION_Y)
}
