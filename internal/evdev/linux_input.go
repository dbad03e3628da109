package evdev

// Linux input plumbing:
// - constants for the event codes of the multi-touch slot protocol
// - ioctl helpers for ABS ranges, capability bits, device name and EVIOCGRAB

import (
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event types
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_ABS = 0x03
)

// SYN codes
const (
	SYN_REPORT    = 0x00
	SYN_MT_REPORT = 0x02
	SYN_DROPPED   = 0x03
)

// Keys
const (
	BTN_TOUCH = 0x14A
)

// ABS axes
const (
	ABS_X        = 0x00
	ABS_Y        = 0x01
	ABS_PRESSURE = 0x18

	ABS_MT_SLOT        = 0x2F
	ABS_MT_POSITION_X  = 0x35
	ABS_MT_POSITION_Y  = 0x36
	ABS_MT_TRACKING_ID = 0x39
	ABS_MT_PRESSURE    = 0x3A

	absCount = 0x3F + 1
)

type absInfo struct {
	Value      int32
	Min        int32
	Max        int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir uint32, typ uint32, nr uint32, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

func evioCGAbs(absCode int) uintptr {
	// EVIOCGABS(abs) = _IOR('E', 0x40 + abs, struct input_absinfo)
	return ioc(iocRead, uint32('E'), uint32(0x40+absCode), uint32(unsafe.Sizeof(absInfo{})))
}

func evioCGrab() uintptr {
	// EVIOCGRAB = _IOW('E', 0x90, int)
	return ioc(iocWrite, uint32('E'), uint32(0x90), uint32(unsafe.Sizeof(int32(0))))
}

func evioCGName(length int) uintptr {
	// EVIOCGNAME(len) = _IOC(_IOC_READ, 'E', 0x06, len)
	return ioc(iocRead, uint32('E'), 0x06, uint32(length))
}

func evioCGBit(ev int, length int) uintptr {
	// EVIOCGBIT(ev, len) = _IOC(_IOC_READ, 'E', 0x20 + ev, len)
	return ioc(iocRead, uint32('E'), uint32(0x20+ev), uint32(length))
}

func getAbsInfo(fd int, absCode int) (absInfo, error) {
	var info absInfo
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evioCGAbs(absCode), uintptr(unsafe.Pointer(&info)))
	if errno != 0 {
		return absInfo{}, errno
	}
	return info, nil
}

func getDeviceName(fd int) (string, error) {
	buf := make([]byte, 256)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evioCGName(len(buf)), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return "", errno
	}
	name, _, _ := bytes.Cut(buf, []byte{0})
	return string(name), nil
}

// absBits returns the EV_ABS capability bitmap of the device.
func absBits(fd int) ([]byte, error) {
	bits := make([]byte, (absCount+7)/8)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evioCGBit(EV_ABS, len(bits)), uintptr(unsafe.Pointer(&bits[0])))
	if errno != 0 {
		return nil, errno
	}
	return bits, nil
}

func hasBit(bits []byte, code int) bool {
	if code/8 >= len(bits) {
		return false
	}
	return bits[code/8]&(1<<(code%8)) != 0
}

// resolveProtocol settles ProtocolAuto from the device's ABS capability bits.
// Slots mean protocol B. Anything else, including protocol A devices that
// report MT positions without slots, is followed through the single-touch
// axes and BTN_TOUCH.
func resolveProtocol(p Protocol, bits []byte) Protocol {
	if p != ProtocolAuto || bits == nil {
		return p
	}
	if hasBit(bits, ABS_MT_SLOT) {
		return ProtocolMT
	}
	return ProtocolSingle
}

func grab(fd int, on bool) error {
	var v int32
	if on {
		v = 1
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evioCGrab(), uintptr(v))
	if errno != 0 {
		return errno
	}
	return nil
}
