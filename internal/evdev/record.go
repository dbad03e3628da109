package evdev

import (
	"encoding/binary"
	"strconv"
	"time"
)

// Record is one kernel input_event.
type Record struct {
	Time  time.Duration // seconds+microseconds of the kernel timeval
	Type  uint16
	Code  uint16
	Value int32
}

// struct input_event is a timeval followed by type, code and value. The
// timeval is two machine words, so the record is 16 bytes where words are
// 32 bits and 24 bytes where they are 64 bits.
const (
	RecordSize32 = 16
	RecordSize64 = 24
)

// NativeRecordSize is the record size of the platform the binary runs on.
const NativeRecordSize = 8 + 2*strconv.IntSize/8

// recordParser decodes records from a byte stream. Bytes of a trailing
// partial record are kept until the rest arrives.
type recordParser struct {
	buf   []byte
	size  int
	order binary.ByteOrder
}

func newRecordParser(size int) *recordParser {
	if size != RecordSize32 && size != RecordSize64 {
		size = NativeRecordSize
	}
	return &recordParser{size: size, order: binary.NativeEndian}
}

func (p *recordParser) feed(chunk []byte, cb func(Record)) {
	p.buf = append(p.buf, chunk...)
	off := 0
	for len(p.buf)-off >= p.size {
		cb(p.decode(p.buf[off : off+p.size]))
		off += p.size
	}
	// keep the remainder at the front so buf does not grow without bound
	n := copy(p.buf, p.buf[off:])
	p.buf = p.buf[:n]
}

// pending is the number of buffered bytes of an incomplete record.
func (p *recordParser) pending() int { return len(p.buf) }

func (p *recordParser) decode(ev []byte) Record {
	var sec, usec int64
	var rest []byte
	if p.size == RecordSize64 {
		sec = int64(p.order.Uint64(ev[0:8]))
		usec = int64(p.order.Uint64(ev[8:16]))
		rest = ev[16:24]
	} else {
		sec = int64(int32(p.order.Uint32(ev[0:4])))
		usec = int64(int32(p.order.Uint32(ev[4:8])))
		rest = ev[8:16]
	}
	return Record{
		Time:  time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond,
		Type:  p.order.Uint16(rest[0:2]),
		Code:  p.order.Uint16(rest[2:4]),
		Value: int32(p.order.Uint32(rest[4:8])),
	}
}

// encodeRecord is the inverse of decode; synthetic sources and tests use it
// to produce byte streams in the kernel layout.
func encodeRecord(dst []byte, size int, order binary.ByteOrder, r Record) []byte {
	sec := int64(r.Time / time.Second)
	usec := int64((r.Time % time.Second) / time.Microsecond)
	ev := make([]byte, size)
	var rest []byte
	if size == RecordSize64 {
		order.PutUint64(ev[0:8], uint64(sec))
		order.PutUint64(ev[8:16], uint64(usec))
		rest = ev[16:24]
	} else {
		order.PutUint32(ev[0:4], uint32(sec))
		order.PutUint32(ev[4:8], uint32(usec))
		rest = ev[8:16]
	}
	order.PutUint16(rest[0:2], r.Type)
	order.PutUint16(rest[2:4], r.Code)
	order.PutUint32(rest[4:8], uint32(r.Value))
	return append(dst, ev...)
}

// EncodeRecords renders records in the native kernel layout.
func EncodeRecords(records ...Record) []byte {
	var out []byte
	for _, r := range records {
		out = encodeRecord(out, NativeRecordSize, binary.NativeEndian, r)
	}
	return out
}
