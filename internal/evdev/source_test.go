package evdev

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"kmstouch/internal/errors"
)

func touchPacket(slot, id, x, y int32) []Record {
	return []Record{
		abs(ABS_MT_SLOT, slot), abs(ABS_MT_TRACKING_ID, id),
		abs(ABS_MT_POSITION_X, x), abs(ABS_MT_POSITION_Y, y), syn(),
	}
}

func pipeSource(t *testing.T) (*KernelSource, int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	src := newKernelSource(fds[0], "pipe", NewDecoder(4, Identity(), ProtocolMT, nil), KernelOptions{})
	t.Cleanup(func() {
		_ = src.Close()
		_ = unix.Close(fds[1])
	})
	return src, fds[1]
}

func TestKernelSourceWaitTimeout(t *testing.T) {
	src, _ := pipeSource(t)

	const timeout = 50 * time.Millisecond
	start := time.Now()
	events, err := src.WaitForEvents(timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, elapsed, timeout-5*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestKernelSourceNegativeTimeoutDoesNotBlock(t *testing.T) {
	src, _ := pipeSource(t)

	done := make(chan error, 1)
	go func() {
		_, err := src.WaitForEvents(-time.Second)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForEvents with a negative timeout blocked")
	}
}

func TestPollMillis(t *testing.T) {
	assert.Equal(t, 0, pollMillis(-time.Second))
	assert.Equal(t, 0, pollMillis(0))
	assert.Equal(t, 1, pollMillis(time.Microsecond))
	assert.Equal(t, 16, pollMillis(16*time.Millisecond))
	assert.Equal(t, 17, pollMillis(16*time.Millisecond+time.Nanosecond))
}

func TestKernelSourceReadsPackets(t *testing.T) {
	src, w := pipeSource(t)

	_, err := unix.Write(w, EncodeRecords(touchPacket(0, 5, 10, 20)...))
	require.NoError(t, err)

	events, err := src.WaitForEvents(time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, Press, events[0].Kind)
	assert.Equal(t, 10.0, events[0].X)

	// drained: nothing more, no error
	events, err = src.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestKernelSourceShortRead(t *testing.T) {
	src, w := pipeSource(t)
	stream := EncodeRecords(touchPacket(1, 7, 3, 4)...)
	cut := len(stream) - NativeRecordSize/2

	_, err := unix.Write(w, stream[:cut])
	require.NoError(t, err)
	events, err := src.ReadEvents()
	require.NoError(t, err)
	assert.Empty(t, events, "SYN_REPORT still incomplete")

	_, err = unix.Write(w, stream[cut:])
	require.NoError(t, err)
	events, err = src.ReadEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].Slot)
}

func TestKernelSourceWriterClosed(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	src := newKernelSource(fds[0], "pipe", NewDecoder(1, Identity(), ProtocolMT, nil), KernelOptions{})
	defer src.Close()
	require.NoError(t, unix.Close(fds[1]))

	_, err := src.ReadEvents()
	assert.True(t, errors.Is(err, ErrDeviceLost))
}

func TestOpenKernelSourceMissingDevice(t *testing.T) {
	_, err := OpenKernelSource("/nonexistent/event99", KernelOptions{})
	assert.True(t, errors.Is(err, ErrDeviceOpen))
}

func TestSyntheticSource(t *testing.T) {
	src := NewSyntheticSource(nil)
	var slept time.Duration
	src.sleep = func(d time.Duration) { slept += d }

	events, err := src.WaitForEvents(16 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 16*time.Millisecond, slept)

	src.Push(touchPacket(0, 1, 5, 6)...)
	stream := EncodeRecords(abs(ABS_MT_POSITION_X, 8), syn())
	src.PushBytes(stream[:3])
	src.PushBytes(stream[3:])

	events, err = src.WaitForEvents(16 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Press, events[0].Kind)
	assert.Equal(t, Move, events[1].Kind)
	assert.Equal(t, 8.0, events[1].X)
	assert.Equal(t, 16*time.Millisecond, slept, "no sleep when input is queued")

	require.NoError(t, src.Close())
	_, err = src.ReadEvents()
	assert.True(t, errors.Is(err, ErrDeviceLost))
}
