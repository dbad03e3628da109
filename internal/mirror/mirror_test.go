package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kmstouch/internal/diag"
	"kmstouch/internal/evdev"
)

// wsServer forwards every text message it receives on msgs.
func wsServer(t *testing.T) (string, <-chan map[string]any) {
	t.Helper()
	msgs := make(chan map[string]any, 64)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			_, b, err := c.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(b, &m) == nil {
				msgs <- m
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), msgs
}

func next(t *testing.T, msgs <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case m := <-msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestMirrorStreamsTouchAndDiag(t *testing.T) {
	url, msgs := wsServer(t)
	m := New(url, Options{Device: "test", Width: 800, Height: 480})
	m.Touch([]evdev.TouchEvent{{X: 10, Y: 20, Pressure: 7, Kind: evdev.Press, Slot: 1, Time: 1500 * time.Millisecond}})
	m.FrameSkipped("page_flip", assert.AnError)
	m.Slot(diag.SlotTransition{Slot: 1, TrackingID: 4, Active: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	hello := next(t, msgs)
	require.Equal(t, "hello", hello["t"])
	assert.Equal(t, m.Session(), hello["session"])
	assert.EqualValues(t, 800, hello["w"])

	touch := next(t, msgs)
	assert.Equal(t, "touch", touch["t"])
	assert.Equal(t, "press", touch["kind"])
	assert.EqualValues(t, 1, touch["slot"])
	assert.EqualValues(t, 10, touch["x"])
	assert.EqualValues(t, 7, touch["p"])
	assert.EqualValues(t, 1500, touch["ts"])

	skip := next(t, msgs)
	assert.Equal(t, "diag", skip["t"])
	assert.Equal(t, "frame_skip", skip["what"])
	assert.Contains(t, skip["detail"], "page_flip")

	slot := next(t, msgs)
	assert.Equal(t, "slot", slot["what"])
	assert.Equal(t, "down slot=1 id=4", slot["detail"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, int64(3), m.Sent())
}

func TestPublishNeverBlocks(t *testing.T) {
	m := New("ws://127.0.0.1:1/unused", Options{Queue: 4})
	events := make([]evdev.TouchEvent, 10)
	finished := make(chan struct{})
	go func() {
		m.Touch(events)
		m.Fatal("open", nil)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	assert.Equal(t, int64(7), m.Dropped())
}

func TestRunGivesUpOnCancelWhileDisconnected(t *testing.T) {
	m := New("ws://127.0.0.1:1/unused", Options{MinBackoff: 10 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Run(ctx))
}

func TestSessionsAreUnique(t *testing.T) {
	a, b := New("ws://x", Options{}), New("ws://x", Options{})
	assert.NotEqual(t, a.Session(), b.Session())
	assert.Len(t, a.Session(), 36)
}
