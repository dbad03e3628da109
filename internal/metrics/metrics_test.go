package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestExposition(t *testing.T) {
	m := New()
	m.FramePresented(3 * time.Millisecond)
	m.FramePresented(5 * time.Millisecond)
	m.FrameSkipped("page_flip")
	m.TouchEvent("press")
	m.Pointers(2)
	m.InputError()
	m.FrameTime(10 * time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, "kmstouch_frames_presented_total 2")
	assert.Contains(t, body, `kmstouch_frames_skipped_total{reason="page_flip"} 1`)
	assert.Contains(t, body, `kmstouch_touch_events_total{kind="press"} 1`)
	assert.Contains(t, body, "kmstouch_active_pointers 2")
	assert.Contains(t, body, "kmstouch_input_errors_total 1")
	assert.Contains(t, body, "kmstouch_frame_seconds_count 1")
	assert.Contains(t, body, "kmstouch_present_seconds_count 2")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FramePresented(time.Millisecond)
		m.FrameSkipped("render")
		m.FrameTime(time.Millisecond)
		m.TouchEvent("move")
		m.Pointers(1)
		m.InputError()
	})
}
