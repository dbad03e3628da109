package mirror

// WebSocket connection with:
// - TCP keepalive on the dialer
// - ping ticker
// - pong watchdog (read deadline)
// - background reader to process control frames
//
// The mirror never consumes server messages; reading only keeps the
// connection healthy.

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kmstouch/internal/errors"
)

const writeWait = 5 * time.Second

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
	errC     chan error
}

func dialWS(ctx context.Context, url string, pingEvery, pongWait time.Duration) (*wsConn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 15 * time.Second,
		}).DialContext,
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.WrapPrefix(err, "dial "+url, 0)
	}

	w := &wsConn{
		conn: conn,
		done: make(chan struct{}),
		errC: make(chan error, 1),
	}

	// pongs and close frames are only processed while reading
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go w.readLoop()
	go w.pingLoop(pingEvery)
	return w, nil
}

func (w *wsConn) Close() {
	w.doneOnce.Do(func() { close(w.done) })
	w.mu.Lock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	w.mu.Unlock()
	_ = w.conn.Close()
}

func (w *wsConn) Err() <-chan error { return w.errC }

func (w *wsConn) sendErr(err error) {
	select {
	case w.errC <- err:
	default:
	}
}

func (w *wsConn) readLoop() {
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			select {
			case <-w.done:
			default:
				w.sendErr(errors.WrapPrefix(err, "read", 0))
			}
			return
		}
	}
}

func (w *wsConn) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.mu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := w.conn.WriteMessage(websocket.PingMessage, []byte("ping"))
			w.mu.Unlock()
			if err != nil {
				w.sendErr(errors.WrapPrefix(err, "ping", 0))
				return
			}
		}
	}
}

func (w *wsConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, 0)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}
