package channel

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WebSocket dials a host bridge endpoint.
type WebSocket struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	DeadAfter    time.Duration
}

func (w WebSocket) Open(ctx context.Context) (Link, error) {
	var opts *websocket.DialOptions
	if len(w.Header) > 0 {
		opts = &websocket.DialOptions{HTTPHeader: w.Header}
	}
	conn, _, err := websocket.Dial(ctx, w.URL, opts)
	if err != nil {
		return nil, err
	}
	return NewWSLink(conn, w.PingInterval, w.DeadAfter), nil
}

type wsLink struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// NewWSLink wraps an established websocket connection. A positive ping
// interval starts a keepalive that closes the connection when a pong does not
// arrive within deadAfter (the ping interval when zero).
func NewWSLink(conn *websocket.Conn, ping, deadAfter time.Duration) Link {
	// Disable default 32KiB read limit; signed transactions can be large.
	conn.SetReadLimit(-1)
	ctx, cancel := context.WithCancel(context.Background())
	l := &wsLink{conn: conn, cancel: cancel}
	if ping > 0 {
		if deadAfter <= 0 {
			deadAfter = ping
		}
		go l.pingLoop(ctx, ping, deadAfter)
	}
	return l
}

func (l *wsLink) Send(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return l.conn.Write(ctx, websocket.MessageText, frame)
}

func (l *wsLink) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	return data, err
}

func (l *wsLink) Close() error {
	l.cancel()
	return l.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (l *wsLink) pingLoop(ctx context.Context, interval, deadAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, deadAfter)
			err := l.conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				_ = l.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
