package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const pingTimeout = 2 * time.Second

// UpstreamLink owns the single outbound websocket connection a session holds
// to the streaming service.
type UpstreamLink struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
	closed   atomic.Bool
	stopPing chan struct{}
}

// DialUpstream opens an authenticated websocket connection to the streaming
// service and starts its keepalive worker.
func DialUpstream(ctx context.Context, serviceURL, bearerToken string, dialTimeout, pingInterval time.Duration) (*UpstreamLink, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+bearerToken)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, serviceURL, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "upstream dial failed with status %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "upstream dial failed")
	}

	l := &UpstreamLink{
		conn:     conn,
		stopPing: make(chan struct{}),
	}
	if pingInterval > 0 {
		go l.pingWorker(pingInterval)
	}
	return l, nil
}

func (l *UpstreamLink) Send(payload []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadMessage blocks until the next inbound frame. The upstream protocol is
// JSON over either text or binary frames; both are passed through as-is.
func (l *UpstreamLink) ReadMessage() ([]byte, error) {
	_, payload, err := l.conn.ReadMessage()
	return payload, err
}

// Close is idempotent; repeated calls after the first are no-ops.
func (l *UpstreamLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopPing)
	_ = l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(pingTimeout),
	)
	return l.conn.Close()
}

func (l *UpstreamLink) pingWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopPing:
			return
		case <-ticker.C:
			if err := l.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout)); err != nil {
				return
			}
		}
	}
}
