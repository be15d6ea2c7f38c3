package relay

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory WebsocketClient driven by tests.
type fakeConn struct {
	mu       sync.Mutex
	incoming chan []byte
	sent     [][]byte
	failSend bool
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	payload, ok := <-c.incoming
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, payload, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("connection reset by peer")
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error {
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) push(payload string) {
	c.incoming <- []byte(payload)
}

func (c *fakeConn) disconnect() {
	close(c.incoming)
}

func (c *fakeConn) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		msgs = append(msgs, string(m))
	}
	return msgs
}

// fakeUpstream is a websocket server standing in for the remote streaming
// service.
type fakeUpstream struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    int
	current  *websocket.Conn
	lastAuth string

	received chan []byte
}

func newFakeUpstream() *fakeUpstream {
	u := &fakeUpstream{
		received: make(chan []byte, 16),
	}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := u.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		u.mu.Lock()
		u.conns++
		u.current = conn
		u.lastAuth = r.Header.Get("Authorization")
		u.mu.Unlock()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			u.received <- payload
		}
	}))
	return u
}

func (u *fakeUpstream) url() string {
	return "ws" + strings.TrimPrefix(u.srv.URL, "http")
}

func (u *fakeUpstream) numConns() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conns
}

func (u *fakeUpstream) auth() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastAuth
}

func (u *fakeUpstream) send(payload string) error {
	u.mu.Lock()
	conn := u.current
	u.mu.Unlock()
	if conn == nil {
		return errors.New("no relay connection")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (u *fakeUpstream) close() {
	// httptest.Server.Close ignores hijacked connections, so the open
	// websocket must be closed explicitly for the client side to notice.
	u.mu.Lock()
	conn := u.current
	u.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	u.srv.Close()
}

// recordingSink captures conversation log calls for assertions.
type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
	flushed []string
}

type sinkEntry struct {
	SessionID string
	ClientID  string
	Sender    string
	Text      string
}

func (s *recordingSink) LogMessage(sessionID, clientID, sender, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{sessionID, clientID, sender, text})
}

func (s *recordingSink) Flush(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = append(s.flushed, sessionID)
}

func (s *recordingSink) senders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	senders := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		senders = append(senders, e.Sender)
	}
	return senders
}

func (s *recordingSink) flushedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.flushed...)
}
