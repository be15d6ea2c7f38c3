package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
)

// WebsocketClient is the subset of *websocket.Conn the relay needs from a
// client connection.
type WebsocketClient interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Client is one member connection of a Session. Writes are serialized through
// a mutex: the underlying connection supports only a single concurrent writer.
type Client struct {
	conn    WebsocketClient
	label   string
	writeMu sync.Mutex
}

func NewClient(conn WebsocketClient, label string) *Client {
	return &Client{
		conn:  conn,
		label: label,
	}
}

func (c *Client) Label() string {
	return c.label
}

func (c *Client) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Session is the shared state of one room: the member connections and the at
// most one upstream link they share. A Session outlives individual client
// connect/disconnect cycles and is removed only by a completed grace teardown.
type Session struct {
	ID string

	lock    sync.RWMutex
	clients map[*Client]struct{}

	// serializes upstream establishment; connecting suspends on a network
	// round trip, so checking the slot alone is not enough
	initMu sync.Mutex

	// both guarded by lock, cleared together
	upstream   *UpstreamLink
	readerDone chan struct{}

	// claimed atomically by the one member whose setup frame gets forwarded
	// on the current upstream link; released when the forward fails and
	// whenever the link is cleared
	handshakeComplete atomic.Bool

	teardownMu      sync.Mutex
	pendingTeardown *time.Timer
}

func newSession(id string) *Session {
	return &Session{
		ID:      id,
		clients: make(map[*Client]struct{}),
	}
}

func (s *Session) AddClient(c *Client) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Session) RemoveClient(c *Client) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.clients, c)
}

func (s *Session) NumClients() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.clients)
}

// Clients returns a snapshot of the current members, optionally excluding one.
// A member departing after the snapshot is taken may still receive (and fail)
// a delivery; broadcast tolerates that.
func (s *Session) Clients(excluding *Client) []*Client {
	s.lock.RLock()
	defer s.lock.RUnlock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if c == excluding {
			continue
		}
		clients = append(clients, c)
	}
	return clients
}

func (s *Session) Upstream() *UpstreamLink {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.upstream
}

func (s *Session) readerDoneChan() chan struct{} {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.readerDone
}

func (s *Session) setUpstream(link *UpstreamLink, readerDone chan struct{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.upstream = link
	s.readerDone = readerDone
}

// clearUpstream empties the upstream slot if link is still the current one,
// resetting the handshake flag with it. Reports whether it cleared.
func (s *Session) clearUpstream(link *UpstreamLink) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.upstream != link {
		return false
	}
	s.upstream = nil
	s.readerDone = nil
	s.handshakeComplete.Store(false)
	return true
}

func (s *Session) HandshakeComplete() bool {
	return s.handshakeComplete.Load()
}

// claimHandshake reserves the right to forward a setup frame. The
// compare-and-swap makes check and claim one step, so concurrent setup
// senders cannot both win.
func (s *Session) claimHandshake() bool {
	return s.handshakeComplete.CompareAndSwap(false, true)
}

// releaseHandshake undoes a claim whose setup never reached the upstream,
// letting a later setup try again.
func (s *Session) releaseHandshake() {
	s.handshakeComplete.Store(false)
}

// armTeardown schedules f after delay, replacing any previously armed timer.
// Only called when the session has no members left.
func (s *Session) armTeardown(delay time.Duration, f func()) {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()
	if s.pendingTeardown != nil {
		s.pendingTeardown.Stop()
	}
	s.pendingTeardown = time.AfterFunc(delay, f)
}

// CancelTeardown stops a pending teardown. Reports whether a scheduled
// teardown was actually prevented from firing; a timer that already fired is
// handled by the fire-time emptiness re-check instead.
func (s *Session) CancelTeardown() bool {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()
	if s.pendingTeardown == nil {
		return false
	}
	stopped := s.pendingTeardown.Stop()
	s.pendingTeardown = nil
	return stopped
}

// clearTeardown is called from the fired timer itself.
func (s *Session) clearTeardown() {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()
	s.pendingTeardown = nil
}
