package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/config"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/relay"
)

// DefaultSessionID is used when a client's handshake omits session_id.
const DefaultSessionID = "default"

// close reasons sent with a policy-violation close frame when a join is
// rejected
const (
	CloseReasonRoomClosed     = "room is closed"
	CloseReasonServiceURL     = "service_url is required"
	CloseReasonAuthFailed     = "authentication failed"
	CloseReasonInvalidPayload = "invalid handshake payload"
	CloseReasonTimeout        = "handshake timeout"
)

// joinRequest is the first frame every client sends after connecting.
type joinRequest struct {
	BearerToken string `json:"bearer_token"`
	ServiceURL  string `json:"service_url"`
	SessionID   string `json:"session_id"`
}

// RelayService terminates client websocket connections: it upgrades the HTTP
// request, validates the join handshake against the room store and token
// provider, and hands the connection to the relay for the session's lifetime.
type RelayService struct {
	relay            *relay.Relay
	store            RoomStore
	tokens           TokenProvider
	upgrader         websocket.Upgrader
	handshakeTimeout time.Duration
}

func NewRelayService(conf *config.Config, r *relay.Relay, store RoomStore, tokens TokenProvider) *RelayService {
	s := &RelayService{
		relay:            r,
		store:            store,
		tokens:           tokens,
		upgrader:         websocket.Upgrader{},
		handshakeTimeout: conf.Relay.HandshakeTimeout,
	}

	// allow connections from any origin, the studio frontend may be hosted
	// anywhere; room status and bearer tokens gate actual access
	s.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	return s
}

func (s *RelayService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnw("could not upgrade to WS", "error", err)
		return
	}
	defer conn.Close()

	logger.Infow("new client WS connected", "remote", r.RemoteAddr)

	params, ok := s.awaitHandshake(r.Context(), conn)
	if !ok {
		return
	}
	s.relay.ServeClient(r.Context(), conn, params)
}

// awaitHandshake waits for the client's initial control message and resolves
// it into join parameters, rejecting the connection with a close reason on
// any terminal protocol error.
func (s *RelayService) awaitHandshake(ctx context.Context, conn *websocket.Conn) (relay.JoinParams, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(s.handshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			logger.Infow("timeout waiting for handshake")
			s.reject(conn, CloseReasonTimeout)
		} else if !relay.IsExpectedCloseError(err) {
			logger.Warnw("could not read handshake", "error", err)
		}
		return relay.JoinParams{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})

	var req joinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Infow("invalid handshake payload", "error", err)
		s.reject(conn, CloseReasonInvalidPayload)
		return relay.JoinParams{}, false
	}
	if req.SessionID == "" {
		req.SessionID = DefaultSessionID
	}

	room, err := s.store.EnsureExists(ctx, req.SessionID)
	if err != nil {
		// store trouble does not gate joining; the room check degrades open
		logger.Warnw("could not load room", "room", req.SessionID, "error", err)
	}
	if room != nil && room.Status == RoomStatusClosed {
		logger.Infow("room is closed, rejecting connection", "room", req.SessionID)
		s.reject(conn, CloseReasonRoomClosed)
		return relay.JoinParams{}, false
	}

	if req.BearerToken == "" {
		logger.Infow("minting access token from default credentials", "room", req.SessionID)
		token, err := s.tokens.AccessToken(ctx)
		if err != nil {
			logger.Warnw("could not acquire access token", "room", req.SessionID, "error", err)
			s.reject(conn, CloseReasonAuthFailed)
			return relay.JoinParams{}, false
		}
		req.BearerToken = token
	}

	if req.ServiceURL == "" {
		logger.Infow("handshake missing service url", "room", req.SessionID)
		s.reject(conn, CloseReasonServiceURL)
		return relay.JoinParams{}, false
	}

	return relay.JoinParams{
		SessionID:   req.SessionID,
		BearerToken: req.BearerToken,
		ServiceURL:  req.ServiceURL,
	}, true
}

func (s *RelayService) reject(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
		time.Now().Add(time.Second),
	)
}
