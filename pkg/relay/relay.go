package relay

import (
	"context"
	"time"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/config"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/telemetry/prometheus"
	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/utils"
)

// ConversationSink receives transcript fragments for durable logging.
// Delivery is best effort; the relay never fails a message on sink errors.
type ConversationSink interface {
	LogMessage(sessionID, clientID, sender, text string)
	Flush(sessionID string)
}

// sender tags used in conversation transcripts
const (
	senderClient          = "User"
	senderUpstream        = "Gemini"
	senderClientText      = "UserText (Direct)"
	senderUpstreamText    = "GeminiText"
	senderTranscribedText = "UserText (Transcribed)"
)

// JoinParams carries the validated handshake of one client connection.
type JoinParams struct {
	SessionID   string
	BearerToken string
	ServiceURL  string
}

// Relay multiplexes many client connections onto shared per-room upstream
// links: it owns the session registry, establishes upstream links exactly
// once per room, fans upstream frames out to all members, and tears empty
// sessions down after a grace period.
type Relay struct {
	registry *Registry
	sink     ConversationSink
	conf     config.RelayConfig
	modelID  string
}

func NewRelay(conf *config.Config, sink ConversationSink) *Relay {
	return &Relay{
		registry: NewRegistry(),
		sink:     sink,
		conf:     conf.Relay,
		modelID:  conf.ModelID,
	}
}

func (r *Relay) Registry() *Registry {
	return r.registry
}

// EnsureConnected establishes the session's upstream link when absent. The
// session init mutex makes the check-then-dial atomic with respect to
// concurrent joiners; without it two clients joining a bare session would
// both dial. Idempotent when a link is already present. On failure the slot
// stays empty and a later join retries.
func (r *Relay) EnsureConnected(ctx context.Context, s *Session, bearerToken, serviceURL string) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.Upstream() != nil {
		return nil
	}

	link, err := DialUpstream(ctx, serviceURL, bearerToken, r.conf.UpstreamDialTimeout, r.conf.UpstreamPingInterval)
	if err != nil {
		prometheus.IncUpstreamConnect(false)
		return err
	}
	prometheus.IncUpstreamConnect(true)

	readerDone := make(chan struct{})
	s.setUpstream(link, readerDone)
	go r.readUpstream(s, link, readerDone)

	logger.Infow("session connected to upstream", "session", s.ID)
	return nil
}

// readUpstream drains the link until it closes, fanning every frame out to
// all members of the session. On exit it clears the session's upstream state
// so that a later EnsureConnected reconnects; this is the only path besides
// grace teardown that touches the upstream slot.
func (r *Relay) readUpstream(s *Session, link *UpstreamLink, readerDone chan struct{}) {
	defer close(readerDone)

	for {
		payload, err := link.ReadMessage()
		if err != nil {
			if !IsExpectedCloseError(err) {
				logger.Warnw("upstream read failed", "session", s.ID, "error", err)
			}
			break
		}

		recipients := s.Clients(nil)
		for _, c := range recipients {
			r.sink.LogMessage(s.ID, c.Label(), senderUpstream, string(payload))
		}
		r.logUpstreamTranscriptions(s, payload)

		fanOut(recipients, payload)
		prometheus.IncMessage(prometheus.MessageUpstreamBroadcast)
	}

	_ = link.Close()
	if s.clearUpstream(link) {
		logger.Infow("upstream link closed", "session", s.ID)
	}
}

// transcription fragments are logged per member so every participant's
// transcript is complete on its own; extraction failures are swallowed
func (r *Relay) logUpstreamTranscriptions(s *Session, payload []byte) {
	output, input := extractUpstreamTranscriptions(payload)
	if output == "" && input == "" {
		return
	}
	for _, c := range s.Clients(nil) {
		if output != "" {
			r.sink.LogMessage(s.ID, c.Label(), senderUpstreamText, output)
		}
		if input != "" {
			r.sink.LogMessage(s.ID, c.Label(), senderTranscribedText, input)
		}
	}
}

// Join registers the connection into its session, cancelling any pending
// teardown, and connects the upstream link when absent. A failed upstream
// connect leaves the member attached: forwarding degrades to a no-op until a
// later join re-establishes the link.
func (r *Relay) Join(ctx context.Context, conn WebsocketClient, params JoinParams) (*Session, *Client) {
	sess, created := r.registry.GetOrCreate(params.SessionID)
	if created {
		logger.Infow("creating new session", "session", sess.ID)
		prometheus.AddSession()
	}

	if sess.CancelTeardown() {
		logger.Infow("teardown cancelled, member returned", "session", sess.ID)
	}

	client := NewClient(conn, utils.NewClientLabel())
	sess.AddClient(client)
	prometheus.AddClient()
	logger.Infow("member joined",
		"session", sess.ID,
		"client", client.Label(),
		"numMembers", sess.NumClients(),
	)

	if err := r.EnsureConnected(ctx, sess, params.BearerToken, params.ServiceURL); err != nil {
		logger.Warnw("could not connect session upstream", "session", sess.ID, "error", err)
	}

	return sess, client
}

// ServeClient joins the connection into its session and runs the message
// loop until the connection drops, then deregisters it and arms the grace
// teardown when the session empties. Blocks for the connection's lifetime.
func (r *Relay) ServeClient(ctx context.Context, conn WebsocketClient, params JoinParams) {
	sess, client := r.Join(ctx, conn, params)
	defer r.finishClient(sess, client)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !IsExpectedCloseError(err) {
				logger.Warnw("client read failed", "session", sess.ID, "client", client.Label(), "error", err)
			}
			return
		}
		r.handleClientMessage(sess, client, payload)
	}
}

// handleClientMessage applies the relay rules to one inbound client frame:
// duplicate setup suppression, model id enforcement, ping/pong, forward
// upstream, broadcast to peers. Per-message failures are logged and never
// terminate the loop.
func (r *Relay) handleClientMessage(s *Session, c *Client, payload []byte) {
	r.sink.LogMessage(s.ID, c.Label(), senderClient, string(payload))

	setup := false
	if isSetup(payload) {
		var rewritten bool
		if payload, rewritten = enforceModelID(payload, r.modelID); rewritten {
			logger.Infow("enforcing model id", "session", s.ID, "client", c.Label(), "modelId", r.modelID)
		}

		// the upstream protocol treats a second handshake as an error, so
		// at most one member's setup is ever forwarded; claiming before the
		// send keeps concurrent setup senders from both slipping through,
		// and every later sender gets a synthetic acknowledgement instead
		if !s.claimHandshake() {
			logger.Debugw("suppressing duplicate setup", "session", s.ID, "client", c.Label())
			if err := c.Send(setupCompleteReply); err != nil {
				logger.Warnw("could not send setup acknowledgement", "session", s.ID, "client", c.Label(), "error", err)
			}
			prometheus.IncMessage(prometheus.MessageSetupSuppressed)
			return
		}
		setup = true
	}

	if isPing(payload) {
		if err := c.Send(pongReply); err != nil {
			logger.Warnw("could not send pong", "session", s.ID, "client", c.Label(), "error", err)
		}
		return
	}

	if link := s.Upstream(); link != nil {
		if err := link.Send(payload); err != nil {
			if setup {
				s.releaseHandshake()
			}
			logger.Warnw("could not forward to upstream", "session", s.ID, "client", c.Label(), "error", err)
		} else {
			prometheus.IncMessage(prometheus.MessageForwarded)
			for _, text := range extractClientTurnTexts(payload) {
				r.sink.LogMessage(s.ID, c.Label(), senderClientText, text)
			}
		}
	} else {
		if setup {
			s.releaseHandshake()
		}
		logger.Warnw("upstream not connected, dropping forward", "session", s.ID, "client", c.Label())
		prometheus.IncMessage(prometheus.MessageDropped)
	}

	r.Broadcast(s, payload, c)
}

func (r *Relay) finishClient(s *Session, c *Client) {
	s.RemoveClient(c)
	prometheus.SubClient()

	r.sink.Flush(s.ID)

	remaining := s.NumClients()
	logger.Infow("member left", "session", s.ID, "client", c.Label(), "numMembers", remaining)

	if remaining == 0 {
		r.scheduleTeardown(s)
	}
}

func (r *Relay) scheduleTeardown(s *Session) {
	logger.Infow("session empty, starting grace period", "session", s.ID, "gracePeriod", r.conf.GracePeriod)
	s.armTeardown(r.conf.GracePeriod, func() {
		r.teardown(s.ID)
	})
}

// teardown runs when a grace timer fires. Emptiness is re-checked here: a
// member may have rejoined after the timer already fired, in which case the
// teardown aborts.
func (r *Relay) teardown(id string) {
	s := r.registry.Get(id)
	if s == nil {
		return
	}
	s.clearTeardown()

	if !r.registry.RemoveIfEmpty(id) {
		logger.Infow("teardown aborted, member returned during grace period", "session", id)
		return
	}

	if link := s.Upstream(); link != nil {
		// closing the link unblocks the reader, which clears the
		// session's upstream state on its way out
		done := s.readerDoneChan()
		_ = link.Close()
		if done != nil {
			select {
			case <-done:
			case <-time.After(time.Second):
				logger.Warnw("upstream reader did not exit in time", "session", id)
			}
		}
	}

	prometheus.SubSession()
	logger.Infow("session removed after grace period", "session", id)
}
