package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/config"
)

const testGracePeriod = 50 * time.Millisecond

func newTestRelay(s ConversationSink) *Relay {
	if s == nil {
		s = &recordingSink{}
	}
	conf := &config.Config{
		ModelID: "m-enforced",
		Relay: config.RelayConfig{
			GracePeriod:         testGracePeriod,
			HandshakeTimeout:    time.Second,
			UpstreamDialTimeout: time.Second,
		},
	}
	return NewRelay(conf, s)
}

func joinParams(sessionID, serviceURL string) JoinParams {
	return JoinParams{
		SessionID:   sessionID,
		BearerToken: "test-token",
		ServiceURL:  serviceURL,
	}
}

func receiveUpstream(t *testing.T, u *fakeUpstream) string {
	t.Helper()
	select {
	case payload := <-u.received:
		return string(payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upstream frame")
		return ""
	}
}

func assertNoUpstreamFrame(t *testing.T, u *fakeUpstream) {
	t.Helper()
	select {
	case payload := <-u.received:
		t.Fatalf("unexpected upstream frame: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConcurrentJoinsConnectOnce(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	r := newTestRelay(nil)

	const joiners = 8
	var wg sync.WaitGroup
	wg.Add(joiners)
	for i := 0; i < joiners; i++ {
		go func() {
			defer wg.Done()
			r.Join(context.Background(), newFakeConn(), joinParams("r1", upstream.url()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, r.Registry().NumSessions())
	assert.Equal(t, 1, upstream.numConns())
	assert.Equal(t, "Bearer test-token", upstream.auth())

	sess := r.Registry().Get("r1")
	require.NotNil(t, sess)
	assert.Equal(t, joiners, sess.NumClients())
	assert.NotNil(t, sess.Upstream())
}

func TestSetupForwardedOnceWithEnforcedModel(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	r := newTestRelay(nil)

	connA := newFakeConn()
	sess, clientA := r.Join(context.Background(), connA, joinParams("r1", upstream.url()))

	setup := `{"setup":{"model":"projects/p/locations/l/publishers/g/models/old-model"}}`
	r.handleClientMessage(sess, clientA, []byte(setup))

	forwarded := receiveUpstream(t, upstream)
	var msg struct {
		Setup struct {
			Model string `json:"model"`
		} `json:"setup"`
	}
	require.NoError(t, json.Unmarshal([]byte(forwarded), &msg))
	assert.Equal(t, "projects/p/locations/l/publishers/g/models/m-enforced", msg.Setup.Model)
	assert.True(t, sess.HandshakeComplete())

	t.Run("second setup is suppressed", func(t *testing.T) {
		connB := newFakeConn()
		_, clientB := r.Join(context.Background(), connB, joinParams("r1", upstream.url()))

		r.handleClientMessage(sess, clientB, []byte(setup))

		assertNoUpstreamFrame(t, upstream)
		assert.Contains(t, connB.sentMessages(), `{"setupComplete":{}}`)
		// the suppressed setup is not relayed to peers either
		for _, m := range connA.sentMessages() {
			assert.NotContains(t, m, "setup")
		}
	})
}

func TestConcurrentSetupForwardedOnce(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	r := newTestRelay(nil)

	setup := []byte(`{"setup":{"model":"projects/p/locations/l/publishers/g/models/m"}}`)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("r%d", i)
		sess, clientA := r.Join(context.Background(), newFakeConn(), joinParams(id, upstream.url()))
		_, clientB := r.Join(context.Background(), newFakeConn(), joinParams(id, upstream.url()))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.handleClientMessage(sess, clientA, setup)
		}()
		go func() {
			defer wg.Done()
			r.handleClientMessage(sess, clientB, setup)
		}()
		wg.Wait()

		receiveUpstream(t, upstream)
		assertNoUpstreamFrame(t, upstream)
	}
}

func TestPingAnsweredLocally(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	r := newTestRelay(nil)

	connA := newFakeConn()
	connB := newFakeConn()
	sess, clientA := r.Join(context.Background(), connA, joinParams("r1", upstream.url()))
	r.Join(context.Background(), connB, joinParams("r1", upstream.url()))

	r.handleClientMessage(sess, clientA, []byte(`{"ping":true}`))

	assert.Equal(t, []string{`{"pong":true}`}, connA.sentMessages())
	assert.Empty(t, connB.sentMessages())
	assertNoUpstreamFrame(t, upstream)
}

func TestClientMessageForwardedAndRelayed(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	sink := &recordingSink{}
	r := newTestRelay(sink)

	connA := newFakeConn()
	connB := newFakeConn()
	sess, clientA := r.Join(context.Background(), connA, joinParams("r1", upstream.url()))
	r.Join(context.Background(), connB, joinParams("r1", upstream.url()))

	payload := `{"clientContent":{"turns":[{"parts":[{"text":"hello room"}]}]}}`
	r.handleClientMessage(sess, clientA, []byte(payload))

	assert.Equal(t, payload, receiveUpstream(t, upstream))
	assert.Equal(t, []string{payload}, connB.sentMessages())
	assert.Empty(t, connA.sentMessages())
	assert.Contains(t, sink.senders(), "User")
	assert.Contains(t, sink.senders(), "UserText (Direct)")
}

func TestUpstreamFramesBroadcastToAllMembers(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	sink := &recordingSink{}
	r := newTestRelay(sink)

	connA := newFakeConn()
	connB := newFakeConn()
	r.Join(context.Background(), connA, joinParams("r1", upstream.url()))
	r.Join(context.Background(), connB, joinParams("r1", upstream.url()))

	payload := `{"serverContent":{"outputTranscription":{"text":"answer"}}}`
	require.NoError(t, upstream.send(payload))

	for _, conn := range []*fakeConn{connA, connB} {
		conn := conn
		assert.Eventually(t, func() bool {
			msgs := conn.sentMessages()
			return len(msgs) == 1 && msgs[0] == payload
		}, time.Second, 5*time.Millisecond)
	}
	assert.Contains(t, sink.senders(), "Gemini")
	assert.Contains(t, sink.senders(), "GeminiText")
}

func TestForwardWithoutUpstreamDegradesToBroadcast(t *testing.T) {
	r := newTestRelay(nil)

	// dial target does not exist; the join still succeeds
	connA := newFakeConn()
	connB := newFakeConn()
	sess, clientA := r.Join(context.Background(), connA, joinParams("r1", "ws://127.0.0.1:1/ws"))
	r.Join(context.Background(), connB, joinParams("r1", "ws://127.0.0.1:1/ws"))

	assert.Nil(t, sess.Upstream())

	r.handleClientMessage(sess, clientA, []byte(`{"text":"still here"}`))
	assert.Equal(t, []string{`{"text":"still here"}`}, connB.sentMessages())
}

func TestUpstreamCloseClearsSessionState(t *testing.T) {
	upstream := newFakeUpstream()
	r := newTestRelay(nil)

	sess, clientA := r.Join(context.Background(), newFakeConn(), joinParams("r1", upstream.url()))
	setup := `{"setup":{"model":"projects/p/locations/l/publishers/g/models/m"}}`
	r.handleClientMessage(sess, clientA, []byte(setup))
	receiveUpstream(t, upstream)
	require.True(t, sess.HandshakeComplete())

	upstream.close()

	assert.Eventually(t, func() bool {
		return sess.Upstream() == nil && !sess.HandshakeComplete()
	}, time.Second, 5*time.Millisecond)
}

func TestGracePeriodReusesLinkOnRejoin(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	sink := &recordingSink{}
	r := newTestRelay(sink)

	sess, clientA := r.Join(context.Background(), newFakeConn(), joinParams("r1", upstream.url()))
	require.Equal(t, 1, upstream.numConns())

	r.finishClient(sess, clientA)
	assert.Equal(t, []string{"r1"}, sink.flushedSessions())

	// the link survives the departure, and a rejoin within the grace
	// period reuses it
	assert.NotNil(t, sess.Upstream())
	rejoined, _ := r.Join(context.Background(), newFakeConn(), joinParams("r1", upstream.url()))
	assert.Same(t, sess, rejoined)
	assert.Equal(t, 1, upstream.numConns())

	// no teardown fires after the grace period now that a member is back
	time.Sleep(2 * testGracePeriod)
	assert.Equal(t, 1, r.Registry().NumSessions())
	assert.NotNil(t, sess.Upstream())
}

func TestGracePeriodTearsDownEmptySession(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	r := newTestRelay(nil)

	sess, clientA := r.Join(context.Background(), newFakeConn(), joinParams("r1", upstream.url()))
	r.finishClient(sess, clientA)

	assert.Eventually(t, func() bool {
		return r.Registry().NumSessions() == 0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return sess.Upstream() == nil
	}, time.Second, 5*time.Millisecond)
}

func TestServeClientLifecycle(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.close()
	sink := &recordingSink{}
	r := newTestRelay(sink)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		r.ServeClient(context.Background(), conn, joinParams("r1", upstream.url()))
		close(done)
	}()

	conn.push(`{"ping":true}`)
	assert.Eventually(t, func() bool {
		msgs := conn.sentMessages()
		return len(msgs) == 1 && msgs[0] == `{"pong":true}`
	}, time.Second, 5*time.Millisecond)

	conn.disconnect()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeClient did not return after disconnect")
	}
	assert.Equal(t, []string{"r1"}, sink.flushedSessions())
}
