package relay

import (
	"sync"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
)

// fanOut delivers payload to every recipient concurrently. Each send fails
// independently: one broken or slow connection never blocks or aborts
// delivery to the rest, and no cross-recipient ordering is guaranteed.
func fanOut(recipients []*Client, payload []byte) {
	if len(recipients) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(recipients))
	for _, c := range recipients {
		go func(c *Client) {
			defer wg.Done()
			if err := c.Send(payload); err != nil {
				logger.Debugw("broadcast delivery failed", "client", c.Label(), "error", err)
			}
		}(c)
	}
	wg.Wait()
}

// Broadcast sends payload to the session's current members, optionally
// excluding one (the sender of a relayed message).
func (r *Relay) Broadcast(s *Session, payload []byte, excluding *Client) {
	fanOut(s.Clients(excluding), payload)
}
