package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/mohan-ganesh/knowledge-synthesizer-studio/pkg/logger"
)

const flushWorkers = 4

type entry struct {
	Timestamp string `json:"timestamp"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
}

// ConversationLogger buffers transcript entries in memory, keyed by session
// then client, and persists them to an ObjectStore when a session's logs are
// flushed. Writes are offloaded to a worker pool so flushing never blocks a
// disconnect path.
type ConversationLogger struct {
	store ObjectStore

	lock   sync.Mutex
	buffer map[string]map[string][]entry
	// per-session write locks; overlapping flushes of one session must not
	// interleave the read-modify-append in write
	writing map[string]*sync.Mutex

	flushPool *workerpool.WorkerPool
}

func NewConversationLogger(store ObjectStore) *ConversationLogger {
	return &ConversationLogger{
		store:     store,
		buffer:    make(map[string]map[string][]entry),
		writing:   make(map[string]*sync.Mutex),
		flushPool: workerpool.New(flushWorkers),
	}
}

func (l *ConversationLogger) LogMessage(sessionID, clientID, sender, text string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	byClient := l.buffer[sessionID]
	if byClient == nil {
		byClient = make(map[string][]entry)
		l.buffer[sessionID] = byClient
	}
	byClient[clientID] = append(byClient[clientID], entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Sender:    sender,
		Text:      text,
	})
}

// Flush moves the session's buffered entries out under the lock and persists
// them asynchronously. No-op for sessions with nothing buffered.
func (l *ConversationLogger) Flush(sessionID string) {
	l.lock.Lock()
	byClient := l.buffer[sessionID]
	delete(l.buffer, sessionID)
	l.lock.Unlock()

	if len(byClient) == 0 {
		return
	}
	l.flushPool.Submit(func() {
		mu := l.writeLock(sessionID)
		mu.Lock()
		defer mu.Unlock()
		l.write(sessionID, byClient)
	})
}

func (l *ConversationLogger) writeLock(sessionID string) *sync.Mutex {
	l.lock.Lock()
	defer l.lock.Unlock()
	mu := l.writing[sessionID]
	if mu == nil {
		mu = &sync.Mutex{}
		l.writing[sessionID] = mu
	}
	return mu
}

// Stop drains pending flushes. Called on server shutdown.
func (l *ConversationLogger) Stop() {
	l.flushPool.StopWait()
}

func (l *ConversationLogger) write(sessionID string, byClient map[string][]entry) {
	ctx := context.Background()
	now := time.Now().UTC()

	for clientID, entries := range byClient {
		if len(entries) == 0 {
			continue
		}
		name := fmt.Sprintf("sessions/%s/%s/%s/%s.jsonl",
			now.Format("2006-01"), now.Format("02"), sessionID, clientID)

		var buf bytes.Buffer
		for _, e := range entries {
			line, err := json.Marshal(e)
			if err != nil {
				continue
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}

		// append to any earlier flush of the same client
		current, err := l.store.ReadObject(ctx, name)
		if err != nil && err != ErrObjectNotFound {
			logger.Warnw("could not read existing transcript", "object", name, "error", err)
		}
		if err := l.store.WriteObject(ctx, name, append(current, buf.Bytes()...)); err != nil {
			logger.Errorw("could not persist transcript", "object", name, "error", err)
			continue
		}
		logger.Debugw("transcript persisted", "object", name, "entries", len(entries))
	}
}
