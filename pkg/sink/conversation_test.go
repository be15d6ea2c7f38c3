package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transcriptName(sessionID, clientID string) string {
	now := time.Now().UTC()
	return fmt.Sprintf("sessions/%s/%s/%s/%s.jsonl",
		now.Format("2006-01"), now.Format("02"), sessionID, clientID)
}

func decodeLines(t *testing.T, data []byte) []entry {
	t.Helper()
	var entries []entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestConversationLoggerFlush(t *testing.T) {
	store := NewLocalObjectStore(t.TempDir())
	l := NewConversationLogger(store)

	l.LogMessage("r1", "c1", "User", "hello")
	l.LogMessage("r1", "c1", "Gemini", "hi there")
	l.LogMessage("r1", "c2", "User", "also here")
	l.LogMessage("other", "c9", "User", "unrelated")

	l.Flush("r1")
	l.Stop()

	data, err := store.ReadObject(context.Background(), transcriptName("r1", "c1"))
	require.NoError(t, err)
	entries := decodeLines(t, data)
	require.Len(t, entries, 2)
	assert.Equal(t, "User", entries[0].Sender)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, "Gemini", entries[1].Sender)
	_, err = time.Parse(time.RFC3339Nano, entries[0].Timestamp)
	assert.NoError(t, err)

	data, err = store.ReadObject(context.Background(), transcriptName("r1", "c2"))
	require.NoError(t, err)
	assert.Len(t, decodeLines(t, data), 1)

	// the other session stays buffered
	_, err = store.ReadObject(context.Background(), transcriptName("other", "c9"))
	assert.Equal(t, ErrObjectNotFound, err)
}

func TestConversationLoggerAppendsAcrossFlushes(t *testing.T) {
	store := NewLocalObjectStore(t.TempDir())

	l := NewConversationLogger(store)
	l.LogMessage("r1", "c1", "User", "first visit")
	l.Flush("r1")
	l.Stop()

	// a later run of the same session appends to the same transcript
	l = NewConversationLogger(store)
	l.LogMessage("r1", "c1", "User", "second visit")
	l.Flush("r1")
	l.Stop()

	data, err := store.ReadObject(context.Background(), transcriptName("r1", "c1"))
	require.NoError(t, err)
	entries := decodeLines(t, data)
	require.Len(t, entries, 2)
	assert.Equal(t, "first visit", entries[0].Text)
	assert.Equal(t, "second visit", entries[1].Text)
}

// slowReadStore widens the window between reading a transcript and writing
// it back.
type slowReadStore struct {
	*LocalObjectStore
	delay time.Duration
}

func (s *slowReadStore) ReadObject(ctx context.Context, name string) ([]byte, error) {
	data, err := s.LocalObjectStore.ReadObject(ctx, name)
	time.Sleep(s.delay)
	return data, err
}

func TestConversationLoggerOverlappingFlushesKeepAllEntries(t *testing.T) {
	store := &slowReadStore{NewLocalObjectStore(t.TempDir()), 50 * time.Millisecond}
	l := NewConversationLogger(store)

	l.LogMessage("r1", "c1", "User", "first batch")
	l.Flush("r1")
	l.LogMessage("r1", "c1", "User", "second batch")
	l.Flush("r1")
	l.Stop()

	data, err := store.ReadObject(context.Background(), transcriptName("r1", "c1"))
	require.NoError(t, err)
	entries := decodeLines(t, data)
	require.Len(t, entries, 2)
	texts := []string{entries[0].Text, entries[1].Text}
	assert.ElementsMatch(t, []string{"first batch", "second batch"}, texts)
}

func TestConversationLoggerFlushEmptySession(t *testing.T) {
	l := NewConversationLogger(NewLocalObjectStore(t.TempDir()))
	l.Flush("never logged")
	l.Stop()
}

func TestLocalObjectStore(t *testing.T) {
	store := NewLocalObjectStore(t.TempDir())
	ctx := context.Background()

	_, err := store.ReadObject(ctx, "a/b/c.jsonl")
	assert.Equal(t, ErrObjectNotFound, err)

	require.NoError(t, store.WriteObject(ctx, "a/b/c.jsonl", []byte("payload")))
	data, err := store.ReadObject(ctx, "a/b/c.jsonl")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
