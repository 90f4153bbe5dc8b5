// Package logbuf configures logging and keeps the most recent log entries in
// memory for streaming to operators.
package logbuf

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/rs/zerolog"
)

// DefaultSize is the number of entries kept by default.
const DefaultSize = 1000

const topic = "logs"

// Entry is one log record as shown to operators.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Module    string `json:"module"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
}

// Buffer is a bounded ring of log entries. It is an io.Writer for zerolog
// JSON events. Subscribers receive new entries; a subscriber that falls
// behind misses entries instead of blocking the logger.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool

	ps *pubsub.PubSub
}

// New creates a buffer holding up to size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Buffer{
		entries: make([]Entry, size),
		ps:      pubsub.New(64),
	}
}

// Write parses one zerolog event. Lines that are not JSON are kept as
// plain messages.
func (b *Buffer) Write(p []byte) (int, error) {
	b.append(parse(p))
	return len(p), nil
}

func (b *Buffer) append(e Entry) {
	b.mu.Lock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	b.ps.TryPub(e, topic)
}

// Entries returns the buffered entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]Entry(nil), b.entries[:b.next]...)
	}
	out := make([]Entry, 0, len(b.entries))
	out = append(out, b.entries[b.next:]...)
	return append(out, b.entries[:b.next]...)
}

// Subscribe returns a channel of new entries. Values are of type Entry.
func (b *Buffer) Subscribe() chan interface{} {
	return b.ps.Sub(topic)
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Buffer) Unsubscribe(ch chan interface{}) {
	go b.ps.Unsub(ch, topic)
	for range ch {
	}
}

// Close shuts down delivery to all subscribers.
func (b *Buffer) Close() {
	b.ps.Shutdown()
}

func parse(p []byte) Entry {
	var ev map[string]any
	if err := json.Unmarshal(p, &ev); err != nil {
		return Entry{Level: "INFO", Module: "spotweb", Message: strings.TrimSpace(string(p))}
	}
	e := Entry{
		Timestamp: str(ev[zerolog.TimestampFieldName]),
		Level:     levelName(str(ev[zerolog.LevelFieldName])),
		Module:    str(ev["component"]),
		Message:   str(ev[zerolog.MessageFieldName]),
		Error:     str(ev[zerolog.ErrorFieldName]),
	}
	if e.Module == "" {
		e.Module = "spotweb"
	}
	return e
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// levelName maps zerolog levels to the names operators configure.
func levelName(l string) string {
	switch l {
	case zerolog.LevelWarnValue:
		return "WARNING"
	case zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		return "CRITICAL"
	case "":
		return "INFO"
	}
	return strings.ToUpper(l)
}
