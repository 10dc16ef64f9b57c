package trustgatesdk

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const defaultMessageLimit = 200

// Message is one human-readable status line from a verification chain.
type Message struct {
	At         time.Time `json:"at"`
	Checkpoint string    `json:"checkpoint"`
	Text       string    `json:"text"`
}

// MessageLog collects status lines for display. It is safe for concurrent
// use; share one per UI surface, not per process.
type MessageLog struct {
	Logger *log.Logger
	Limit  int
	Now    func() time.Time

	mu      sync.Mutex
	entries []Message
}

func (l *MessageLog) Addf(checkpoint, format string, args ...any) {
	if l == nil {
		return
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	msg := Message{At: now(), Checkpoint: checkpoint, Text: fmt.Sprintf(format, args...)}
	if l.Logger != nil {
		l.Logger.Printf("%s: %s", checkpoint, msg.Text)
	}
	limit := l.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, msg)
	if len(l.entries) > limit {
		l.entries = append([]Message(nil), l.entries[len(l.entries)-limit:]...)
	}
}

// Entries returns a copy of the collected messages, oldest first.
func (l *MessageLog) Entries() []Message {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.entries...)
}

func (l *MessageLog) Reset() {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}
