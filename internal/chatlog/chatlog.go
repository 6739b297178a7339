// Package chatlog keeps the room's message history. Arrival order is the
// ordering key; timestamps are displayed but never used to sort, so clock
// skew between senders cannot reorder the log.
package chatlog

import (
	"log/slog"
	"sync"

	"homeroom/pkg/protocol"
)

type Log struct {
	mu     sync.RWMutex
	seen   map[string]int
	msgs   []protocol.ChatMessage
	seeded bool
	log    *slog.Logger
}

func New(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{
		seen: make(map[string]int),
		log:  log,
	}
}

// Apply folds a server event into the log. Non-chat events are ignored.
func (l *Log) Apply(ev protocol.Event) {
	if m, ok := ev.(*protocol.NewMessage); ok {
		l.Append(m.ChatMessage)
	}
}

// Seed installs the fetched history before the live stream starts. Only the
// first call takes effect; later calls are no-ops so a snapshot can never
// clobber messages that arrived live.
func (l *Log) Seed(history []protocol.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seeded {
		return false
	}
	l.seeded = true
	for _, m := range history {
		if _, dup := l.seen[m.ID]; dup {
			continue
		}
		l.seen[m.ID] = len(l.msgs)
		l.msgs = append(l.msgs, m)
	}
	return true
}

// Append adds one live message. A message id seen before is dropped, and if
// the duplicate carries different content the first write stands.
func (l *Log) Append(m protocol.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if i, dup := l.seen[m.ID]; dup {
		if l.msgs[i].Content != m.Content {
			l.log.Warn("conflicting duplicate message dropped", "message_id", m.ID)
		}
		return false
	}
	l.seen[m.ID] = len(l.msgs)
	l.msgs = append(l.msgs, m)
	return true
}

func (l *Log) Messages() []protocol.ChatMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]protocol.ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}
