package session

import (
	"fmt"
	"sync"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
)

// MessageLog is the append-only ordered list of messages the UI renders from. It exclusively owns
// its messages: the entry bound to the in-flight turn is the only mutable one, and at most one
// entry is streaming at a time, matching the single-active-turn invariant of the session.
type MessageLog struct {
	mu        sync.Mutex
	messages  []models.Message
	turnIdx   map[string]int
	streaming string
}

// NewMessageLog creates an empty message log.
func NewMessageLog() *MessageLog {
	return &MessageLog{
		turnIdx: make(map[string]int),
	}
}

// Append adds a finished message, typically the user side of a turn.
func (l *MessageLog) Append(msg models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// BeginTurn appends the assistant entry for a new turn in streaming state and binds it to turnID.
// Any previously streaming entry is marked failed first, so stale turns can never resurrect.
func (l *MessageLog) BeginTurn(turnID string, msg models.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.streaming != "" {
		l.messages[l.turnIdx[l.streaming]].Status = models.StatusFailed
	}

	msg.Status = models.StatusStreaming
	l.messages = append(l.messages, msg)
	l.turnIdx[turnID] = len(l.messages) - 1
	l.streaming = turnID
}

// UpdateStreaming appends delta to the entry bound to turnID. Updates for unknown, superseded, or
// finalized turns are dropped without error; the return value reports whether the update applied.
func (l *MessageLog) UpdateStreaming(turnID, delta string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.turnIdx[turnID]
	if !ok || l.messages[idx].Status != models.StatusStreaming {
		return false
	}
	l.messages[idx].Text += delta
	return true
}

// Finalize resolves the entry bound to turnID. A completed outcome replaces the text with the
// outcome's full text rather than appending, so chunk accounting can never double-count; a failed
// outcome marks the entry failed and annotates it with the reason. Finalizing an unknown or
// already-resolved turn is a no-op.
func (l *MessageLog) Finalize(turnID string, out Outcome) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.turnIdx[turnID]
	if !ok {
		return false
	}
	if l.streaming == turnID {
		l.streaming = ""
	}

	msg := &l.messages[idx]
	if msg.Status != models.StatusStreaming {
		return false
	}

	if out.Completed() {
		msg.Text = out.Text
		msg.Status = models.StatusComplete
		return true
	}

	if msg.Text != "" {
		msg.Text += "\n\n"
	}
	msg.Text += fmt.Sprintf("*generation failed: %v*", out.Err)
	msg.Status = models.StatusFailed
	return true
}

// Message returns a copy of the entry bound to turnID.
func (l *MessageLog) Message(turnID string) (models.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.turnIdx[turnID]
	if !ok {
		return models.Message{}, false
	}
	return l.messages[idx], true
}

// Messages returns a snapshot copy of the whole log in append order.
func (l *MessageLog) Messages() []models.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]models.Message, len(l.messages))
	copy(out, l.messages)
	return out
}
