package session

import (
	"context"
	"sync"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
)

// Outcome is the single terminal result of a turn. Err is nil when the turn completed, and Text
// then holds the full response; a non-nil Err carries the failure, with ErrCancelled marking
// cancellation.
type Outcome struct {
	Text string
	Err  error
}

// Completed reports whether the turn produced a full response.
func (o Outcome) Completed() bool {
	return o.Err == nil
}

// TurnStream is a cancellable, single-consumer stream of chunks for one generation turn. Chunks
// are delivered in generation order, at most once, and stop the moment the turn reaches its
// terminal outcome.
//
// The producer behind the stream may not be stoppable at its source. Cancellation is therefore
// advisory toward the producer (its context is cancelled) but authoritative at the consumer
// boundary: once Cancel returns, no further chunk reaches the consumer, whatever the producer
// still emits.
type TurnStream struct {
	id     string
	prompt string

	chunks chan models.Chunk
	done   chan struct{}
	stop   context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	outcome   *Outcome
}

func newTurnStream(id, prompt string, stop context.CancelFunc) *TurnStream {
	return &TurnStream{
		id:     id,
		prompt: prompt,
		chunks: make(chan models.Chunk),
		done:   make(chan struct{}),
		stop:   stop,
	}
}

// ID returns the turn identifier the stream is bound to.
func (t *TurnStream) ID() string {
	return t.id
}

// Prompt returns the user text that started the turn.
func (t *TurnStream) Prompt() string {
	return t.prompt
}

// Chunks returns the chunk channel. The channel is unbuffered, so a chunk counts as delivered
// only once the consumer received it, and it is closed when the turn terminates.
func (t *TurnStream) Chunks() <-chan models.Chunk {
	return t.chunks
}

// Wait blocks until the turn terminates and returns the full response text or the failure. Every
// caller observes the same outcome the chunk-channel watchers do.
func (t *TurnStream) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	out, _ := t.Outcome()
	return out.Text, out.Err
}

// Outcome returns the terminal outcome and whether the turn already terminated.
func (t *TurnStream) Outcome() (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outcome == nil {
		return Outcome{}, false
	}
	return *t.outcome, true
}

// Cancelled reports whether Cancel was called before the turn terminated on its own.
func (t *TurnStream) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Cancel stops the turn. If the outcome is still pending it resolves to ErrCancelled; if the turn
// already terminated, Cancel is a no-op.
func (t *TurnStream) Cancel() {
	t.mu.Lock()
	if t.outcome != nil {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.outcome = &Outcome{Err: ErrCancelled}
	t.mu.Unlock()

	close(t.done)
	t.stop()
}

// emit hands one chunk to the consumer. It reports false when the turn is cancelled or terminated,
// in which case the chunk is dropped and the producer should stop.
func (t *TurnStream) emit(c models.Chunk) bool {
	t.mu.Lock()
	if t.cancelled || t.outcome != nil {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	select {
	case t.chunks <- c:
		return true
	case <-t.done:
		return false
	}
}

// finish resolves the terminal outcome from the producer side. The first resolution wins; any
// later one is dropped.
func (t *TurnStream) finish(out Outcome) {
	t.mu.Lock()
	if t.outcome != nil {
		t.mu.Unlock()
		return
	}
	t.outcome = &out
	t.mu.Unlock()

	close(t.done)
}
