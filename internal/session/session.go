// Package session implements the streaming turn controller: a conversation session owning the
// model and conversation lifecycle, a per-turn cancellable chunk stream, and the message log the
// UI renders from.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	"github.com/MegaGrindStone/local-chat-ui/internal/runtime"
	"github.com/google/uuid"
)

// State is the lifecycle state of a ConversationSession.
type State string

const (
	// StateUninitialized is the initial state, and the state Cleanup always returns to.
	StateUninitialized State = "uninitialized"
	// StateModelLoading is held while LoadModel is in flight.
	StateModelLoading State = "model_loading"
	// StateModelReady means a model is loaded but no conversation exists yet.
	StateModelReady State = "model_ready"
	// StateConversationReady means a conversation exists and Generate may be called.
	StateConversationReady State = "conversation_ready"
	// StateGenerating means a turn is in flight. The conversation stays usable; a new Generate
	// supersedes the active turn.
	StateGenerating State = "generating"
)

// ConversationSession owns the load-model / create-conversation / generate / cancel / cleanup
// lifecycle for one model+conversation pair. The model and conversation handles are exclusively
// owned by the session, and at most one turn is active at a time.
//
// Lifecycle calls are assumed to come from a single caller; the session still locks internally so
// the producer goroutine can update turn state safely.
type ConversationSession struct {
	rt     runtime.Runtime
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	model  runtime.Model
	conv   runtime.Conversation
	active *TurnStream
}

// New creates a session backed by the given runtime.
func New(rt runtime.Runtime, logger *slog.Logger) *ConversationSession {
	return &ConversationSession{
		rt:     rt,
		state:  StateUninitialized,
		logger: logger.With(slog.String("module", "session")),
	}
}

// State returns the current lifecycle state.
func (s *ConversationSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadModel resolves and holds the model handle for ref. It returns ErrModelAlreadyLoaded when a
// model is already held, and a wrapped *runtime.LoadError when the runtime rejects the reference;
// a failed load leaves the session in its prior state.
func (s *ConversationSession) LoadModel(ctx context.Context, ref string) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return ErrModelAlreadyLoaded
	}
	s.state = StateModelLoading
	s.mu.Unlock()

	model, err := s.rt.LoadModel(ctx, ref)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateUninitialized
		return fmt.Errorf("failed to load model: %w", err)
	}

	s.model = model
	s.state = StateModelReady
	s.logger.Info("Model loaded", slog.String("model", ref))
	return nil
}

// CreateConversation allocates a fresh conversation handle. Any previous conversation is released
// after the new one exists, and any active turn is cancelled, since its conversation is being
// replaced. Returns ErrModelNotLoaded before a successful LoadModel; a failure leaves the session
// state unchanged.
func (s *ConversationSession) CreateConversation(ctx context.Context) error {
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()
	if model == nil {
		return ErrModelNotLoaded
	}

	conv, err := model.NewConversation(ctx)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	s.mu.Lock()
	prev := s.conv
	active := s.active
	s.conv = conv
	s.active = nil
	s.state = StateConversationReady
	s.mu.Unlock()

	if active != nil {
		active.Cancel()
	}
	if prev != nil {
		if err := prev.Close(); err != nil {
			s.logger.Warn("Failed to release previous conversation", slog.String("err", err.Error()))
		}
	}
	return nil
}

// Generate starts a new turn for text and returns its stream without blocking. If a prior turn is
// still active it is cancelled before the new one emits anything, so only one generation is in
// flight per session. Returns ErrConversationNotReady unless a conversation exists.
func (s *ConversationSession) Generate(ctx context.Context, text string) (*TurnStream, error) {
	s.mu.Lock()
	if s.state != StateConversationReady && s.state != StateGenerating {
		s.mu.Unlock()
		return nil, ErrConversationNotReady
	}
	prev := s.active
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	genCtx, cancel := context.WithCancel(ctx)
	turn := newTurnStream(uuid.New().String(), text, cancel)

	s.mu.Lock()
	if s.conv == nil {
		// Cleanup ran between the state check and here.
		s.mu.Unlock()
		cancel()
		return nil, ErrConversationNotReady
	}
	conv := s.conv
	s.active = turn
	s.state = StateGenerating
	s.mu.Unlock()

	go s.run(genCtx, conv, turn)

	return turn, nil
}

// run is the producer side of a turn. It pumps the runtime iterator into the stream and resolves
// the terminal outcome exactly once.
func (s *ConversationSession) run(ctx context.Context, conv runtime.Conversation, turn *TurnStream) {
	// turnDone must run before the chunk channel closes.
	defer close(turn.chunks)
	defer s.turnDone(turn)

	var full strings.Builder
	for chunk, err := range conv.Generate(ctx, turn.prompt) {
		if err != nil {
			turn.finish(Outcome{Err: fmt.Errorf("runtime fault: %w", err)})
			return
		}
		if !turn.emit(chunk) {
			return
		}
		if chunk.Kind == models.ChunkContent {
			full.WriteString(chunk.Text)
		}
	}

	// The full text is authoritative even if some chunk was dropped on cancellation; finish is a
	// no-op when the outcome already resolved.
	turn.finish(Outcome{Text: full.String()})
}

func (s *ConversationSession) turnDone(turn *TurnStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != turn {
		return
	}
	s.active = nil
	if s.state == StateGenerating {
		s.state = StateConversationReady
	}
}

// CancelActiveGeneration cancels the active turn, if any. After it returns no further chunk
// reaches the turn's consumer.
func (s *ConversationSession) CancelActiveGeneration() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.Cancel()
	}
}

// History returns the conversation transcript held by the runtime, or nil when no conversation
// exists.
func (s *ConversationSession) History() []models.Message {
	s.mu.Lock()
	conv := s.conv
	s.mu.Unlock()

	if conv == nil {
		return nil
	}
	return conv.History()
}

// Cleanup cancels any active turn, releases the conversation and model handles, and resets the
// session to StateUninitialized. It is idempotent; release failures are logged and never prevent
// the reset.
func (s *ConversationSession) Cleanup() {
	s.mu.Lock()
	active := s.active
	conv := s.conv
	model := s.model
	s.active = nil
	s.conv = nil
	s.model = nil
	s.state = StateUninitialized
	s.mu.Unlock()

	if active != nil {
		active.Cancel()
	}
	if conv != nil {
		if err := conv.Close(); err != nil {
			s.logger.Warn("Failed to release conversation", slog.String("err", err.Error()))
		}
	}
	if model != nil {
		if err := model.Close(); err != nil {
			s.logger.Warn("Failed to release model", slog.String("err", err.Error()))
		}
	}
}
