package session_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	"github.com/MegaGrindStone/local-chat-ui/internal/runtime"
	"github.com/MegaGrindStone/local-chat-ui/internal/session"
)

// fakeRuntime scripts the behavior of an external model runtime. Each Generate call consumes the
// next scripted turn.
type fakeRuntime struct {
	loadErr error
	conv    *fakeConversation

	mu          sync.Mutex
	modelClosed int
}

type fakeConversation struct {
	mu     sync.Mutex
	turns  map[string]*scriptedTurn
	closed int
}

// scriptedTurn drives one Generate call. When resume is non-nil the producer blocks before
// emitting the chunk at index waitAt; with ignoreCtx set it keeps blocking (and emitting) even
// after its context is cancelled, like a source that cannot be stopped.
type scriptedTurn struct {
	chunks    []models.Chunk
	err       error
	waitAt    int
	resume    chan struct{}
	ignoreCtx bool
}

func (f *fakeRuntime) LoadModel(_ context.Context, _ string) (runtime.Model, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &fakeModel{rt: f}, nil
}

type fakeModel struct {
	rt *fakeRuntime
}

func (m *fakeModel) NewConversation(context.Context) (runtime.Conversation, error) {
	if m.rt.conv == nil {
		m.rt.conv = &fakeConversation{}
	}
	return m.rt.conv, nil
}

func (m *fakeModel) Close() error {
	m.rt.mu.Lock()
	defer m.rt.mu.Unlock()
	m.rt.modelClosed++
	return nil
}

func (c *fakeConversation) Generate(ctx context.Context, text string) iter.Seq2[models.Chunk, error] {
	c.mu.Lock()
	t := c.turns[text]
	c.mu.Unlock()

	return func(yield func(models.Chunk, error) bool) {
		if t == nil {
			return
		}
		for i, ch := range t.chunks {
			if t.resume != nil && i == t.waitAt {
				if t.ignoreCtx {
					<-t.resume
				} else {
					select {
					case <-t.resume:
					case <-ctx.Done():
						return
					}
				}
			}
			if !yield(ch, nil) {
				return
			}
		}
		if t.err != nil {
			yield(models.Chunk{}, t.err)
		}
	}
}

func (c *fakeConversation) History() []models.Message {
	return nil
}

func (c *fakeConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func contentChunks(texts ...string) []models.Chunk {
	chunks := make([]models.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = models.Chunk{Text: t, Kind: models.ChunkContent}
	}
	return chunks
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readySession(t *testing.T, rt *fakeRuntime) *session.ConversationSession {
	t.Helper()

	s := session.New(rt, testLogger())
	if err := s.LoadModel(context.Background(), "test-model"); err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	if err := s.CreateConversation(context.Background()); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	return s
}

func waitOutcome(t *testing.T, turn *session.TurnStream) (string, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return turn.Wait(ctx)
}

func TestLoadModel(t *testing.T) {
	tests := []struct {
		name      string
		loadErr   error
		wantState session.State
		wantKind  runtime.LoadErrorKind
	}{
		{
			name:      "Success",
			wantState: session.StateModelReady,
		},
		{
			name:      "Model not found",
			loadErr:   &runtime.LoadError{Kind: runtime.LoadErrNotFound, Ref: "missing", Err: errors.New("no such model")},
			wantState: session.StateUninitialized,
			wantKind:  runtime.LoadErrNotFound,
		},
		{
			name:      "Model unsupported",
			loadErr:   &runtime.LoadError{Kind: runtime.LoadErrUnsupported, Ref: "odd", Err: errors.New("bad arch")},
			wantState: session.StateUninitialized,
			wantKind:  runtime.LoadErrUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := session.New(&fakeRuntime{loadErr: tt.loadErr}, testLogger())

			err := s.LoadModel(context.Background(), "test-model")
			if tt.loadErr == nil {
				if err != nil {
					t.Fatalf("LoadModel() error = %v", err)
				}
			} else {
				var loadErr *runtime.LoadError
				if !errors.As(err, &loadErr) {
					t.Fatalf("LoadModel() error = %v, want *runtime.LoadError", err)
				}
				if loadErr.Kind != tt.wantKind {
					t.Errorf("LoadModel() error kind = %v, want %v", loadErr.Kind, tt.wantKind)
				}
			}

			if got := s.State(); got != tt.wantState {
				t.Errorf("State() = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestLoadModelTwice(t *testing.T) {
	s := session.New(&fakeRuntime{}, testLogger())

	if err := s.LoadModel(context.Background(), "test-model"); err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}
	if err := s.LoadModel(context.Background(), "test-model"); !errors.Is(err, session.ErrModelAlreadyLoaded) {
		t.Errorf("second LoadModel() error = %v, want ErrModelAlreadyLoaded", err)
	}
	if got := s.State(); got != session.StateModelReady {
		t.Errorf("State() = %v, want %v", got, session.StateModelReady)
	}
}

func TestCreateConversationBeforeLoad(t *testing.T) {
	s := session.New(&fakeRuntime{}, testLogger())

	if err := s.CreateConversation(context.Background()); !errors.Is(err, session.ErrModelNotLoaded) {
		t.Errorf("CreateConversation() error = %v, want ErrModelNotLoaded", err)
	}
	if got := s.State(); got != session.StateUninitialized {
		t.Errorf("State() = %v, want %v", got, session.StateUninitialized)
	}
}

func TestGenerateBeforeConversation(t *testing.T) {
	s := session.New(&fakeRuntime{}, testLogger())
	if err := s.LoadModel(context.Background(), "test-model"); err != nil {
		t.Fatalf("LoadModel() error = %v", err)
	}

	log := session.NewMessageLog()

	if _, err := s.Generate(context.Background(), "Hi"); !errors.Is(err, session.ErrConversationNotReady) {
		t.Errorf("Generate() error = %v, want ErrConversationNotReady", err)
	}
	if got := len(log.Messages()); got != 0 {
		t.Errorf("message log has %d entries after rejected generation, want 0", got)
	}
}

func TestGenerateStreamsChunksInOrder(t *testing.T) {
	rt := &fakeRuntime{conv: &fakeConversation{
		turns: map[string]*scriptedTurn{"Hi": {chunks: contentChunks("Hel", "lo")}},
	}}
	s := readySession(t, rt)
	log := session.NewMessageLog()

	turn, err := s.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	log.BeginTurn(turn.ID(), models.Message{ID: "m1", Role: models.RoleAssistant})

	var got []string
	for chunk := range turn.Chunks() {
		got = append(got, chunk.Text)
		log.UpdateStreaming(turn.ID(), chunk.Text)
	}

	want := []string{"Hel", "lo"}
	if len(got) != len(want) {
		t.Fatalf("received %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	text, err := waitOutcome(t, turn)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if text != "Hello" {
		t.Errorf("Wait() text = %q, want %q", text, "Hello")
	}

	log.Finalize(turn.ID(), session.Outcome{Text: text})
	msg, ok := log.Message(turn.ID())
	if !ok {
		t.Fatal("message log lost the turn's entry")
	}
	if msg.Status != models.StatusComplete {
		t.Errorf("message status = %v, want %v", msg.Status, models.StatusComplete)
	}
	if msg.Text != "Hello" {
		t.Errorf("message text = %q, want %q", msg.Text, "Hello")
	}

	if got := s.State(); got != session.StateConversationReady {
		t.Errorf("State() = %v, want %v", got, session.StateConversationReady)
	}
}

func TestGenerateSupersedesActiveTurn(t *testing.T) {
	blocked := &scriptedTurn{
		chunks: contentChunks("never"),
		waitAt: 0,
		resume: make(chan struct{}),
	}
	rt := &fakeRuntime{conv: &fakeConversation{
		turns: map[string]*scriptedTurn{
			"A": blocked,
			"B": {chunks: contentChunks("B!")},
		},
	}}
	s := readySession(t, rt)
	log := session.NewMessageLog()

	turnA, err := s.Generate(context.Background(), "A")
	if err != nil {
		t.Fatalf("Generate(A) error = %v", err)
	}
	log.BeginTurn(turnA.ID(), models.Message{ID: "a", Role: models.RoleAssistant})

	turnB, err := s.Generate(context.Background(), "B")
	if err != nil {
		t.Fatalf("Generate(B) error = %v", err)
	}
	log.BeginTurn(turnB.ID(), models.Message{ID: "b", Role: models.RoleAssistant})

	if _, err := waitOutcome(t, turnA); !errors.Is(err, session.ErrCancelled) {
		t.Errorf("Wait(A) error = %v, want ErrCancelled", err)
	}
	log.Finalize(turnA.ID(), session.Outcome{Err: session.ErrCancelled})

	for chunk := range turnB.Chunks() {
		log.UpdateStreaming(turnB.ID(), chunk.Text)
	}
	text, err := waitOutcome(t, turnB)
	if err != nil {
		t.Fatalf("Wait(B) error = %v", err)
	}
	log.Finalize(turnB.ID(), session.Outcome{Text: text})

	msgA, _ := log.Message(turnA.ID())
	if msgA.Status != models.StatusFailed {
		t.Errorf("message A status = %v, want %v", msgA.Status, models.StatusFailed)
	}
	msgB, _ := log.Message(turnB.ID())
	if msgB.Status != models.StatusComplete {
		t.Errorf("message B status = %v, want %v", msgB.Status, models.StatusComplete)
	}
	if msgB.Text != "B!" {
		t.Errorf("message B text = %q, want %q", msgB.Text, "B!")
	}
}

func TestCancelSuppressesDelivery(t *testing.T) {
	// The source ignores its context: after the first chunk it waits for resume and then keeps
	// emitting, like a producer that cannot be stopped. The second chunk must never reach the
	// consumer.
	turnScript := &scriptedTurn{
		chunks:    contentChunks("one", "two"),
		waitAt:    1,
		resume:    make(chan struct{}),
		ignoreCtx: true,
	}
	rt := &fakeRuntime{conv: &fakeConversation{turns: map[string]*scriptedTurn{"Hi": turnScript}}}
	s := readySession(t, rt)
	log := session.NewMessageLog()

	turn, err := s.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	log.BeginTurn(turn.ID(), models.Message{ID: "m1", Role: models.RoleAssistant})

	chunk := <-turn.Chunks()
	log.UpdateStreaming(turn.ID(), chunk.Text)

	s.CancelActiveGeneration()
	close(turnScript.resume)

	var extra []models.Chunk
	for c := range turn.Chunks() {
		extra = append(extra, c)
	}
	if len(extra) != 0 {
		t.Errorf("received %d chunks after cancel, want 0", len(extra))
	}

	if _, err := waitOutcome(t, turn); !errors.Is(err, session.ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", err)
	}
	if !turn.Cancelled() {
		t.Error("Cancelled() = false, want true")
	}

	log.Finalize(turn.ID(), session.Outcome{Err: session.ErrCancelled})
	msg, _ := log.Message(turn.ID())
	if msg.Status != models.StatusFailed {
		t.Errorf("message status = %v, want %v", msg.Status, models.StatusFailed)
	}

	// A stale producer update after finalization must not resurrect the entry.
	if log.UpdateStreaming(turn.ID(), "two") {
		t.Error("UpdateStreaming() applied after cancellation")
	}
}

func TestCancelAfterTerminalIsNoOp(t *testing.T) {
	rt := &fakeRuntime{conv: &fakeConversation{
		turns: map[string]*scriptedTurn{"Hi": {chunks: contentChunks("done")}},
	}}
	s := readySession(t, rt)

	turn, err := s.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	for range turn.Chunks() {
	}

	text, err := waitOutcome(t, turn)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	turn.Cancel()

	out, ok := turn.Outcome()
	if !ok {
		t.Fatal("Outcome() not resolved")
	}
	if !out.Completed() || out.Text != text {
		t.Errorf("Outcome() = %+v after late Cancel, want completed %q", out, text)
	}
	if turn.Cancelled() {
		t.Error("Cancelled() = true after late Cancel, want false")
	}
}

func TestRuntimeFaultFailsTurn(t *testing.T) {
	fault := errors.New("backend exploded")
	rt := &fakeRuntime{conv: &fakeConversation{
		turns: map[string]*scriptedTurn{"Hi": {chunks: contentChunks("par"), err: fault}},
	}}
	s := readySession(t, rt)

	turn, err := s.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	for range turn.Chunks() {
	}

	if _, err := waitOutcome(t, turn); !errors.Is(err, fault) {
		t.Errorf("Wait() error = %v, want wrapped %v", err, fault)
	}
	if got := s.State(); got != session.StateConversationReady {
		t.Errorf("State() = %v, want %v", got, session.StateConversationReady)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	conv := &fakeConversation{}
	rt := &fakeRuntime{conv: conv}
	s := readySession(t, rt)

	s.Cleanup()
	s.Cleanup()

	if got := s.State(); got != session.StateUninitialized {
		t.Errorf("State() = %v, want %v", got, session.StateUninitialized)
	}

	rt.mu.Lock()
	modelClosed := rt.modelClosed
	rt.mu.Unlock()
	if modelClosed != 1 {
		t.Errorf("model closed %d times, want 1", modelClosed)
	}

	conv.mu.Lock()
	convClosed := conv.closed
	conv.mu.Unlock()
	if convClosed != 1 {
		t.Errorf("conversation closed %d times, want 1", convClosed)
	}

	// The session is reusable after cleanup.
	if err := s.LoadModel(context.Background(), "test-model"); err != nil {
		t.Errorf("LoadModel() after Cleanup() error = %v", err)
	}
}

func TestCleanupCancelsActiveTurn(t *testing.T) {
	blocked := &scriptedTurn{
		chunks: contentChunks("never"),
		waitAt: 0,
		resume: make(chan struct{}),
	}
	rt := &fakeRuntime{conv: &fakeConversation{turns: map[string]*scriptedTurn{"Hi": blocked}}}
	s := readySession(t, rt)

	turn, err := s.Generate(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	s.Cleanup()

	if _, err := waitOutcome(t, turn); !errors.Is(err, session.ErrCancelled) {
		t.Errorf("Wait() error = %v, want ErrCancelled", err)
	}
	if got := s.State(); got != session.StateUninitialized {
		t.Errorf("State() = %v, want %v", got, session.StateUninitialized)
	}
}
