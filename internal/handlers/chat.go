package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	"github.com/MegaGrindStone/local-chat-ui/internal/session"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type conversation struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for real-time updates.
var (
	conversationsSSEType = sse.Type("conversations")
	messagesSSEType      = sse.Type("messages")
	reasoningSSEType     = sse.Type("reasoning")
)

// HandleChats processes chat turns through HTTP POST requests. It expects a "message" form field,
// starts a generation turn for it, and streams the assistant response through Server-Sent Events
// while rendering message templates for the immediate response.
//
// Starting a new turn while one is in flight supersedes it: the prior turn is cancelled before the
// new one emits anything. If the session has no conversation yet, the request fails and nothing is
// appended to the message log.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	conversationID, err := m.ensureConversation(r.Context(), msg)
	if err != nil {
		m.logger.Error("Failed to ensure conversation", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Start the turn before touching the message log, so a rejected generation leaves the
	// transcript untouched.
	turn, err := m.session.Generate(context.Background(), msg)
	if err != nil {
		m.logger.Error("Failed to start generation", slog.String(errLoggerKey, err.Error()))
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrConversationNotReady) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	um := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Text:      msg,
		CreatedAt: time.Now(),
		Status:    models.StatusComplete,
	}
	m.log.Append(um)
	if _, err := m.store.AddMessage(r.Context(), conversationID, um); err != nil {
		m.logger.Error("Failed to persist user message", slog.String(errLoggerKey, err.Error()))
	}

	am := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
	}
	m.log.BeginTurn(turn.ID(), am)

	go m.relay(conversationID, turn, am.ID)

	userContent, err := models.RenderText(um.Text)
	if err != nil {
		m.logger.Error("Failed to render user message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = m.templates.ExecuteTemplate(w, "user_message", message{
		ID:             um.ID,
		Role:           string(um.Role),
		Content:        template.HTML(userContent),
		Timestamp:      um.CreatedAt,
		StreamingState: "ended",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             am.ID,
		Role:           string(am.Role),
		Timestamp:      am.CreatedAt,
		StreamingState: "loading",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCancel cancels the active generation turn, if any. Cancelling an idle session is a no-op.
func (m *Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.session.CancelActiveGeneration()
	w.WriteHeader(http.StatusNoContent)
}

// relay is the consumer side of one turn. It appends every content chunk to the message log,
// publishes the re-rendered message over SSE, and finalizes the log entry with the turn's outcome.
// Reasoning chunks are forwarded on their own event type and never enter the transcript.
func (m *Main) relay(conversationID string, turn *session.TurnStream, messageID string) {
	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(messageID))
	}()

	for chunk := range turn.Chunks() {
		if chunk.Kind == models.ChunkReasoning {
			e := sse.Message{Type: reasoningSSEType}
			e.AppendData(chunk.Text)
			_ = m.sseSrv.Publish(&e, messageIDTopic(messageID))
			continue
		}

		if !m.log.UpdateStreaming(turn.ID(), chunk.Text) {
			// The turn was superseded; its outcome still resolves below.
			break
		}
		m.publishMessage(turn.ID(), messageID)
	}

	text, err := turn.Wait(context.Background())
	m.log.Finalize(turn.ID(), session.Outcome{Text: text, Err: err})
	m.publishMessage(turn.ID(), messageID)

	if err != nil {
		if !errors.Is(err, session.ErrCancelled) {
			m.logger.Error("Generation failed", slog.String(errLoggerKey, err.Error()))
		}
		return
	}

	final, ok := m.log.Message(turn.ID())
	if !ok {
		return
	}
	if _, err := m.store.AddMessage(context.Background(), conversationID, final); err != nil {
		m.logger.Error("Failed to persist assistant message", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) publishMessage(turnID, messageID string) {
	msg, ok := m.log.Message(turnID)
	if !ok {
		return
	}

	content, err := models.RenderText(msg.Text)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(content)
	if err := m.sseSrv.Publish(&e, messageIDTopic(messageID)); err != nil {
		m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}
