// Package handlers wires the streaming turn controller to the web UI: HTTP endpoints for
// submitting and cancelling turns, and a server-sent-events relay that pushes chunk, completion,
// and error updates to the browser.
package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	localchatui "github.com/MegaGrindStone/local-chat-ui"
	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	"github.com/MegaGrindStone/local-chat-ui/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for persisting finalized conversation transcripts.
type Store interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	AddConversation(ctx context.Context, conv models.Conversation) (string, error)

	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	AddMessage(ctx context.Context, conversationID string, message models.Message) (string, error)
}

// Main handles the core functionality of the chat application, managing server-sent events, HTML
// templates, and interactions between the conversation session and the transcript store.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	session *session.ConversationSession
	log     *session.MessageLog
	store   Store

	mu             sync.Mutex
	conversationID string

	logger *slog.Logger
}

const conversationsSSETopic = "conversations"

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided session and store. It initializes the SSE
// server and parses the HTML templates from the embedded filesystem. The SSE server subscribes
// every client to the conversation-list topic, plus a message-specific topic when requested.
func NewMain(sess *session.ConversationSession, store Store, logger *slog.Logger) (*Main, error) {
	tmpl, err := template.ParseFS(
		localchatui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return nil, err
	}

	return &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, conversationsSSETopic}

				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		session:   sess,
		log:       session.NewMessageLog(),
		store:     store,
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the server-sent-events endpoint the chat view subscribes to.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate before forcing them closed.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE spec requires data on every event.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// ensureConversation returns the persisted conversation ID for the running session, creating the
// record on first use with a title derived from the opening prompt.
func (m *Main) ensureConversation(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conversationID != "" {
		return m.conversationID, nil
	}

	conv := models.Conversation{
		Title:     conversationTitle(prompt),
		StartedAt: time.Now(),
	}
	id, err := m.store.AddConversation(ctx, conv)
	if err != nil {
		return "", fmt.Errorf("failed to add conversation: %w", err)
	}
	m.conversationID = id

	divs, err := m.conversationDivs(id)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation divs: %w", err)
	}

	msg := sse.Message{Type: conversationsSSEType}
	msg.AppendData(divs)
	if err := m.sseSrv.Publish(&msg, conversationsSSETopic); err != nil {
		return "", fmt.Errorf("failed to publish conversations: %w", err)
	}

	return id, nil
}

func conversationTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	const maxTitleLen = 80
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen] + "…"
	}
	return title
}

func (m *Main) conversationDivs(activeID string) (string, error) {
	conversations, err := m.store.Conversations(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get conversations: %w", err)
	}

	var sb strings.Builder
	for _, conv := range conversations {
		err := m.templates.ExecuteTemplate(&sb, "conversation_title", conversation{
			ID:     conv.ID,
			Title:  conv.Title,
			Active: conv.ID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute conversation_title template: %w", err)
		}
	}
	return sb.String(), nil
}
