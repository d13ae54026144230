package handlers

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
)

type homePageData struct {
	CurrentConversationID string
	Conversations         []conversation
	Messages              []message
}

// HandleHome renders the chat page. Without a conversation_id query parameter it shows the live
// transcript of the running session; with one it shows the persisted transcript of that
// conversation.
func (m *Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	conversations, err := m.store.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")

	var msgs []models.Message
	if conversationID == "" {
		msgs = m.log.Messages()
	} else {
		msgs, err = m.store.Messages(r.Context(), conversationID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("conversationID", conversationID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	data := homePageData{
		CurrentConversationID: conversationID,
		Conversations:         make([]conversation, len(conversations)),
		Messages:              make([]message, len(msgs)),
	}
	for i, conv := range conversations {
		data.Conversations[i] = conversation{
			ID:     conv.ID,
			Title:  conv.Title,
			Active: conv.ID == conversationID,
		}
	}
	for i, msg := range msgs {
		content, err := models.RenderText(msg.Text)
		if err != nil {
			m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		streamingState := "ended"
		if msg.Status == models.StatusStreaming {
			streamingState = "streaming"
		}
		data.Messages[i] = message{
			ID:             msg.ID,
			Role:           string(msg.Role),
			Content:        template.HTML(content),
			Timestamp:      msg.CreatedAt,
			StreamingState: streamingState,
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
