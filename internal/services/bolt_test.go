package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	"github.com/MegaGrindStone/local-chat-ui/internal/services"
)

func newTestDB(t *testing.T) services.BoltDB {
	t.Helper()

	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("NewBoltDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return db
}

func TestConversationRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.AddConversation(ctx, models.Conversation{
		ID:        "abc",
		Title:     "Test Conversation",
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}
	if id == "" {
		t.Fatal("AddConversation() returned empty ID")
	}

	conversations, err := db.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("Conversations() returned %d records, want 1", len(conversations))
	}
	if conversations[0].ID != id {
		t.Errorf("conversation ID = %q, want %q", conversations[0].ID, id)
	}
	if conversations[0].Title != "Test Conversation" {
		t.Errorf("conversation title = %q, want %q", conversations[0].Title, "Test Conversation")
	}
}

func TestMessagesKeepStoredOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	convID, err := db.AddConversation(ctx, models.Conversation{ID: "abc"})
	if err != nil {
		t.Fatalf("AddConversation() error = %v", err)
	}

	texts := []string{"Hi", "Hello", "Bye"}
	for _, text := range texts {
		if _, err := db.AddMessage(ctx, convID, models.Message{
			Role:   models.RoleUser,
			Text:   text,
			Status: models.StatusComplete,
		}); err != nil {
			t.Fatalf("AddMessage(%q) error = %v", text, err)
		}
	}

	messages, err := db.Messages(ctx, convID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != len(texts) {
		t.Fatalf("Messages() returned %d records, want %d", len(messages), len(texts))
	}
	for i, text := range texts {
		if messages[i].Text != text {
			t.Errorf("messages[%d].Text = %q, want %q", i, messages[i].Text, text)
		}
	}
}

func TestMessagesUnknownConversation(t *testing.T) {
	db := newTestDB(t)

	messages, err := db.Messages(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Messages() returned %d records for unknown conversation, want 0", len(messages))
	}
}
