package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides a Runtime implementation backed by a local Ollama server. It manages the
// connection to the server instance and handles streaming chat completions.
type Ollama struct {
	host         string
	systemPrompt string

	client *api.Client
	logger *slog.Logger
}

type ollamaModel struct {
	client       *api.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

type ollamaConversation struct {
	client *api.Client
	model  string
	logger *slog.Logger

	messages []api.Message
}

// NewOllama creates a new Ollama runtime pointing at the given host URL. If the provided host URL
// is invalid, the function will panic.
func NewOllama(host, systemPrompt string, logger *slog.Logger) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
		logger:       logger.With(slog.String("module", "ollama")),
	}
}

// LoadModel verifies the referenced model is present on the server and returns a handle for it.
// The server keeps ownership of the model weights; the handle only carries the reference.
func (o Ollama) LoadModel(ctx context.Context, ref string) (Model, error) {
	if _, err := o.client.Show(ctx, &api.ShowRequest{Model: ref}); err != nil {
		return nil, &LoadError{
			Kind: classifyOllamaError(err),
			Ref:  ref,
			Err:  err,
		}
	}

	o.logger.Debug("Model loaded", slog.String("model", ref))

	return &ollamaModel{
		client:       o.client,
		model:        ref,
		systemPrompt: o.systemPrompt,
		logger:       o.logger,
	}, nil
}

func classifyOllamaError(err error) LoadErrorKind {
	var sErr api.StatusError
	if errors.As(err, &sErr) {
		switch {
		case sErr.StatusCode == http.StatusNotFound:
			return LoadErrNotFound
		case strings.Contains(sErr.ErrorMessage, "unsupported"):
			return LoadErrUnsupported
		case strings.Contains(sErr.ErrorMessage, "corrupt"):
			return LoadErrCorrupt
		}
	}
	return LoadErrUnknown
}

func (m *ollamaModel) NewConversation(context.Context) (Conversation, error) {
	conv := &ollamaConversation{
		client: m.client,
		model:  m.model,
		logger: m.logger,
	}
	if m.systemPrompt != "" {
		conv.messages = append(conv.messages, api.Message{
			Role:    "system",
			Content: m.systemPrompt,
		})
	}
	return conv, nil
}

func (m *ollamaModel) Close() error {
	// The server owns the weights and unloads them on its own schedule.
	return nil
}

// Generate streams a response for text from the Ollama server. The returned iterator yields
// content chunks in arrival order; cancelling the context stops the underlying request.
func (c *ollamaConversation) Generate(ctx context.Context, text string) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		c.messages = append(c.messages, api.Message{
			Role:    string(models.RoleUser),
			Content: text,
		})

		t := true
		req := api.ChatRequest{
			Model:    c.model,
			Messages: c.messages,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var full strings.Builder
		if err := c.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content == "" {
				return nil
			}
			full.WriteString(res.Message.Content)
			if !yield(models.Chunk{
				Text: res.Message.Content,
				Kind: models.ChunkContent,
			}, nil) {
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}

		c.messages = append(c.messages, api.Message{
			Role:    string(models.RoleAssistant),
			Content: full.String(),
		})
	}
}

func (c *ollamaConversation) History() []models.Message {
	history := make([]models.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.Role == "system" {
			continue
		}
		history = append(history, models.Message{
			Role:   models.Role(msg.Role),
			Text:   msg.Content,
			Status: models.StatusComplete,
		})
	}
	return history
}

func (c *ollamaConversation) Close() error {
	c.messages = nil
	return nil
}
