package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides a Runtime implementation for OpenAI-compatible servers. The base URL is
// configurable so it works against locally hosted servers (llama.cpp, llamafile, vLLM) that speak
// the same protocol.
type OpenAI struct {
	systemPrompt string

	client *goopenai.Client
	logger *slog.Logger
}

type openAIModel struct {
	client       *goopenai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

type openAIConversation struct {
	client *goopenai.Client
	model  string
	logger *slog.Logger

	messages []goopenai.ChatCompletionMessage
}

// NewOpenAI creates a new OpenAI runtime with the specified API key and base URL. An empty baseURL
// targets the official API endpoint.
func NewOpenAI(apiKey, baseURL, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// LoadModel verifies the referenced model is served and returns a handle for it.
func (o OpenAI) LoadModel(ctx context.Context, ref string) (Model, error) {
	if _, err := o.client.GetModel(ctx, ref); err != nil {
		return nil, &LoadError{
			Kind: classifyOpenAIError(err),
			Ref:  ref,
			Err:  err,
		}
	}

	o.logger.Debug("Model loaded", slog.String("model", ref))

	return &openAIModel{
		client:       o.client,
		model:        ref,
		systemPrompt: o.systemPrompt,
		logger:       o.logger,
	}, nil
}

func classifyOpenAIError(err error) LoadErrorKind {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusNotFound:
			return LoadErrNotFound
		case http.StatusBadRequest:
			return LoadErrUnsupported
		}
	}
	return LoadErrUnknown
}

func (m *openAIModel) NewConversation(context.Context) (Conversation, error) {
	conv := &openAIConversation{
		client: m.client,
		model:  m.model,
		logger: m.logger,
	}
	if m.systemPrompt != "" {
		conv.messages = append(conv.messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: m.systemPrompt,
		})
	}
	return conv, nil
}

func (m *openAIModel) Close() error {
	return nil
}

// Generate streams a response for text through the chat completion API. Content deltas are yielded
// as content chunks, reasoning deltas as reasoning chunks; every other delta variant is ignored.
func (c *openAIConversation) Generate(ctx context.Context, text string) iter.Seq2[models.Chunk, error] {
	return func(yield func(models.Chunk, error) bool) {
		c.messages = append(c.messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleUser,
			Content: text,
		})

		req := goopenai.ChatCompletionRequest{
			Model:    c.model,
			Messages: c.messages,
			Stream:   true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(models.Chunk{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		var full strings.Builder
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.Chunk{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}

			delta := response.Choices[0].Delta
			if delta.ReasoningContent != "" {
				if !yield(models.Chunk{
					Text: delta.ReasoningContent,
					Kind: models.ChunkReasoning,
				}, nil) {
					return
				}
			}
			if delta.Content != "" {
				full.WriteString(delta.Content)
				if !yield(models.Chunk{
					Text: delta.Content,
					Kind: models.ChunkContent,
				}, nil) {
					return
				}
			}
		}

		c.messages = append(c.messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleAssistant,
			Content: full.String(),
		})
	}
}

func (c *openAIConversation) History() []models.Message {
	history := make([]models.Message, 0, len(c.messages))
	for _, msg := range c.messages {
		if msg.Role == goopenai.ChatMessageRoleSystem {
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

func (c *openAIConversation) Close() error {
	c.messages = nil
	return nil
}
