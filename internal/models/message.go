package models

import "time"

// Message represents an individual entry in a conversation transcript. The message log owns every
// message; the Text field is only mutated while Status is StatusStreaming.
type Message struct {
	ID        string
	Role      Role
	Text      string
	CreatedAt time.Time
	Status    Status
}

// Role represents the role of a message participant.
type Role string

// Status represents the delivery state of a message.
type Status string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. Only assistant messages are ever streamed.
	RoleAssistant Role = "assistant"

	// StatusStreaming marks the in-flight assistant message whose text is still being appended to.
	StatusStreaming Status = "streaming"
	// StatusComplete marks a message whose text is final.
	StatusComplete Status = "complete"
	// StatusFailed marks a message whose generation ended in an error or was cancelled.
	StatusFailed Status = "failed"
)

// ChunkKind classifies a streamed response chunk.
type ChunkKind string

const (
	// ChunkContent is regular response text.
	ChunkContent ChunkKind = "content"
	// ChunkReasoning is intermediate reasoning text emitted by models that expose it. Reasoning
	// text is never part of the final response.
	ChunkReasoning ChunkKind = "reasoning"
)

// Chunk is one incremental piece of a streamed model response.
type Chunk struct {
	Text string
	Kind ChunkKind
}
