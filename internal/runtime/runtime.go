// Package runtime abstracts the external model runtime that owns all language-model inference.
// The rest of the application treats it as an opaque capability: models are loaded by reference,
// conversations are created from a loaded model, and generation is consumed as an ordered stream
// of chunks. Response variants the runtime emits beyond plain and reasoning text are ignored.
package runtime

import (
	"context"
	"fmt"
	"iter"

	"github.com/MegaGrindStone/local-chat-ui/internal/models"
)

// Runtime is the entry point to an external model runtime.
type Runtime interface {
	// LoadModel resolves a model reference into a usable handle. Failures are reported as
	// *LoadError so callers can distinguish a missing model from an unusable one.
	LoadModel(ctx context.Context, ref string) (Model, error)
}

// Model is a loaded model handle. It stays valid until Close is called.
type Model interface {
	NewConversation(ctx context.Context) (Conversation, error)
	Close() error
}

// Conversation holds the message history of one conversation on the runtime side. Generate returns
// an iterator that yields response chunks and potential errors; the iterator stops early when the
// given context is cancelled. History retrieval is a pass-through to the runtime's own state.
type Conversation interface {
	Generate(ctx context.Context, text string) iter.Seq2[models.Chunk, error]
	History() []models.Message
	Close() error
}

// LoadErrorKind classifies model load failures.
type LoadErrorKind string

const (
	// LoadErrNotFound indicates the model reference does not resolve to any model.
	LoadErrNotFound LoadErrorKind = "not_found"
	// LoadErrCorrupt indicates the model exists but its data cannot be read.
	LoadErrCorrupt LoadErrorKind = "corrupt"
	// LoadErrUnsupported indicates the model exists but this runtime cannot run it.
	LoadErrUnsupported LoadErrorKind = "unsupported"
	// LoadErrUnknown covers every other load failure.
	LoadErrUnknown LoadErrorKind = "unknown"
)

// LoadError reports a model load failure with its classification.
type LoadError struct {
	Kind LoadErrorKind
	Ref  string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load model %q (%s): %v", e.Ref, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
