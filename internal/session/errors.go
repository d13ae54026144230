package session

import "errors"

var (
	// ErrModelAlreadyLoaded is returned by LoadModel when the session already holds a model.
	// Loading twice is never silent; callers must Cleanup first.
	ErrModelAlreadyLoaded = errors.New("model already loaded")

	// ErrModelNotLoaded is returned by CreateConversation before a successful LoadModel.
	ErrModelNotLoaded = errors.New("model not loaded")

	// ErrConversationNotReady is returned by Generate when no conversation exists.
	ErrConversationNotReady = errors.New("conversation not ready")

	// ErrCancelled is the terminal outcome of a turn that was cancelled, either explicitly or by
	// a newer turn superseding it.
	ErrCancelled = errors.New("generation cancelled")
)
