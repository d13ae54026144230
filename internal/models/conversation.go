package models

import "time"

// Conversation represents a persisted conversation transcript. It provides basic identification and
// labeling for organizing message histories.
type Conversation struct {
	ID        string
	Title     string
	StartedAt time.Time
}
