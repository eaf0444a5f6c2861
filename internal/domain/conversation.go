package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Conversation groups related jobs into a user thread. The core only needs
// existence: a job's ConversationID, when present, must reference a row.
type Conversation struct {
	ID        string
	CreatedAt time.Time
}

// NewConversation builds a conversation with a fresh time-ordered id.
// CreatedAt is assigned by the store on insert.
func NewConversation() (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate conversation ID: %w", err)
	}
	return &Conversation{ID: id.String()}, nil
}
