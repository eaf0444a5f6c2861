package handler

import (
	"log/slog"
	"net/http"

	"github.com/gantrylab/gantry/internal/infrastructure/http/response"
)

// ConversationResponse wraps a single conversation.
type ConversationResponse struct {
	Conversation ConversationDTO `json:"conversation"`
}

// CreateConversation handles POST /v1/conversations. Conversations are
// created empty; jobs join one by naming it at submission.
func (a *API) CreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.jobs.CreateConversation(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "conversation created via HTTP", "conversation_id", conv.ID)

	response.Created(w, ConversationResponse{Conversation: MapConversationToDTO(conv)})
}
