package http

import (
	"github.com/fyrsmithlabs/turnd/internal/catalog"
	"github.com/fyrsmithlabs/turnd/internal/orchestrator"
	"github.com/fyrsmithlabs/turnd/internal/session"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// TurnRequest is the request body for POST /v1/conversations/:id/turns.
type TurnRequest struct {
	Message string `json:"message"`
}

// TurnResponse is the response body of a successful turn.
type TurnResponse struct {
	ConversationID string        `json:"conversation_id"`
	TurnID         string        `json:"turn_id"`
	Reply          string        `json:"reply"`
	Phase          session.Phase `json:"phase"`
	TaskID         string        `json:"task_id,omitempty"`
	ModuleID       string        `json:"module_id,omitempty"`
	ModuleChanged  bool          `json:"module_changed"`
	TaskCompleted  bool          `json:"task_completed"`
	PhaseAdvanced  bool          `json:"phase_advanced"`
	MessageCount   int           `json:"message_count"`
}

func newTurnResponse(id string, res *orchestrator.Result) TurnResponse {
	return TurnResponse{
		ConversationID: id,
		TurnID:         res.TurnID,
		Reply:          res.Reply,
		Phase:          res.Phase,
		TaskID:         res.TaskID,
		ModuleID:       res.ModuleID,
		ModuleChanged:  res.ModuleChanged,
		TaskCompleted:  res.TaskCompleted,
		PhaseAdvanced:  res.PhaseAdvanced,
		MessageCount:   res.MessageCount,
	}
}

// ModulesResponse is the response body for GET /v1/modules.
type ModulesResponse struct {
	Modules []catalog.Module `json:"modules"`
}

// MessagesResponse is the response body for GET /v1/conversations/:id/messages.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []session.Message `json:"messages"`
}
