// Package oracle is the single gateway to the text generation model.
//
// Every judgment step of a turn (completion check, state detection, task and
// technique choice, the reply itself, reviews and planning) is one Invoke
// call. Structured callers attach a Schema; backends then ask the model for
// JSON and callers fall back to KEY: value markers when the JSON is unusable.
package oracle

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/turnd/internal/session"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("oracle: empty response")

// Purpose labels a call for metrics, logs and test scripting.
type Purpose string

const (
	PurposeCompletion    Purpose = "completion"
	PurposeUserState     Purpose = "user_state"
	PurposeSelectTask    Purpose = "select_task"
	PurposeSelectModule  Purpose = "select_module"
	PurposeReply         Purpose = "reply"
	PurposeSupervise     Purpose = "supervise"
	PurposePlan          Purpose = "plan"
	PurposeSessionReview Purpose = "session_review"
)

// Request is one generation call.
type Request struct {
	Purpose Purpose

	// System carries the instructions and the assembled turn context.
	System string

	// History is sent as prior turns, oldest first.
	History []session.Message

	// UserText is the final user-role message.
	UserText string

	// Schema requests a JSON object shaped like this schema. Nil means free text.
	Schema *Schema
}

// Oracle generates text.
type Oracle interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (string, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
