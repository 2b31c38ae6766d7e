package orchestrator

import (
	"errors"
	"fmt"
)

// Kind classifies a failed turn.
type Kind string

const (
	// KindInvalid means the request itself was unusable.
	KindInvalid Kind = "invalid"

	// KindOracle means the reply could not be generated.
	KindOracle Kind = "oracle"

	// KindStore means session state could not be read or written.
	KindStore Kind = "store"
)

// ErrEmptyMessage is returned for a request without message text.
var ErrEmptyMessage = errors.New("empty message")

// ErrMissingConversation is returned for a request without conversation id.
var ErrMissingConversation = errors.New("missing conversation id")

// TurnError is returned by Engine.Turn. No reply is produced when it is.
type TurnError struct {
	Kind           Kind
	ConversationID string
	Err            error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed (%s): %v", e.ConversationID, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// IsKind reports whether err is a *TurnError of kind k.
func IsKind(err error, k Kind) bool {
	var te *TurnError
	return errors.As(err, &te) && te.Kind == k
}

func turnError(kind Kind, id string, err error) *TurnError {
	return &TurnError{Kind: kind, ConversationID: id, Err: err}
}
