package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/turnd/internal/config"
	"github.com/fyrsmithlabs/turnd/internal/session"
)

// Request is one inbound user message.
type Request struct {
	ConversationID string

	// Message is the user's text for this turn.
	Message string

	// History is the conversation so far, oldest first. It may already end
	// with Message.
	History []session.Message
}

// Result is the outcome of a successful turn.
type Result struct {
	Reply string

	// TaskID is empty when the phase had no task to pursue.
	TaskID        string
	Phase         session.Phase
	ModuleID      string
	ModuleChanged bool
	TaskCompleted bool

	// PhaseAdvanced is set when the turn itself moved the session to Phase.
	PhaseAdvanced bool

	// MessageCount is the index of this turn's user message, starting at 1.
	MessageCount int
	TurnID       string
}

// Options tunes the engine.
type Options struct {
	SupervisionInterval   int
	SessionReviewInterval int

	EvaluationTimeout time.Duration
	ReplyTimeout      time.Duration
	JobTimeout        time.Duration

	// Instructions is the base system prompt of every reply.
	Instructions string
}

const (
	DefaultSupervisionInterval   = 3
	DefaultSessionReviewInterval = 6
)

// OptionsFromConfig maps the engine section of cfg onto Options.
func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		SupervisionInterval:   cfg.SupervisionInterval,
		SessionReviewInterval: cfg.SessionReviewInterval,
		EvaluationTimeout:     cfg.EvaluationTimeout.Duration(),
		ReplyTimeout:          cfg.ReplyTimeout.Duration(),
		JobTimeout:            cfg.JobTimeout.Duration(),
	}
}

func (o *Options) applyDefaults() {
	if o.SupervisionInterval < 1 {
		o.SupervisionInterval = DefaultSupervisionInterval
	}
	if o.SessionReviewInterval < 1 {
		o.SessionReviewInterval = DefaultSessionReviewInterval
	}
	if o.Instructions == "" {
		o.Instructions = DefaultInstructions
	}
}
