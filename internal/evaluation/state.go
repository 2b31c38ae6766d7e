package evaluation

import (
	"context"
	"strings"
	"time"

	"github.com/fyrsmithlabs/turnd/internal/logging"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

// Emotion is the direction of the user's emotional change.
type Emotion string

const (
	EmotionNone     Emotion = ""
	EmotionPositive Emotion = "positive"
	EmotionNegative Emotion = "negative"
	EmotionNeutral  Emotion = "neutral"
)

func parseEmotion(v string) Emotion {
	switch e := Emotion(strings.ToLower(strings.TrimSpace(v))); e {
	case EmotionPositive, EmotionNegative, EmotionNeutral:
		return e
	}
	return EmotionNone
}

// UserState is the detected behavior of the user over recent messages.
type UserState struct {
	ResistanceDetected   bool    `json:"resistance_detected"`
	EmotionChange        Emotion `json:"emotion_change,omitempty"`
	TopicChange          bool    `json:"topic_change"`
	CircularConversation bool    `json:"circular_conversation"`
	Summary              string  `json:"summary,omitempty"`
}

// NeedsReplan reports whether the phase-2 plan should be regenerated.
func (s UserState) NeedsReplan() bool {
	return s.ResistanceDetected || s.TopicChange || s.CircularConversation
}

const (
	stateWindow = 10
	stateWidth  = 200
)

const stateInstructions = `You observe a counseling conversation and report the user's state:
whether the user resists the counselor, how their emotion changed,
whether they changed topic and whether the conversation goes in circles.`

var stateSchema = oracle.Object(map[string]*oracle.Schema{
	"resistance_detected":   oracle.Boolean("user pushes back or avoids the counselor"),
	"emotion_change":        oracle.String("direction of emotional change", "positive", "negative", "neutral", "none"),
	"topic_change":          oracle.Boolean("user moved to a different topic"),
	"circular_conversation": oracle.Boolean("conversation repeats without progress"),
	"summary":               oracle.String("one sentence on the user's state"),
})

type stateJSON struct {
	ResistanceDetected   *bool  `json:"resistance_detected"`
	EmotionChange        string `json:"emotion_change"`
	TopicChange          *bool  `json:"topic_change"`
	CircularConversation *bool  `json:"circular_conversation"`
	Summary              string `json:"summary"`
}

func (j stateJSON) valid() bool {
	return j.ResistanceDetected != nil && j.TopicChange != nil && j.CircularConversation != nil
}

// StateDetector classifies the user's state.
type StateDetector struct {
	oracle  oracle.Oracle
	logger  *logging.Logger
	timeout time.Duration
}

// NewStateDetector creates a detector. A zero timeout disables the
// per-call deadline.
func NewStateDetector(o oracle.Oracle, logger *logging.Logger, timeout time.Duration) *StateDetector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &StateDetector{oracle: o, logger: logger.Named("state"), timeout: timeout}
}

// Detect never fails: oracle errors yield a neutral state.
func (d *StateDetector) Detect(ctx context.Context, history []session.Message) UserState {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	raw, err := d.oracle.Invoke(ctx, oracle.Request{
		Purpose: oracle.PurposeUserState,
		System:  stateInstructions,
		UserText: "Recent conversation:\n" + oracle.Transcript(history, stateWindow, stateWidth) +
			"\n\nIf you cannot answer in JSON, answer with these lines:\n" +
			"RESISTANCE_DETECTED: true|false\nEMOTION_CHANGE: positive|negative|neutral|none\n" +
			"TOPIC_CHANGE: true|false\nCIRCULAR_CONVERSATION: true|false\nUSER_STATE_SUMMARY: text",
		Schema: stateSchema,
	})
	if err != nil {
		d.logger.Warn(ctx, "state detection failed, assuming neutral state", zap.Error(err))
		return UserState{}
	}

	state := parseState(raw)
	d.logger.Debug(ctx, "user state detected",
		zap.Bool("resistance", state.ResistanceDetected),
		zap.String("emotion", string(state.EmotionChange)),
		zap.Bool("topic_change", state.TopicChange),
		zap.Bool("circular", state.CircularConversation))
	return state
}

func parseState(raw string) UserState {
	var js stateJSON
	if err := oracle.DecodeJSON(raw, &js); err == nil && js.valid() {
		return UserState{
			ResistanceDetected:   *js.ResistanceDetected,
			EmotionChange:        parseEmotion(js.EmotionChange),
			TopicChange:          *js.TopicChange,
			CircularConversation: *js.CircularConversation,
			Summary:              strings.TrimSpace(js.Summary),
		}
	}

	m := oracle.Markers(raw)
	if len(m) == 0 {
		oracle.RecordFallback(oracle.PurposeUserState, oracle.ModeDefault)
		return UserState{}
	}
	oracle.RecordFallback(oracle.PurposeUserState, oracle.ModeMarkers)
	return UserState{
		ResistanceDetected:   oracle.MarkerBool(m["RESISTANCE_DETECTED"]),
		EmotionChange:        parseEmotion(m["EMOTION_CHANGE"]),
		TopicChange:          oracle.MarkerBool(m["TOPIC_CHANGE"]),
		CircularConversation: oracle.MarkerBool(m["CIRCULAR_CONVERSATION"]),
		Summary:              m["USER_STATE_SUMMARY"],
	}
}
