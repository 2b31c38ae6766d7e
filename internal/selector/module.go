package selector

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/turnd/internal/evaluation"
	"github.com/fyrsmithlabs/turnd/internal/oracle"
	"github.com/fyrsmithlabs/turnd/internal/session"
	"go.uber.org/zap"
)

// ModuleChoice is the technique module for a turn.
type ModuleChoice struct {
	ModuleID string

	// Changed is true when a previous module existed and differs.
	Changed bool

	// Reason may be empty even when Changed is true.
	Reason string
}

const moduleInstructions = `You choose the counseling technique for the next reply.
Match the task goal and the user's state. Keep the current technique
unless there is a reason to change it, and name the reason when you change.`

type moduleJSON struct {
	SelectedModuleID string `json:"selected_module_id"`
	ChangeReason     string `json:"change_reason"`
}

// SelectModule picks the module for task. It falls back to the task's own
// module and then to the first catalog module when the proposal is not a
// catalog id. When the oracle call fails the current module is kept.
func (s *Selector) SelectModule(ctx context.Context, task *session.Task, state evaluation.UserState, currentModuleID string, feedback *session.SupervisionEntry) ModuleChoice {
	raw, err := s.invoke(ctx, oracle.Request{
		Purpose:  oracle.PurposeSelectModule,
		System:   moduleInstructions,
		UserText: s.modulePrompt(task, state, currentModuleID, feedback),
		Schema:   s.moduleSchema(),
	})

	var id, reason string
	switch {
	case err != nil:
		s.logger.Warn(ctx, "module selection failed, keeping current module", zap.Error(err))
		if s.catalog.Has(currentModuleID) {
			return ModuleChoice{ModuleID: currentModuleID}
		}
	default:
		id, reason = parseModule(raw)
	}

	if !s.catalog.Has(id) {
		if id != "" {
			s.logger.Debug(ctx, "oracle chose an unknown module, using fallback", zap.String("module_id", id))
		}
		id = s.defaultModule(task)
	}

	choice := ModuleChoice{ModuleID: id}
	if currentModuleID != "" && id != currentModuleID {
		choice.Changed = true
		choice.Reason = reason
	}
	return choice
}

func (s *Selector) defaultModule(task *session.Task) string {
	if task != nil && s.catalog.Has(task.ModuleID) {
		return task.ModuleID
	}
	return s.catalog.First().ID
}

func (s *Selector) moduleSchema() *oracle.Schema {
	modules := s.catalog.List()
	ids := make([]string, len(modules))
	for i, m := range modules {
		ids[i] = m.ID
	}
	return oracle.Object(map[string]*oracle.Schema{
		"selected_module_id": oracle.String("id of the chosen module", ids...),
		"change_reason":      oracle.String("why the module changed, or none"),
	})
}

func (s *Selector) modulePrompt(task *session.Task, state evaluation.UserState, currentModuleID string, feedback *session.SupervisionEntry) string {
	var b strings.Builder
	if task != nil {
		fmt.Fprintf(&b, "Task title: %s\nTask target: %s\n\n", task.Title, task.Target)
	}
	emotion := string(state.EmotionChange)
	if emotion == "" {
		emotion = "none"
	}
	fmt.Fprintf(&b, "Resistance detected: %t\nEmotion change: %s\nTopic change: %t\nState summary: %s\n",
		state.ResistanceDetected, emotion, state.TopicChange, state.Summary)

	if feedback != nil && (feedback.Actionable() || feedback.Improvements != "") {
		fmt.Fprintf(&b, "\nReview of the previous reply:\n- Score: %d/10\n- Improvements: %s\n", feedback.Score, feedback.Improvements)
	}
	if m, ok := s.catalog.Get(currentModuleID); ok {
		fmt.Fprintf(&b, "\nCurrent module: %s\n", m.Name)
	}

	b.WriteString("\nAvailable modules:\n")
	for _, m := range s.catalog.List() {
		fmt.Fprintf(&b, "- %s: %s - %s\n", m.ID, m.Name, m.Description)
	}
	b.WriteString("\nIf you cannot answer in JSON, answer with these lines:\nSELECTED_MODULE_ID: id\nCHANGE_REASON: reason or none")
	return b.String()
}

func parseModule(raw string) (id, reason string) {
	var js moduleJSON
	if err := oracle.DecodeJSON(raw, &js); err == nil && strings.TrimSpace(js.SelectedModuleID) != "" {
		id, reason = strings.TrimSpace(js.SelectedModuleID), strings.TrimSpace(js.ChangeReason)
	} else {
		m := oracle.Markers(raw)
		id, reason = strings.Trim(m["SELECTED_MODULE_ID"], "[]"), m["CHANGE_REASON"]
		mode := oracle.ModeMarkers
		if oracle.IsNone(id) {
			id, mode = "", oracle.ModeDefault
		}
		oracle.RecordFallback(oracle.PurposeSelectModule, mode)
	}
	if oracle.IsNone(reason) {
		reason = ""
	}
	return id, reason
}
