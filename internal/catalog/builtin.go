package catalog

import "github.com/fyrsmithlabs/turnd/internal/session"

// Built-in module ids.
const (
	RapportBuilding      = "rapport_building"
	InformationGathering = "information_gathering"
	GoalSetting          = "goal_setting"
	TrustBuilding        = "trust_building"
	EmpathyExpression    = "empathy_expression"
	QuestioningTechnique = "questioning_technique"
)

// Default returns the built-in first-session catalog.
func Default() *Catalog {
	c, err := New(builtin())
	if err != nil {
		panic(err)
	}
	return c
}

func builtin() []Module {
	all := session.AllPhases()
	return []Module{
		{
			ID:          RapportBuilding,
			Name:        "Rapport building",
			Description: "Build a warm, trusting relationship with the user",
			Guidelines: []string{
				"Use a warm and friendly tone",
				"Empathise with what the user is feeling",
				"Keep the atmosphere relaxed",
				"Show that you are listening and understand",
			},
			ApplicableTo: all,
		},
		{
			ID:          InformationGathering,
			Name:        "Information gathering",
			Description: "Learn the user's background, situation and needs",
			Guidelines: []string{
				"Ask open questions (\"How does that feel?\", \"What would help?\")",
				"Listen without judging",
				"Confirm important details naturally",
				"Follow the user's pace",
			},
			ApplicableTo: []session.Phase{session.Phase1, session.Phase2},
		},
		{
			ID:          GoalSetting,
			Name:        "Goal setting",
			Description: "Agree on goals and expected outcomes",
			Guidelines: []string{
				"Set goals together with the user",
				"Keep goals concrete and achievable",
				"Separate short-term from long-term goals",
				"Offer steps toward each goal",
			},
			ApplicableTo: all,
		},
		{
			ID:          TrustBuilding,
			Name:        "Trust building",
			Description: "Explain how the sessions work and set expectations",
			Guidelines: []string{
				"Explain how the conversation will proceed",
				"Be clear about what can and cannot be expected",
				"Offer confidentiality and a safe space",
				"Respect the user's choices",
			},
			ApplicableTo: []session.Phase{session.Phase1},
		},
		{
			ID:          EmpathyExpression,
			Name:        "Empathy expression",
			Description: "Understand the user's feelings and express empathy",
			Guidelines: []string{
				"Reflect the user's emotions back",
				"Understand without judging",
				"Acknowledge that the feelings are valid",
				"Offer support and encouragement",
			},
			ApplicableTo: all,
		},
		{
			ID:          QuestioningTechnique,
			Name:        "Questioning technique",
			Description: "Use effective questions to deepen the conversation",
			Guidelines: []string{
				"Prefer open questions",
				"Use closed questions only when needed",
				"Follow up on the user's answers",
				"Make sure questions never feel like pressure",
			},
			ApplicableTo: []session.Phase{session.Phase2, session.Phase3},
		},
	}
}
