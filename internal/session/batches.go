package session

// InitialTasks returns the fixed phase-1 batch for a session kind.
// Unknown kinds start without a plan.
func InitialTasks(kind string) []Task {
	if kind != KindFirstSession && kind != "" {
		return []Task{}
	}
	return []Task{
		{
			ID:                 "rapport_1",
			Part:               Phase1,
			ModuleID:           "rapport_building",
			Priority:           PriorityHigh,
			Title:              "Welcome and rapport",
			Description:        "Greet the user warmly and set a comfortable tone",
			Target:             "The user feels welcome and safe to talk",
			CompletionCriteria: "The user has responded to the greeting and shared something about themselves",
			Guide:              "Welcome the user warmly and let them know they can speak freely.",
			Status:             StatusPending,
		},
		{
			ID:                 "info_1",
			Part:               Phase1,
			ModuleID:           "information_gathering",
			Priority:           PriorityHigh,
			Title:              "Basic information",
			Description:        "Learn how to address the user and why they came",
			Target:             "Know the user's preferred name and reason for reaching out",
			CompletionCriteria: "The user stated a name or declined, and described their reason for coming",
			Guide:              "Naturally ask how they would like to be called and what brought them here.",
			Status:             StatusPending,
		},
		{
			ID:                 "info_2",
			Part:               Phase1,
			ModuleID:           "information_gathering",
			Priority:           PriorityHigh,
			Title:              "Current situation",
			Description:        "Understand the problem or situation the user is facing",
			Target:             "A concrete picture of the user's present situation",
			CompletionCriteria: "The user described at least one concrete recent situation",
			Guide:              "Use open questions, listen, and reflect what you hear.",
			Status:             StatusPending,
		},
		{
			ID:                 "goal_1",
			Part:               Phase1,
			ModuleID:           "goal_setting",
			Priority:           PriorityMedium,
			Title:              "Session goal",
			Description:        "Agree on what the user wants from this conversation",
			Target:             "A specific, reachable goal for the session",
			CompletionCriteria: "The user agreed to a goal phrased in their own words",
			Guide:              "Work with the user toward one concrete and achievable goal.",
			Status:             StatusPending,
		},
		{
			ID:                 "trust_1",
			Part:               Phase1,
			ModuleID:           "trust_building",
			Priority:           PriorityMedium,
			Title:              "Process overview",
			Description:        "Explain how the conversation will proceed",
			Target:             "The user knows what to expect",
			CompletionCriteria: "The process was explained and the user acknowledged it",
			Guide:              "Explain how the session will go and what the user can expect.",
			Status:             StatusPending,
		},
	}
}

// ClosingTasks returns the fixed phase-3 batch.
func ClosingTasks() []Task {
	return []Task{
		{
			ID:                 "closing_summary",
			Part:               Phase3,
			ModuleID:           "empathy_expression",
			Priority:           PriorityHigh,
			Title:              "Summarise the session",
			Description:        "Reflect back the main themes of the conversation",
			Target:             "The user recognises their situation in the summary",
			CompletionCriteria: "A summary was given and the user confirmed or corrected it",
			Guide:              "Summarise the key points briefly and check that they fit.",
			Status:             StatusPending,
		},
		{
			ID:                 "closing_plan",
			Part:               Phase3,
			ModuleID:           "goal_setting",
			Priority:           PriorityHigh,
			Title:              "Next steps",
			Description:        "Agree on what happens after this session",
			Target:             "The user leaves with one small next step",
			CompletionCriteria: "A next step or follow-up plan was agreed",
			Guide:              "Propose one small, concrete step and ask whether it feels doable.",
			Status:             StatusPending,
		},
		{
			ID:                 "closing_farewell",
			Part:               Phase3,
			ModuleID:           "rapport_building",
			Priority:           PriorityMedium,
			Title:              "Farewell",
			Description:        "Close the conversation warmly",
			Target:             "The conversation ends on a supportive note",
			CompletionCriteria: "The user was thanked and invited back",
			Guide:              "Thank the user and leave the door open for the next conversation.",
			Status:             StatusPending,
		},
	}
}
