package triage

import "strings"

// Issue categories produced by the classifier.
const (
	CategoryHardware = "hardware"
	CategorySoftware = "software"
	CategoryNetwork  = "network"
	CategoryAccount  = "account"
	CategoryOther    = "other"

	// CategoryUnclear asks the user to clarify before triage.
	CategoryUnclear = "unclear"
)

// Priorities, most urgent first.
const (
	PriorityP1 = "P1"
	PriorityP2 = "P2"
	PriorityP3 = "P3"
)

// Rules are the business tables the triage workflow consults. They are
// plain data so deployments can swap them without touching the graph.
type Rules struct {
	// MaxClarifications bounds the clarify loop. Once reached, an unclear
	// issue is filed as CategoryOther.
	MaxClarifications int

	// MinConfidence is the classifier confidence below which an issue
	// counts as unclear.
	MinConfidence float64

	// MaxRounds bounds the information-gathering rounds.
	MaxRounds int

	// MinAnswerWords is the shortest gathering answer accepted without a
	// follow-up round.
	MinAnswerWords int

	// Teams maps a category to the owning team.
	Teams map[string]string

	// Urgent and Impaired are keyword lists that raise priority to P1 and
	// P2. Anything else is P3.
	Urgent   []string
	Impaired []string

	// SLAHours maps a priority to its resolution target.
	SLAHours map[string]int

	// Questions are asked in the first gathering round, per category.
	Questions map[string][]string
}

// DefaultRules returns the stock rule tables.
func DefaultRules() Rules {
	return Rules{
		MaxClarifications: 3,
		MinConfidence:     0.5,
		MaxRounds:         2,
		MinAnswerWords:    3,
		Teams: map[string]string{
			CategoryHardware: "Desktop Support",
			CategorySoftware: "Application Support",
			CategoryNetwork:  "Network Operations",
			CategoryAccount:  "Identity & Access",
			CategoryOther:    "Service Desk",
		},
		Urgent:   []string{"outage", "everyone", "urgent", "security", "breach", "production"},
		Impaired: []string{"won't", "can't", "cannot", "not working", "broken", "fail", "crash", "locked"},
		SLAHours: map[string]int{
			PriorityP1: 4,
			PriorityP2: 8,
			PriorityP3: 24,
		},
		Questions: map[string][]string{
			CategoryHardware: {"What is the make and model of the device?", "When did the problem start?"},
			CategorySoftware: {"Which application and version are affected?", "What error message do you see?"},
			CategoryNetwork:  {"Are you on site, at home, or on VPN?", "Which sites or services can't you reach?"},
			CategoryAccount:  {"Which system are you trying to sign in to?", "What happens when you try?"},
			CategoryOther:    {"Could you describe what you were trying to do?", "When did this start?"},
		},
	}
}

// Team returns the team for category, falling back to the CategoryOther team.
func (r Rules) Team(category string) string {
	if t, ok := r.Teams[category]; ok {
		return t
	}
	return r.Teams[CategoryOther]
}

// Priority grades the user's own description of the issue.
func (r Rules) Priority(text string) string {
	text = strings.ToLower(text)
	if containsAny(text, r.Urgent) {
		return PriorityP1
	}
	if containsAny(text, r.Impaired) {
		return PriorityP2
	}
	return PriorityP3
}

// QuestionsFor returns the first-round questions for category.
func (r Rules) QuestionsFor(category string) []string {
	if q, ok := r.Questions[category]; ok {
		return q
	}
	return r.Questions[CategoryOther]
}

// Known reports whether category is one the workflow can route.
func Known(category string) bool {
	switch category {
	case CategoryHardware, CategorySoftware, CategoryNetwork, CategoryAccount, CategoryOther:
		return true
	}
	return false
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
