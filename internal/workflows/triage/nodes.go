package triage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/convoflow/internal/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
	"github.com/randalmurphal/convoflow/pkg/convoflow/retry"
)

type result = convoflow.Result[conversation.State]

// ClassifyPrompt is the classifier's system prompt.
const ClassifyPrompt = `Classify the user's IT support issue.
Answer with JSON only: {"category": "...", "confidence": 0.0}
category is one of hardware, software, network, account, other, or unclear
when you cannot tell. confidence is between 0 and 1.`

// GatherPrompt is the system prompt used to phrase gathering questions.
const GatherPrompt = `You are an IT support agent collecting details before filing a ticket.
Ask the user the following follow-up questions in one short, friendly message.`

type nodes struct {
	deps  Deps
	rules Rules
}

type verdict struct {
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
}

func (n *nodes) classify(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	// A thread whose ticket is filed starts over with a new issue.
	if s.Ticket != nil && s.Ticket.ID != "" {
		s.Classification, s.Gathering, s.Ticket = nil, nil, nil
	}
	if s.Classification == nil {
		s.Classification = &conversation.Classification{}
	}
	c := s.Classification

	resp, err := n.deps.LLM.Complete(ctx, llm.Request{
		System:   ClassifyPrompt,
		Messages: conversation.Window(s.Session.Messages, n.deps.HistoryWindow),
	})
	if err != nil {
		return result{}, fmt.Errorf("classify: %w", err)
	}

	category, confidence := CategoryUnclear, 0.0
	v, err := llm.DecodeJSON[verdict](resp.Content)
	if err != nil {
		ctx.Logger().Warn("unreadable classification", "error", err)
	} else {
		category = normalizeCategory(v.Category)
		confidence = 1
		if v.Confidence != nil {
			confidence = min(max(*v.Confidence, 0), 1)
		}
		var verr *retry.ValidationError
		if err := checkVerdict(v); errors.As(err, &verr) {
			ctx.Logger().Warn("classification out of range", "field", verr.Field, "error", err)
			if verr.Field == "category" {
				category = CategoryOther
			}
		}
	}
	if confidence < n.rules.MinConfidence {
		category = CategoryUnclear
	}
	if category == CategoryUnclear && c.Attempts >= n.rules.MaxClarifications {
		category = CategoryOther
	}

	c.Category = category
	c.Confidence = confidence
	if category != CategoryUnclear {
		ctx.Emit(fmt.Sprintf("This looks like a %s issue. ", category))
	}
	return convoflow.Continue(s), nil
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}

// checkVerdict reports the first field of a parsed classification that is
// outside what the prompt allows.
func checkVerdict(v verdict) error {
	if c := normalizeCategory(v.Category); c != CategoryUnclear && !Known(c) {
		return &retry.ValidationError{Field: "category", Message: fmt.Sprintf("unknown category %q", v.Category)}
	}
	if v.Confidence != nil && (*v.Confidence < 0 || *v.Confidence > 1) {
		return &retry.ValidationError{Field: "confidence", Message: fmt.Sprintf("%g is outside [0, 1]", *v.Confidence)}
	}
	return nil
}

func (n *nodes) clarify(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	c := s.Classification
	if c == nil {
		c = &conversation.Classification{Category: CategoryUnclear}
		s.Classification = c
	}

	if v, ok := ctx.ResumeValue(); ok {
		c.Clarifications = append(c.Clarifications, fmt.Sprint(v))
		return convoflow.Continue(s), nil
	}

	c.Attempts++
	question := clarifyQuestion(c.Attempts)
	ctx.Emit(question)
	return convoflow.Suspend(s, map[string]any{
		"question": question,
		"attempt":  c.Attempts,
	}), nil
}

func clarifyQuestion(attempt int) string {
	switch attempt {
	case 1:
		return "I'm not sure I follow yet. Could you describe what isn't working?"
	case 2:
		return "Thanks. Is this about a device, an application, the network, or your account?"
	default:
		return "One last try: what exactly happens when you run into the problem?"
	}
}

func (n *nodes) triage(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	category := CategoryOther
	if s.Classification != nil {
		category = s.Classification.Category
	}

	priority := n.rules.Priority(userText(s.Session.Messages))
	t := &conversation.Ticket{
		Priority: priority,
		Team:     n.rules.Team(category),
		SLAHours: n.rules.SLAHours[priority],
	}
	s.Ticket = t

	ctx.Emit(fmt.Sprintf("I'm routing it to %s at priority %s (target %dh). ", t.Team, t.Priority, t.SLAHours))
	return convoflow.Continue(s), nil
}

func (n *nodes) gather(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	if s.Gathering == nil {
		s.Gathering = &conversation.Gathering{MaxRounds: n.rules.MaxRounds}
	}
	g := s.Gathering
	if g.Details == nil {
		g.Details = make(map[string]string)
	}

	if v, ok := ctx.ResumeValue(); ok {
		answer := strings.TrimSpace(fmt.Sprint(v))
		g.Details[fmt.Sprintf("round_%d", g.Round)] = answer
		if len(strings.Fields(answer)) >= n.rules.MinAnswerWords || g.Round >= g.MaxRounds {
			g.Pending = nil
			return convoflow.Continue(s), nil
		}
		g.Round++
		g.Pending = []string{"Could you add a bit more detail?"}
		ctx.Emit("Could you add a bit more detail? Anything you've already tried helps too.")
		return convoflow.Suspend(s, gatherPayload(g)), nil
	}

	if g.Round == 0 {
		g.Round = 1
		category := CategoryOther
		if s.Classification != nil {
			category = s.Classification.Category
		}
		g.Pending = append([]string(nil), n.rules.QuestionsFor(category)...)
	}
	n.ask(ctx, s, g.Pending)
	return convoflow.Suspend(s, gatherPayload(g)), nil
}

// ask streams the model's phrasing of questions, or the plain list when
// the model produced nothing.
func (n *nodes) ask(ctx convoflow.Context, s conversation.State, questions []string) {
	var prompt strings.Builder
	prompt.WriteString(GatherPrompt)
	for _, q := range questions {
		prompt.WriteString("\n- ")
		prompt.WriteString(q)
	}

	streamed := false
	_, err := n.deps.LLM.Stream(ctx, llm.Request{
		System:   prompt.String(),
		Messages: conversation.Window(s.Session.Messages, n.deps.HistoryWindow),
	}, func(chunk string) {
		streamed = true
		ctx.Emit(chunk)
	})
	if err != nil {
		ctx.Logger().Warn("phrasing questions failed", "error", err)
	}
	if streamed {
		return
	}

	var text strings.Builder
	text.WriteString("To file the ticket I need a few details:")
	for _, q := range questions {
		text.WriteString("\n- ")
		text.WriteString(q)
	}
	ctx.Emit(text.String())
}

func gatherPayload(g *conversation.Gathering) map[string]any {
	return map[string]any{
		"round":     g.Round,
		"questions": g.Pending,
	}
}

func (n *nodes) create(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	if s.Ticket == nil {
		return result{}, fmt.Errorf("create ticket: no triage result")
	}
	t := s.Ticket

	category := CategoryOther
	if s.Classification != nil {
		category = s.Classification.Category
	}
	var details map[string]string
	if s.Gathering != nil {
		details = s.Gathering.Details
	}

	summary := summarize(category, s.Session.Messages)
	rec, err := n.deps.Tickets.Create(ctx, NewTicket{
		ThreadID: s.Session.ThreadID,
		Category: category,
		Priority: t.Priority,
		Team:     t.Team,
		SLAHours: t.SLAHours,
		Summary:  summary,
		Details:  details,
	})
	if err != nil {
		return result{}, fmt.Errorf("create ticket: %w", err)
	}

	t.ID = rec.ID
	t.Status = rec.Status
	t.Summary = summary
	ctx.Emit(fmt.Sprintf("Ticket %s is open with %s. We'll be in touch within %d hours.", t.ID, t.Team, t.SLAHours))
	return convoflow.Done(s), nil
}

const summaryRunes = 120

func summarize(category string, msgs []conversation.Message) string {
	first := ""
	for _, m := range msgs {
		if m.Role == conversation.RoleUser {
			first = m.Content
			break
		}
	}
	if r := []rune(first); len(r) > summaryRunes {
		first = string(r[:summaryRunes]) + "..."
	}
	return fmt.Sprintf("[%s] %s", category, first)
}

func userText(msgs []conversation.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.Role == conversation.RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}
