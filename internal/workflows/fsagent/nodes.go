package fsagent

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/randalmurphal/convoflow/internal/llm"
	"github.com/randalmurphal/convoflow/pkg/convoflow"
	"github.com/randalmurphal/convoflow/pkg/convoflow/conversation"
)

type result = convoflow.Result[conversation.State]

// ActPrompt is the system prompt of the act node. The workspace listing
// is appended to it.
const ActPrompt = `You are a file-system assistant working inside one workspace directory.
Decide on at most one change that fulfils the user's request.
Answer with JSON only:
{"kind": "write|delete|mkdir|none", "path": "relative/path", "content": "...", "reply": "message to the user"}
Use kind "none" to answer without changing anything.
Workspace listing:`

type nodes struct {
	deps Deps
}

type proposal struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Content string `json:"content"`
	Reply   string `json:"reply"`
}

func (n *nodes) observe(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	entries, err := n.list()
	if err != nil {
		return result{}, fmt.Errorf("observe: %w", err)
	}
	s.Agent = &conversation.Agent{Root: n.deps.Root, Observation: entries}
	ctx.Logger().Debug("workspace observed", "entries", len(entries))
	return convoflow.Continue(s), nil
}

func (n *nodes) list() ([]string, error) {
	var entries []string
	err := fs.WalkDir(os.DirFS(n.deps.Root), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		if len(entries) >= n.deps.MaxEntries {
			return fs.SkipAll
		}
		if d.IsDir() {
			p += "/"
		}
		entries = append(entries, p)
		return nil
	})
	return entries, err
}

func (n *nodes) act(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	if s.Agent == nil {
		s.Agent = &conversation.Agent{Root: n.deps.Root}
	}
	a := s.Agent

	system := ActPrompt + "\n" + strings.Join(a.Observation, "\n")
	resp, err := n.deps.LLM.Complete(ctx, llm.Request{System: system, Messages: s.Session.Messages})
	if err != nil {
		return result{}, fmt.Errorf("act: %w", err)
	}

	p, err := llm.DecodeJSON[proposal](resp.Content)
	if err != nil {
		ctx.Logger().Warn("unreadable proposal", "error", err)
		ctx.Emit("I couldn't work out a change for that. Could you rephrase?")
		return convoflow.Continue(s), nil
	}

	action, err := validate(p)
	if err != nil {
		ctx.Emit(fmt.Sprintf("I won't do that: %v.", err))
		return convoflow.Continue(s), nil
	}
	if p.Reply != "" {
		ctx.Emit(p.Reply)
	}
	a.Proposed = action
	return convoflow.Continue(s), nil
}

// validate turns a proposal into an action, or nil for a plain reply.
// Paths must be relative and stay inside the workspace.
func validate(p proposal) (*conversation.Action, error) {
	kind := strings.ToLower(strings.TrimSpace(p.Kind))
	switch kind {
	case "", ActionNone:
		return nil, nil
	case ActionWrite, ActionDelete, ActionMkdir:
	default:
		return nil, fmt.Errorf("unknown action %q", p.Kind)
	}

	clean := path.Clean(strings.TrimSpace(p.Path))
	if !fs.ValidPath(clean) || clean == "." {
		return nil, fmt.Errorf("path %q is outside the workspace", p.Path)
	}
	a := &conversation.Action{Kind: kind, Path: clean}
	if kind == ActionWrite {
		a.Content = p.Content
	}
	return a, nil
}

func (n *nodes) approve(ctx convoflow.Context, s conversation.State) (result, error) {
	s = s.Clone()
	a := s.Agent
	if a == nil || a.Proposed == nil {
		return convoflow.Done(s), nil
	}

	v, ok := ctx.ResumeValue()
	if !ok {
		question := fmt.Sprintf("Shall I %s %s? (yes/no)", a.Proposed.Kind, a.Proposed.Path)
		ctx.Emit(question)
		return convoflow.Suspend(s, map[string]any{
			"question": question,
			"action":   a.Proposed,
		}), nil
	}

	if !approved(fmt.Sprint(v)) {
		a.Decision = DecisionRejected
		a.Result = "not applied"
		ctx.Emit("Okay, I left the workspace as it is.")
		return convoflow.Done(s), nil
	}

	a.Decision = DecisionApproved
	if err := apply(n.deps.Root, *a.Proposed); err != nil {
		return result{}, fmt.Errorf("apply %s %s: %w", a.Proposed.Kind, a.Proposed.Path, err)
	}
	a.Result = "applied"
	ctx.Emit(fmt.Sprintf("Done: %s %s.", a.Proposed.Kind, a.Proposed.Path))
	return convoflow.Done(s), nil
}

func approved(answer string) bool {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(answer), ".!")) {
	case "y", "yes", "ok", "okay", "approve", "approved", "sure", "go ahead", "do it":
		return true
	}
	return false
}

// apply performs a through an os.Root so that symlinks cannot escape the
// workspace.
func apply(dir string, a conversation.Action) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()

	switch a.Kind {
	case ActionWrite:
		f, err := root.Create(a.Path)
		if err != nil {
			return err
		}
		if _, err := f.WriteString(a.Content); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	case ActionDelete:
		return root.Remove(a.Path)
	case ActionMkdir:
		return root.Mkdir(a.Path, 0o755)
	}
	return fmt.Errorf("unknown action %q", a.Kind)
}
