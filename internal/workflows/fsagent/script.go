package fsagent

import "github.com/randalmurphal/convoflow/internal/llm"

// ScriptedReplies lets the agent run without a model API key.
func ScriptedReplies() []llm.Reply {
	const system = "file-system assistant"
	return []llm.Reply{
		{System: system, When: []string{"note"}, Text: `{"kind": "write", "path": "notes.txt", "content": "remember to water the plants\n", "reply": "I can write that to notes.txt."}`},
		{System: system, When: []string{"clean"}, Text: `{"kind": "delete", "path": "tmp.log", "reply": "tmp.log looks like leftover output."}`},
		{System: system, When: []string{"folder"}, Text: `{"kind": "mkdir", "path": "archive", "reply": "I'll make an archive folder."}`},
		{System: system, Text: `{"kind": "none", "reply": "I can write, delete, or create folders in the workspace. What would you like?"}`},
	}
}
