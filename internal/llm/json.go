package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/randalmurphal/convoflow/pkg/convoflow/retry"
)

// DecodeJSON parses a model reply into T. Markdown code fences and prose
// around the outermost object are ignored, and broken JSON (trailing
// commas, single quotes, missing braces) is repaired before giving up.
// Failures are *retry.JSONParseError.
func DecodeJSON[T any](content string) (T, error) {
	var out T
	body := extractJSON(content)
	if body == "" {
		return out, &retry.JSONParseError{Input: content, Message: "no JSON found"}
	}

	err := json.Unmarshal([]byte(body), &out)
	if err == nil {
		return out, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(body)
	if repairErr != nil {
		return out, &retry.JSONParseError{
			Input:   content,
			Message: fmt.Sprintf("%v; repair failed: %v", err, repairErr),
		}
	}
	out = *new(T)
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return out, &retry.JSONParseError{Input: content, Message: err.Error()}
	}
	return out, nil
}

func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	s = s[start:]
	if end := strings.LastIndexAny(s, "}]"); end >= 0 && end < len(s)-1 {
		// Keep an unterminated tail for the repairer; only drop prose after
		// a closing brace.
		tail := strings.TrimSpace(s[end+1:])
		if tail != "" && !strings.ContainsAny(tail, "{}[]\"") {
			s = s[:end+1]
		}
	}
	return s
}
