package conversation

import "slices"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SameMessages reports whether a and b hold the same messages in order.
func SameMessages(a, b []Message) bool {
	return slices.Equal(a, b)
}

// LatestUser returns the last user message.
func LatestUser(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}

// Unseen returns the part of inbound that persisted does not have yet.
// When inbound extends persisted, that is the extension. When inbound is a
// prefix of persisted (a stale or truncated request), it is nothing. When
// the two have diverged (a client that trims or rewrites history), it is
// the trailing user messages of inbound, unless persisted already ends
// with them.
func Unseen(persisted, inbound []Message) []Message {
	k := 0
	for k < len(persisted) && k < len(inbound) && persisted[k] == inbound[k] {
		k++
	}
	switch {
	case k == len(persisted):
		return slices.Clone(inbound[k:])
	case k == len(inbound):
		return nil
	}

	start := len(inbound)
	for start > 0 && inbound[start-1].Role == RoleUser {
		start--
	}
	trailing := inbound[start:]
	if len(trailing) <= len(persisted) && slices.Equal(persisted[len(persisted)-len(trailing):], trailing) {
		return nil
	}
	return slices.Clone(trailing)
}

// MergeMessages appends Unseen(persisted, inbound) to persisted. The result
// never loses a persisted message.
func MergeMessages(persisted, inbound []Message) []Message {
	return append(slices.Clone(persisted), Unseen(persisted, inbound)...)
}

// Window returns the last n messages, the slice sent to a model. The
// persisted transcript is never trimmed. n <= 0 returns everything.
func Window(messages []Message, n int) []Message {
	if n <= 0 || n >= len(messages) {
		return slices.Clone(messages)
	}
	return slices.Clone(messages[len(messages)-n:])
}
