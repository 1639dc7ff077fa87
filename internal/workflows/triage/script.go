package triage

import (
	"fmt"

	"github.com/randalmurphal/convoflow/internal/llm"
)

// ScriptedReplies is a keyword classifier for running the workflow without
// a model API key. Replies only answer the classification prompt, so
// gathering falls back to its plain question list.
func ScriptedReplies() []llm.Reply {
	verdict := func(category string, confidence float64) string {
		return fmt.Sprintf(`{"category": %q, "confidence": %.2f}`, category, confidence)
	}
	const system = "Classify the user's IT support issue"

	var replies []llm.Reply
	add := func(category string, keywords ...string) {
		for _, kw := range keywords {
			replies = append(replies, llm.Reply{System: system, When: []string{kw}, Text: verdict(category, 0.9)})
		}
	}
	add(CategoryAccount, "password", "login", "log in", "sign in", "locked out", "mfa")
	add(CategoryNetwork, "vpn", "wifi", "wi-fi", "internet", "network", "dns")
	add(CategoryHardware, "laptop", "desktop", "monitor", "keyboard", "mouse", "printer", "turn on", "battery", "dell", "lenovo")
	add(CategorySoftware, "install", "crash", "outlook", "excel", "update", "application", "app ")

	return append(replies, llm.Reply{System: system, Text: verdict(CategoryUnclear, 0.2)})
}
