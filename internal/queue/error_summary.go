package queue

import (
	"encoding/json"
	"fmt"
)

const maxErrorLen = 1024

// SummarizeError flattens a handler error into the single line stored on a
// failed record. Structured JSON errors contribute their message field.
func SummarizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	var payload map[string]any
	if json.Unmarshal([]byte(msg), &payload) == nil {
		if m, ok := payload["message"]; ok {
			return truncateString(fmt.Sprintf("%v", m), maxErrorLen)
		}
		if kind, ok := payload["kind"]; ok {
			return truncateString(fmt.Sprintf("%v", kind), maxErrorLen)
		}
	}
	if msg == "" {
		msg = "handler failed"
	}
	return truncateString(msg, maxErrorLen)
}

func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen]
}
