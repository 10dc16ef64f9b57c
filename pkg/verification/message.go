package verification

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseCustomMessage decodes a custom message that may carry embedded JSON.
// Text that is not valid JSON is returned unchanged; it never fails.
func ParseCustomMessage(msg string) any {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return msg
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return msg
	}
	return v
}

// CustomMessage returns the parsed custom message of v, or nil when there is none.
func CustomMessage(v *Verification) any {
	if v == nil || v.StepData == nil || v.StepData.CustomMessage == "" {
		return nil
	}
	return ParseCustomMessage(v.StepData.CustomMessage)
}

// CustomMessageText renders a custom message for display. Strings are shown
// as is, objects with a "message" or "text" key use that value, anything
// else is shown as compact JSON.
func CustomMessageText(v *Verification) string {
	switch m := CustomMessage(v).(type) {
	case nil:
		return ""
	case string:
		return m
	case map[string]any:
		for _, key := range []string{"message", "text"} {
			if s, ok := m[key].(string); ok && s != "" {
				return s
			}
		}
		b, _ := json.Marshal(m)
		return string(b)
	default:
		if b, err := json.Marshal(m); err == nil {
			return string(b)
		}
		return fmt.Sprint(m)
	}
}
