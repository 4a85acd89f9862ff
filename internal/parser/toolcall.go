package parser

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ToolCall is a tool selection found in a model reply.
type ToolCall struct {
	Name       string
	Parameters json.RawMessage
}

// toolCallPaths lists the accepted selection shapes in priority order.
var toolCallPaths = []struct{ name, params string }{
	{"tool_call.tool_name", "tool_call.parameters"},
	{"tool_name", "parameters"},
	{"tool_calls.0.tool_name", "tool_calls.0.parameters"},
	{"tool_calls.0.name", "tool_calls.0.arguments"},
}

// ExtractToolCall looks for a tool selection in a parsed document.
func ExtractToolCall(doc json.RawMessage) (ToolCall, bool) {
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		return ToolCall{}, false
	}
	for _, p := range toolCallPaths {
		name := gjson.GetBytes(doc, p.name)
		if name.Type != gjson.String || strings.TrimSpace(name.String()) == "" {
			continue
		}
		call := ToolCall{Name: strings.TrimSpace(name.String()), Parameters: json.RawMessage("{}")}
		params := gjson.GetBytes(doc, p.params)
		switch {
		case params.IsObject():
			call.Parameters = json.RawMessage(params.Raw)
		case params.Type == gjson.String && gjson.Valid(params.String()):
			// Some providers encode arguments as a JSON string.
			call.Parameters = json.RawMessage(params.String())
		}
		return call, true
	}
	return ToolCall{}, false
}

// DetectCompletion reports whether a reply signals that the agent is done:
// a "ready" status together with an action-complete token, or an explicit
// final_response flag. This is a heuristic over free text, not a protocol.
func DetectCompletion(text string) bool {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "ready") && strings.Contains(lower, "_complete") {
		return true
	}
	return strings.Contains(lower, "final_response") && strings.Contains(lower, "true")
}
