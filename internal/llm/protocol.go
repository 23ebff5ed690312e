// Package llm implements the decision-source payload protocol: the strict
// JSON shape an LLM (or any untrusted proposer) must speak to drive the
// order manager. Payloads are parsed defensively; a malformed reply yields
// zero tool calls, never a crash. The provider HTTP client is out of scope.
package llm

import (
	"encoding/json"
	"strings"
)

// ToolCall is one requested operation.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Reply is the decoded model output.
type Reply struct {
	AssistantMessage string     `json:"assistant_message"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

// ParseReply decodes a model reply. Expected JSON:
//
//	{
//	  "assistant_message": "string",
//	  "tool_calls": [{"id": "optional", "name": "tool_name", "args": {...}}]
//	}
//
// Code fences around the JSON are stripped. When the text is not a JSON
// object, the whole text becomes the assistant message with no tool calls.
func ParseReply(text string) Reply {
	raw := stripCodeFences(strings.TrimSpace(text))

	var obj struct {
		AssistantMessage json.RawMessage `json:"assistant_message"`
		ToolCalls        []struct {
			ID   json.RawMessage `json:"id"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Reply{AssistantMessage: text}
	}

	reply := Reply{AssistantMessage: asString(obj.AssistantMessage)}
	for _, item := range obj.ToolCalls {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:   asString(item.ID),
			Name: name,
			Args: item.Args,
		})
	}
	return reply
}

// FormatToolResult renders one tool outcome back into protocol JSON for the
// next model turn.
func FormatToolResult(call ToolCall, ok bool, result any) string {
	payload := map[string]any{
		"tool_result": map[string]any{
			"id":     call.ID,
			"name":   call.Name,
			"ok":     ok,
			"result": result,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"tool_result":{"ok":false,"result":"unencodable result"}}`
	}
	return string(data)
}

func stripCodeFences(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) >= 3 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return text
}

// asString tolerates both JSON strings and other scalar encodings.
func asString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
