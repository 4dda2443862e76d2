// Package xmltool extracts tool calls embedded as XML-ish tags in the text
// produced by backends that cannot emit native tool_call events.
package xmltool

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agentgateway/gateway/internal/backend"
)

// toolCallPattern matches the standard grammar:
//
//	<tool_call><name>tool_name</name><arguments>{"key":"value"}</arguments></tool_call>
var toolCallPattern = regexp.MustCompile(`(?is)<tool_call>\s*<name>([^<]+)</name>\s*<arguments>(.*?)</arguments>\s*</tool_call>`)

// altToolCallPattern matches the alternate grammar some local models emit:
//
//	<tool_call>[TOOL_CALLS]tool_name[ARGS]{"key":"value"}</tool_call>
var altToolCallPattern = regexp.MustCompile(`(?is)<tool_call>\s*\[TOOL_CALLS\](\w+)(?:\[ARGS\]|>)\s*(\{[^}]*\})`)

// ExtractToolCalls scans text for embedded tool call tags, returning the
// text with those tags removed and the calls found. A malformed arguments
// payload never fails extraction: it is wrapped as {"raw": <original>}
// instead of being dropped silently.
func ExtractToolCalls(text string, provider string) (clean string, calls []backend.ToolCall) {
	clean, calls = extractWithPattern(text, toolCallPattern, provider)
	if len(calls) == 0 {
		clean, calls = extractWithPattern(text, altToolCallPattern, provider)
	}
	return strings.TrimSpace(clean), calls
}

func extractWithPattern(text string, pattern *regexp.Regexp, provider string) (string, []backend.ToolCall) {
	var calls []backend.ToolCall
	clean := pattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := pattern.FindStringSubmatch(match)
		if len(groups) < 3 {
			return ""
		}
		name := strings.TrimSpace(groups[1])
		argsRaw := strings.TrimSpace(groups[2])

		args := normalizeArguments(argsRaw)
		calls = append(calls, backend.ToolCall{
			ID:        "xml_" + uuid.NewString()[:8],
			Name:      name,
			Arguments: args,
			Provider:  provider,
			Raw:       match,
		})
		return ""
	})
	return clean, calls
}

func normalizeArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	var probe any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		wrapped, marshalErr := json.Marshal(map[string]string{"raw": raw})
		if marshalErr != nil {
			return json.RawMessage("{}")
		}
		return wrapped
	}
	return json.RawMessage(raw)
}

// HasPartialToolCall reports whether text contains an opening <tool_call>
// tag with no matching close, meaning the caller should keep buffering
// instead of emitting a delta event yet. This is an O(1) tag count, not a
// full regex scan, since it runs on every streamed chunk.
func HasPartialToolCall(text string) bool {
	lower := strings.ToLower(text)
	open := strings.Count(lower, "<tool_call>")
	closeCount := strings.Count(lower, "</tool_call>")
	return open > closeCount
}
