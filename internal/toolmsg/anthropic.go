package toolmsg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/agentgateway/gateway/internal/backend"
)

// ToAnthropic converts normalized messages into Anthropic's message shape.
// System messages are collected and returned separately, since Anthropic
// takes the system prompt as its own request parameter rather than as a
// message in the list. Tool-role messages become a user message carrying a
// single tool_result block; assistant messages that invoked tools carry a
// content array mixing text and tool_use blocks.
func ToAnthropic(messages []backend.Message) (system string, out []anthropic.MessageParam, err error) {
	var systemParts []string
	for _, m := range messages {
		switch m.Role {
		case backend.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				systemParts = append(systemParts, m.Content)
			}

		case backend.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case backend.RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			out = append(out, anthropic.NewUserMessage(block))

		case backend.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					if jsonErr := json.Unmarshal(tc.Arguments, &input); jsonErr != nil {
						return "", nil, fmt.Errorf("toolmsg: tool call %s has invalid arguments: %w", tc.ID, jsonErr)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		default:
			return "", nil, fmt.Errorf("toolmsg: unknown role %q", m.Role)
		}
	}
	return strings.Join(systemParts, "\n\n"), out, nil
}

// AnthropicTools converts tool schemas to Anthropic's tool definition shape.
func AnthropicTools(tools []backend.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("toolmsg: invalid input schema for tool %s: %w", t.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("toolmsg: invalid tool definition for %s", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}
