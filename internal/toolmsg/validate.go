package toolmsg

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgateway/gateway/internal/backend"
)

// ValidateArguments checks a tool call's arguments against the tool's
// declared input schema before the call ever reaches MCP. A schema
// violation is reported as an error rather than forwarded, so a backend
// hallucinating a malformed argument set never reaches a tool server.
func ValidateArguments(tool backend.ToolSchema, call backend.ToolCall) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		// An undeclared-schema tool is treated as unvalidated, not a failure;
		// a malformed schema on our side should not block every call.
		return nil
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", tool.Name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("tool %s: arguments do not match schema: %w", tool.Name, err)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}
