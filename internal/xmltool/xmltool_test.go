package xmltool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToolCalls_StandardFormat(t *testing.T) {
	text := `Let me check that.<tool_call><name>get_weather</name><arguments>{"city":"Paris"}</arguments></tool_call>`
	clean, calls := ExtractToolCalls(text, "lmstudio")

	require.Len(t, calls, 1)
	assert.Equal(t, "Let me check that.", clean)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, "lmstudio", calls[0].Provider)
	assert.NotEmpty(t, calls[0].ID)
	assert.JSONEq(t, `{"city":"Paris"}`, string(calls[0].Arguments))
}

func TestExtractToolCalls_AlternateFormat(t *testing.T) {
	text := `<tool_call>[TOOL_CALLS]get_weather[ARGS]{"city":"Paris"}</tool_call>`
	clean, calls := ExtractToolCalls(text, "lmstudio")

	require.Len(t, calls, 1)
	assert.Empty(t, clean)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(calls[0].Arguments))
}

func TestExtractToolCalls_MalformedArgumentsFallsBackToRaw(t *testing.T) {
	text := `<tool_call><name>broken</name><arguments>{not json</arguments></tool_call>`
	_, calls := ExtractToolCalls(text, "lmstudio")

	require.Len(t, calls, 1)
	var args map[string]string
	require.NoError(t, json.Unmarshal(calls[0].Arguments, &args))
	assert.Equal(t, "{not json", args["raw"])
}

func TestExtractToolCalls_NoMatchReturnsTextUnchanged(t *testing.T) {
	clean, calls := ExtractToolCalls("just a normal reply", "lmstudio")
	assert.Empty(t, calls)
	assert.Equal(t, "just a normal reply", clean)
}

func TestExtractToolCalls_IDsArePrefixed(t *testing.T) {
	text := `<tool_call><name>a</name><arguments>{}</arguments></tool_call>`
	_, calls := ExtractToolCalls(text, "lmstudio")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].ID, "xml_")
}

func TestHasPartialToolCall(t *testing.T) {
	assert.True(t, HasPartialToolCall("<tool_call><name>x</name>"))
	assert.False(t, HasPartialToolCall("<tool_call><name>x</name></tool_call>"))
	assert.False(t, HasPartialToolCall("no tags here"))
}
