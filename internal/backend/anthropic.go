package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentgateway/gateway/internal/toolmsg"
)

// maxEmptyStreamEvents bounds how many consecutive events may produce no
// chunk before the stream is treated as malformed and aborted.
const maxEmptyStreamEvents = 300

// AnthropicBackend streams chat completions through Anthropic's Messages
// API. It supports native tool calls.
type AnthropicBackend struct {
	client       *anthropic.Client
	defaultModel string
	maxTokens    int
	retrier      Retrier
}

// NewAnthropicBackend constructs an AnthropicBackend. An empty apiKey is
// permitted; Health then reports unhealthy rather than failing setup.
func NewAnthropicBackend(apiKey, defaultModel string, maxTokens int) *AnthropicBackend {
	b := &AnthropicBackend{
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		retrier:      NewRetrier(3, time.Second),
	}
	if apiKey != "" {
		c := anthropic.NewClient(apiKey)
		b.client = &c
	}
	if b.defaultModel == "" {
		b.defaultModel = "claude-sonnet-4-5"
	}
	if b.maxTokens <= 0 {
		b.maxTokens = 4096
	}
	return b
}

func (b *AnthropicBackend) Name() string             { return "anthropic" }
func (b *AnthropicBackend) SupportsNativeTools() bool { return true }
func (b *AnthropicBackend) DefaultModel() string      { return b.defaultModel }

func (b *AnthropicBackend) StreamChat(ctx context.Context, messages []Message, cfg Config) (<-chan StreamEvent, error) {
	if b.client == nil {
		return nil, errors.New("anthropic backend: no API key configured")
	}

	system, msgs, err := toolmsg.ToAnthropic(messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic backend: failed to convert messages: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = b.defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = b.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(cfg.Tools) > 0 {
		tools, err := toolmsg.AnthropicTools(cfg.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic backend: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = b.retrier.Do(ctx, isRetryableAnthropicError, func() error {
		stream = b.client.Messages.NewStreaming(ctx, params)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic backend: %w", err)
	}

	events := make(chan StreamEvent)
	go b.pump(stream, model, events)
	return events, nil
}

func (b *AnthropicBackend) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, events chan<- StreamEvent) {
	defer close(events)

	var toolID, toolName string
	var toolInput strings.Builder
	inTool := false
	emptyEvents := 0
	usage := &Usage{}

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolID = toolUse.ID
				toolName = toolUse.Name
				toolInput.Reset()
				inTool = true
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- StreamEvent{Type: EventDelta, Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inTool {
				events <- StreamEvent{
					Type: EventToolCall,
					ToolCall: &ToolCall{
						ID:        toolID,
						Name:      toolName,
						Arguments: json.RawMessage(toolInput.String()),
						Provider:  "anthropic",
					},
				}
				inTool = false
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			events <- StreamEvent{Type: EventDone, StopReason: "stop", Usage: usage, Model: model}
			return

		case "error":
			events <- StreamEvent{Type: EventError, ErrMessage: "anthropic stream error", ErrCode: "stream_error"}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				events <- StreamEvent{
					Type:       EventError,
					ErrMessage: fmt.Sprintf("stream appears malformed: %d consecutive empty events", emptyEvents),
					ErrCode:    "malformed_stream",
				}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrCode: "stream_error"}
	}
}

func (b *AnthropicBackend) Health(ctx context.Context) Health {
	if b.client == nil {
		return Health{OK: false, Detail: "no API key configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := b.client.Messages.New(probeCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(b.defaultModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	return Health{OK: true}
}

func isRetryableAnthropicError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset")
}
