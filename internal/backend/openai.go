package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentgateway/gateway/internal/toolmsg"
)

// OpenAIBackend streams chat completions through OpenAI's API. It supports
// native tool calls, so the tool loop never needs XML extraction for it.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel string
	retrier      Retrier
}

// NewOpenAIBackend constructs an OpenAIBackend. An empty apiKey is
// permitted so the backend can be registered and report itself unhealthy
// rather than fail registry setup outright.
func NewOpenAIBackend(apiKey, defaultModel string) *OpenAIBackend {
	b := &OpenAIBackend{
		defaultModel: defaultModel,
		retrier:      NewRetrier(3, time.Second),
	}
	if apiKey != "" {
		b.client = openai.NewClient(apiKey)
	}
	if b.defaultModel == "" {
		b.defaultModel = "gpt-4o"
	}
	return b
}

func (b *OpenAIBackend) Name() string               { return "openai" }
func (b *OpenAIBackend) SupportsNativeTools() bool   { return true }
func (b *OpenAIBackend) DefaultModel() string        { return b.defaultModel }

func (b *OpenAIBackend) StreamChat(ctx context.Context, messages []Message, cfg Config) (<-chan StreamEvent, error) {
	if b.client == nil {
		return nil, errors.New("openai backend: no API key configured")
	}

	msgs, err := toolmsg.ToOpenAI(messages)
	if err != nil {
		return nil, fmt.Errorf("openai backend: %w", err)
	}

	model := cfg.Model
	if model == "" {
		model = b.defaultModel
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      true,
		Temperature: float32(cfg.Temperature),
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if tools := toolmsg.OpenAITools(cfg.Tools); len(tools) > 0 {
		req.Tools = tools
	}

	var stream *openai.ChatCompletionStream
	err = b.retrier.Do(ctx, isRetryableOpenAIError, func() error {
		s, streamErr := b.client.CreateChatCompletionStream(ctx, req)
		if streamErr != nil {
			return streamErr
		}
		stream = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai backend: %w", err)
	}

	events := make(chan StreamEvent)
	go b.pump(ctx, stream, model, events)
	return events, nil
}

func (b *OpenAIBackend) pump(ctx context.Context, stream *openai.ChatCompletionStream, model string, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	type building struct {
		id   string
		name string
		args strings.Builder
	}
	calls := make(map[int]*building)
	order := make([]int, 0, 4)
	usage := &Usage{}

	flush := func() {
		for _, idx := range order {
			tc := calls[idx]
			if tc == nil || tc.id == "" || tc.name == "" {
				continue
			}
			events <- StreamEvent{
				Type: EventToolCall,
				ToolCall: &ToolCall{
					ID:        tc.id,
					Name:      tc.name,
					Arguments: json.RawMessage(tc.args.String()),
					Provider:  "openai",
				},
			}
		}
		calls = make(map[int]*building)
		order = order[:0]
	}

	for {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Type: EventError, ErrMessage: ctx.Err().Error(), ErrCode: "context_canceled"}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				events <- StreamEvent{Type: EventDone, StopReason: "stop", Usage: usage, Model: model}
				return
			}
			events <- StreamEvent{Type: EventError, ErrMessage: err.Error(), ErrCode: "stream_error"}
			return
		}

		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- StreamEvent{Type: EventDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b := calls[idx]
			if b == nil {
				b = &building{}
				calls[idx] = b
				order = append(order, idx)
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func (b *OpenAIBackend) Health(ctx context.Context) Health {
	if b.client == nil {
		return Health{OK: false, Detail: "no API key configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := b.client.ListModels(probeCtx)
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	return Health{OK: true}
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset")
}
