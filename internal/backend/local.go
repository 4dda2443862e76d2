package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentgateway/gateway/internal/toolmsg"
)

// LocalBackend talks to an OpenAI-compatible local model server (LM
// Studio, llama.cpp's server, vLLM's OpenAI shim). Most such servers
// either don't implement function calling or implement it unreliably, so
// this backend never emits native tool_call events: it relies on the tool
// loop's XML extraction instead, and primes the model with an
// [AVAILABLE_TOOLS] hint describing the call grammar it must emit.
type LocalBackend struct {
	client       *openai.Client
	defaultModel string
}

// NewLocalBackend constructs a LocalBackend pointed at baseURL (e.g.
// "http://localhost:1234/v1"). apiKey may be empty; most local servers
// ignore it.
func NewLocalBackend(baseURL, apiKey, defaultModel string) *LocalBackend {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234/v1"
	}
	return &LocalBackend{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

func (b *LocalBackend) Name() string               { return "local" }
func (b *LocalBackend) SupportsNativeTools() bool   { return false }
func (b *LocalBackend) DefaultModel() string        { return b.defaultModel }

func (b *LocalBackend) StreamChat(ctx context.Context, messages []Message, cfg Config) (<-chan StreamEvent, error) {
	if b.client == nil {
		return nil, errors.New("local backend: not configured")
	}

	msgs, err := toolmsg.ToOpenAI(withToolHint(messages, cfg.Tools))
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
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

	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("local backend: %w", err)
	}

	events := make(chan StreamEvent)
	go pumpTextOnlyStream(ctx, stream, model, events)
	return events, nil
}

// withToolHint appends an [AVAILABLE_TOOLS] block describing the tool call
// grammar the text-only tool loop expects, when tools are configured.
// Text-only backends have no other channel for tool schemas.
func withToolHint(messages []Message, tools []ToolSchema) []Message {
	if len(tools) == 0 {
		return messages
	}
	var hint strings.Builder
	hint.WriteString("[AVAILABLE_TOOLS]\n")
	hint.WriteString("You may call a tool by emitting exactly:\n")
	hint.WriteString("<tool_call><name>TOOL_NAME</name><arguments>{\"key\":\"value\"}</arguments></tool_call>\n")
	hint.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&hint, "- %s: %s\n", t.Name, t.Description)
	}

	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: hint.String()})
	out = append(out, messages...)
	return out
}

type textOnlyStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close()
}

func pumpTextOnlyStream(ctx context.Context, stream textOnlyStream, model string, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	usage := &Usage{}
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
		if text := resp.Choices[0].Delta.Content; text != "" {
			events <- StreamEvent{Type: EventDelta, Text: text}
		}
	}
}

func (b *LocalBackend) Health(ctx context.Context) Health {
	if b.client == nil {
		return Health{OK: false, Detail: "not configured"}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := b.client.ListModels(probeCtx)
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	return Health{OK: true}
}
