package llm

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/attractor-dev/attractor/internal/domain"
)

// MessagesClient is the subset of the Anthropic SDK used by the adapter. It
// is satisfied by *sdk.MessageService so tests can substitute a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicClient implements Client on top of the Claude Messages API.
type AnthropicClient struct {
	msg MessagesClient
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicClient{msg: &ac.Messages}
}

// NewAnthropicClientFrom wraps an existing messages client, real or fake.
func NewAnthropicClientFrom(msg MessagesClient) *AnthropicClient {
	return &AnthropicClient{msg: msg}
}

const defaultMaxTokens = 8192

// thinkingBudgets maps graph reasoning levels to Anthropic thinking budgets.
// The API requires a budget of at least 1024 and strictly below max_tokens.
var thinkingBudgets = map[string]int64{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

func anthropicParams(req Request) (sdk.MessageNewParams, error) {
	if req.Model == "" {
		return sdk.MessageNewParams{}, domain.E(domain.KindValidation, "anthropic: model is required")
	}
	if req.Prompt == "" {
		return sdk.MessageNewParams{}, domain.E(domain.KindValidation, "anthropic: prompt is required")
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	if req.Reasoning != "" {
		budget, ok := thinkingBudgets[req.Reasoning]
		if !ok {
			return sdk.MessageNewParams{}, domain.E(domain.KindValidation, "anthropic: unknown reasoning level %q", req.Reasoning)
		}
		if budget >= maxTokens {
			maxTokens = budget + defaultMaxTokens
			params.MaxTokens = maxTokens
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
		// Thinking requires the default sampling temperature.
	} else if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	return params, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, ClassifyProviderError(err, "anthropic")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Text:         text.String(),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func (c *AnthropicClient) Stream(ctx context.Context, req Request, emit func(delta string) error) (*Response, error) {
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &Response{Model: req.Model}
	var text strings.Builder

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			if m := ev.Message.Model; m != "" {
				resp.Model = string(m)
			}
			resp.InputTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				text.WriteString(delta.Text)
				if err := emit(delta.Text); err != nil {
					return nil, err
				}
			}
		case sdk.MessageDeltaEvent:
			resp.StopReason = string(ev.Delta.StopReason)
			resp.OutputTokens = int(ev.Usage.OutputTokens)
			if ev.Usage.InputTokens > 0 {
				resp.InputTokens = int(ev.Usage.InputTokens)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ClassifyProviderError(ctx.Err(), "anthropic")
		default:
		}
	}
	if err := stream.Err(); err != nil {
		return nil, ClassifyProviderError(err, "anthropic")
	}

	resp.Text = text.String()
	return resp, nil
}
