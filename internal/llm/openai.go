package llm

import (
	"context"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/attractor-dev/attractor/internal/domain"
)

// ChatCompletionsClient is the subset of the OpenAI SDK used by the adapter.
// It is satisfied by the SDK's chat completion service so tests can
// substitute a fake.
type ChatCompletionsClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// OpenAIClient implements Client on top of the Chat Completions API.
type OpenAIClient struct {
	chat ChatCompletionsClient
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIClient{chat: &oc.Chat.Completions}
}

// NewOpenAIClientFrom wraps an existing chat completions client, real or fake.
func NewOpenAIClientFrom(chat ChatCompletionsClient) *OpenAIClient {
	return &OpenAIClient{chat: chat}
}

func openaiParams(req Request) (sdk.ChatCompletionNewParams, error) {
	if req.Model == "" {
		return sdk.ChatCompletionNewParams{}, domain.E(domain.KindValidation, "openai: model is required")
	}
	if req.Prompt == "" {
		return sdk.ChatCompletionNewParams{}, domain.E(domain.KindValidation, "openai: prompt is required")
	}

	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	messages = append(messages, sdk.UserMessage(req.Prompt))

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.Reasoning != "" {
		switch req.Reasoning {
		case "low", "medium", "high":
			params.ReasoningEffort = shared.ReasoningEffort(req.Reasoning)
		default:
			return sdk.ChatCompletionNewParams{}, domain.E(domain.KindValidation, "openai: unknown reasoning level %q", req.Reasoning)
		}
	}
	return params, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := openaiParams(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, ClassifyProviderError(err, "openai")
	}
	if len(completion.Choices) == 0 {
		return nil, domain.E(domain.KindExecution, "openai returned no choices")
	}
	choice := completion.Choices[0]
	return &Response{
		Text:         choice.Message.Content,
		Model:        completion.Model,
		StopReason:   choice.FinishReason,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request, emit func(delta string) error) (*Response, error) {
	params, err := openaiParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: sdk.Bool(true),
	}
	stream := c.chat.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &Response{Model: req.Model}
	var text strings.Builder

	for stream.Next() {
		chunk := stream.Current()
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			resp.InputTokens = int(chunk.Usage.PromptTokens)
			resp.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.FinishReason != "" {
				resp.StopReason = choice.FinishReason
			}
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if err := emit(choice.Delta.Content); err != nil {
					return nil, err
				}
			}
		}
		select {
		case <-ctx.Done():
			return nil, ClassifyProviderError(ctx.Err(), "openai")
		default:
		}
	}
	if err := stream.Err(); err != nil {
		return nil, ClassifyProviderError(err, "openai")
	}

	resp.Text = text.String()
	return resp, nil
}
