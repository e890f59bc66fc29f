package llm

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractor-dev/attractor/internal/domain"
)

func TestAnthropicParams(t *testing.T) {
	temp := 0.3
	params, err := anthropicParams(Request{
		Model:       "claude-sonnet-4-5",
		System:      "You are a reviewer.",
		Prompt:      "Review this diff.",
		Temperature: &temp,
		MaxTokens:   4096,
	})
	require.NoError(t, err)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	assert.Equal(t, int64(4096), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "You are a reviewer.", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	assert.Equal(t, 0.3, params.Temperature.Value)
}

func TestAnthropicParams_Defaults(t *testing.T) {
	params, err := anthropicParams(Request{Model: "claude-sonnet-4-5", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
	assert.Empty(t, params.System)
}

func TestAnthropicParams_Reasoning(t *testing.T) {
	params, err := anthropicParams(Request{
		Model: "claude-opus-4-1", Prompt: "p", Reasoning: "high", MaxTokens: 4096,
	})
	require.NoError(t, err)

	// Budget must stay below max_tokens, so the cap is raised.
	assert.Greater(t, params.MaxTokens, int64(16384))

	_, err = anthropicParams(Request{Model: "m", Prompt: "p", Reasoning: "extreme"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestAnthropicParams_Invalid(t *testing.T) {
	_, err := anthropicParams(Request{Prompt: "p"})
	assert.Error(t, err)

	_, err = anthropicParams(Request{Model: "m"})
	assert.Error(t, err)
}

// eventDecoder feeds a fixed event sequence to an ssestream.Stream.
type eventDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *eventDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *eventDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *eventDecoder) Close() error { return nil }
func (d *eventDecoder) Err() error   { return d.err }

type fakeMessages struct {
	events []ssestream.Event
	err    error
	msg    *sdk.Message
	msgErr error
}

func (f *fakeMessages) New(context.Context, sdk.MessageNewParams, ...option.RequestOption) (*sdk.Message, error) {
	return f.msg, f.msgErr
}

func (f *fakeMessages) NewStreaming(context.Context, sdk.MessageNewParams, ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&eventDecoder{events: f.events, err: f.err}, f.err)
}

func sseEvent(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

func TestAnthropicStream(t *testing.T) {
	fake := &fakeMessages{events: []ssestream.Event{
		sseEvent("message_start", `{
  "type": "message_start",
  "message": {"model": "claude-sonnet-4-5", "usage": {"input_tokens": 12}}
}`),
		sseEvent("content_block_delta", `{
  "type": "content_block_delta", "index": 0,
  "delta": {"type": "text_delta", "text": "hel"}
}`),
		sseEvent("content_block_delta", `{
  "type": "content_block_delta", "index": 0,
  "delta": {"type": "text_delta", "text": "lo"}
}`),
		sseEvent("message_delta", `{
  "type": "message_delta",
  "delta": {"stop_reason": "end_turn"},
  "usage": {"output_tokens": 5}
}`),
		sseEvent("message_stop", `{"type": "message_stop"}`),
	}}
	c := NewAnthropicClientFrom(fake)

	var deltas []string
	resp, err := c.Stream(context.Background(),
		Request{Model: "claude-sonnet-4-5", Prompt: "hi"},
		func(d string) error { deltas = append(deltas, d); return nil })
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, []string{"hel", "lo"}, deltas)
	assert.Equal(t, "claude-sonnet-4-5", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 5, resp.OutputTokens)
}

func TestAnthropicStream_EmitErrorAborts(t *testing.T) {
	fake := &fakeMessages{events: []ssestream.Event{
		sseEvent("content_block_delta", `{
  "type": "content_block_delta", "index": 0,
  "delta": {"type": "text_delta", "text": "x"}
}`),
	}}
	c := NewAnthropicClientFrom(fake)

	_, err := c.Stream(context.Background(),
		Request{Model: "m", Prompt: "p"},
		func(string) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
}

func TestAnthropicStream_ProviderError(t *testing.T) {
	fake := &fakeMessages{err: &sdk.Error{StatusCode: 529}}
	c := NewAnthropicClientFrom(fake)

	_, err := c.Stream(context.Background(),
		Request{Model: "m", Prompt: "p"},
		func(string) error { return nil })
	require.Error(t, err)
	assert.True(t, domain.Retryable(err))
}

func TestAnthropicComplete(t *testing.T) {
	fake := &fakeMessages{msg: &sdk.Message{
		Model: "claude-sonnet-4-5",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "the answer"},
		},
		StopReason: "end_turn",
		Usage:      sdk.Usage{InputTokens: 8, OutputTokens: 3},
	}}
	c := NewAnthropicClientFrom(fake)

	resp, err := c.Complete(context.Background(), Request{Model: "claude-sonnet-4-5", Prompt: "q"})
	require.NoError(t, err)

	assert.Equal(t, "the answer", resp.Text)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 8, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)
}

func TestAnthropicComplete_RateLimited(t *testing.T) {
	fake := &fakeMessages{msgErr: &sdk.Error{StatusCode: 429}}
	c := NewAnthropicClientFrom(fake)

	_, err := c.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindTransient))
}
