package provider

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/strategy-cli/internal/resilience"
	"github.com/sells-group/strategy-cli/pkg/anthropic"
	"github.com/sells-group/strategy-cli/pkg/openai"
)

// Provider names used for breaker keys, pricing, and config.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
)

type anthropicLLM struct {
	client anthropic.Client
}

// NewAnthropic adapts an Anthropic Messages client.
func NewAnthropic(client anthropic.Client) LLM {
	return &anthropicLLM{client: client}
}

func (a *anthropicLLM) Name() string { return Anthropic }

func (a *anthropicLLM) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := req.Temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.System),
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: &temp,
	})
	if err != nil {
		if code, ok := anthropic.StatusCode(err); ok {
			return nil, resilience.ClassifyHTTPStatus(err, code)
		}
		return nil, err
	}
	resp.Usage.LogUsage(resp.Model, req.Label)
	out := &Response{
		Text:             resp.Text(),
		Model:            resp.Model,
		InputTokens:      resp.Usage.InputTokens,
		OutputTokens:     resp.Usage.OutputTokens,
		CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadTokens:  resp.Usage.CacheReadInputTokens,
	}
	if resp.StopReason == "max_tokens" {
		return out, resilience.NewTransientError(eris.Errorf("anthropic: output truncated at %d tokens", req.MaxTokens), 0)
	}
	return out, nil
}

type openaiLLM struct {
	client openai.Client
}

// NewOpenAI adapts an OpenAI chat completions client.
func NewOpenAI(client openai.Client) LLM {
	return &openaiLLM{client: client}
}

func (o *openaiLLM) Name() string { return OpenAI }

func (o *openaiLLM) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := req.Temperature
	maxTokens := req.MaxTokens
	msgs := make([]openai.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openai.Message{Role: "user", Content: req.Prompt})

	resp, err := o.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:          req.Model,
		Messages:       msgs,
		Temperature:    &temp,
		MaxTokens:      &maxTokens,
		ResponseFormat: openai.JSONObject,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, resilience.ClassifyHTTPStatus(err, apiErr.StatusCode)
		}
		return nil, err
	}
	out := &Response{
		Text:         resp.Text(),
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) > 0 && resp.Choices[0].FinishReason == "length" {
		return out, resilience.NewTransientError(eris.Errorf("openai: output truncated at %d tokens", req.MaxTokens), 0)
	}
	return out, nil
}
