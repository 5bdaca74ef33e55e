package backend

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"ghostrun/internal/task/batch"
)

type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewOpenAI(cfg Config) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	return &OpenAI{client: openai.NewClient(opts...), model: cfg.Model, maxTokens: cfg.MaxTokens}
}

func (o *OpenAI) Generate(ctx context.Context, req batch.Request) (batch.Response, error) {
	var msgs []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, openai.SystemMessage(s))
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(o.model),
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(o.maxTokens),
	})
	if err != nil {
		return batch.Response{}, errors.Wrap(err, "openai chat completion")
	}
	if len(resp.Choices) == 0 {
		return batch.Response{}, errors.New("openai returned no choices")
	}
	return batch.Response{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}
