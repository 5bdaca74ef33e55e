package backend

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/batch"
)

type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropic(cfg Config) *Anthropic {
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(cfg.APIKey)}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, anthropicoption.WithBaseURL(strings.TrimRight(base, "/")+"/"))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: cfg.Model, maxTokens: cfg.MaxTokens}
}

func (a *Anthropic) Generate(ctx context.Context, req batch.Request) (batch.Response, error) {
	params := anthropic.MessageNewParams{
		MaxTokens: a.maxTokens,
		Model:     anthropic.Model(a.model),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []anthropic.TextBlockParam{{Text: s}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return batch.Response{}, errors.Wrap(err, "anthropic messages")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(tb.Text)
		}
	}
	return batch.Response{
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}
