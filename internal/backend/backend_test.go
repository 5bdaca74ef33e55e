package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/task/batch"
	logx "ghostrun/pkg/logx"
)

func TestNewRequiresModelAndKey(t *testing.T) {
	_, err := New(Config{Provider: "openai", APIKey: "k"}, logx.Nop())
	assert.True(t, errors.Is(err, ErrNotConfigured))

	_, err = New(Config{Provider: "openai", Model: "m"}, logx.Nop())
	assert.True(t, errors.Is(err, ErrNotConfigured))

	_, err = New(Config{Provider: "bard", Model: "m", APIKey: "k"}, logx.Nop())
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestResolveKey(t *testing.T) {
	t.Setenv("GHOSTRUN_TEST_KEY", " from-env ")
	assert.Equal(t, "inline", ResolveKey("inline", "GHOSTRUN_TEST_KEY"))
	assert.Equal(t, "from-env", ResolveKey("", "GHOSTRUN_TEST_KEY"))
	assert.Empty(t, ResolveKey("", ""))
}

func TestLimitWaitsForToken(t *testing.T) {
	var calls atomic.Int32
	b := Limit(batch.BackendFunc(func(context.Context, batch.Request) (batch.Response, error) {
		calls.Add(1)
		return batch.Response{Text: "ok"}, nil
	}), 1, 1)

	_, err := b.Generate(context.Background(), batch.Request{})
	require.NoError(t, err)

	// The bucket is empty; the next call cannot finish within the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Generate(ctx, batch.Request{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":0,"model":"gpt-test",
			"choices":[{"index":0,"message":{"role":"assistant","content":"[{\"id\":\"a\"}]"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`)
	}))
	defer srv.Close()

	b := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL, Model: "gpt-test", MaxTokens: 256})
	resp, err := b.Generate(context.Background(), batch.Request{System: "be brief", Prompt: "jobs"})
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"a"}]`, resp.Text)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(4), resp.OutputTokens)
	assert.Equal(t, "gpt-test", body["model"])
	assert.Len(t, body["messages"], 2)
}

func TestAnthropicGenerate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"first"},{"type":"text","text":"second"}],
			"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":7}}`)
	}))
	defer srv.Close()

	b := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL, Model: "claude-test", MaxTokens: 512})
	resp, err := b.Generate(context.Background(), batch.Request{System: "be brief", Prompt: "jobs"})
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", resp.Text)
	assert.Equal(t, int64(20), resp.InputTokens)
	assert.Equal(t, int64(7), resp.OutputTokens)
	assert.EqualValues(t, 512, body["max_tokens"])
	assert.NotNil(t, body["system"])
}
