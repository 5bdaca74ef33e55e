package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if ln == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(ln), &m), ln)
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "batch"), Int("size", 3))

	log.Debug("hidden")
	log.Info("batch flushed", String("key", "acme/strategic_scan"), String("comp", "override"), Err(errors.New("quota")))
	log.Warn("nil error field", Err(nil))

	got := lines(t, &buf)
	require.Len(t, got, 2)

	assert.Equal(t, "batch flushed", got[0][zerolog.MessageFieldName])
	assert.Equal(t, "info", got[0][zerolog.LevelFieldName])
	assert.Equal(t, "acme/strategic_scan", got[0]["key"])
	assert.EqualValues(t, 3, got[0]["size"])
	assert.Equal(t, "quota", got[0][zerolog.ErrorFieldName])
	assert.Contains(t, got[0][zerolog.CallerFieldName], "logging_test.go:")
	// zerolog keeps both copies of a repeated key; the later one is last.
	assert.Contains(t, buf.String(), `"comp":"override"`)

	assert.Equal(t, "warn", got[1][zerolog.LevelFieldName])
	assert.NotContains(t, got[1], zerolog.ErrorFieldName)
}

func TestLoggerZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")

	nop := Nop()
	assert.False(t, nop.IsZero())
	assert.False(t, nop.Enabled(LevelError))

	assert.True(t, NewWriter(&bytes.Buffer{}, "").Enabled(LevelDebug))
	assert.False(t, NewWriter(&bytes.Buffer{}, "warn").Enabled(LevelInfo))
}
