package batch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ghostrun/internal/task/job"
)

func scanEntries() []Entry {
	return []Entry{
		{ID: "scan-1", Job: job.Definition{ID: "scan-1", Name: "strategic_scan", Prompt: "Check competitors"}},
		{ID: "scan-2", Job: job.Definition{ID: "scan-2", Name: "strategic_scan", Prompt: "Check pricing"}},
		{ID: "scan-3", Job: job.Definition{ID: "scan-3", Name: "strategic_scan", Prompt: "Check hiring"}},
	}
}

func TestEncodeDeterministicAndOrdered(t *testing.T) {
	t.Parallel()

	a := Encode(scanEntries(), "Company: Acme")
	b := Encode(scanEntries(), "Company: Acme")
	require.Equal(t, a, b)

	assert.Equal(t, []string{"scan-1", "scan-2", "scan-3"}, a.IDs)
	assert.True(t, strings.HasPrefix(a.Prompt, "<shared_context>\nCompany: Acme\n</shared_context>"))

	i1 := strings.Index(a.Prompt, `<job id="scan-1"`)
	i2 := strings.Index(a.Prompt, `<job id="scan-2"`)
	i3 := strings.Index(a.Prompt, `<job id="scan-3"`)
	require.True(t, i1 > 0 && i1 < i2 && i2 < i3)
	assert.Contains(t, a.Prompt, "Check pricing")
	assert.NotEmpty(t, a.System)
}

func TestEncodeEscapesAttributes(t *testing.T) {
	t.Parallel()

	req := Encode([]Entry{{ID: `a"b`, Job: job.Definition{Name: "<x>", Prompt: "p"}}}, "")
	assert.Contains(t, req.Prompt, `<job id="a&#34;b" name="&lt;x&gt;">`)
	assert.NotContains(t, req.Prompt, "<shared_context>")
}

func TestDecode(t *testing.T) {
	t.Parallel()

	ids := []string{"id1", "id2"}

	tests := []struct {
		name   string
		raw    string
		status map[string]job.Status
		check  func(t *testing.T, got map[string]job.Result)
	}{
		{
			name:   "array",
			raw:    `[{"id":"id1","status":"success","message":"one"},{"id":"id2","status":"success","message":"two"}]`,
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusSuccess},
			check: func(t *testing.T, got map[string]job.Result) {
				assert.Equal(t, "two", got["id2"].Message)
			},
		},
		{
			name:   "fenced with prose",
			raw:    "Here you go:\n```json\n[{\"id\":\"id2\",\"message\":\"b\",\"action\":\"notify\",\"arguments\":{\"to\":\"ops\"}},{\"id\":\"id1\",\"message\":\"a\"}]\n```\nDone.",
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusSuccess},
			check: func(t *testing.T, got map[string]job.Result) {
				assert.Equal(t, "notify", got["id2"].Action)
				assert.Equal(t, "ops", got["id2"].Arguments["to"])
			},
		},
		{
			name:   "embedded array",
			raw:    `Results follow [{"id":"id1","thought":"t"},{"id":"id2"}] end`,
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusSuccess},
			check: func(t *testing.T, got map[string]job.Result) {
				assert.Equal(t, "t", got["id1"].Thought)
			},
		},
		{
			name:   "results object",
			raw:    `{"results":[{"id":"id1"},{"id":"id2","status":"failed","error":"no data"}]}`,
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusFailed},
			check: func(t *testing.T, got map[string]job.Result) {
				assert.Equal(t, "no data", got["id2"].Error)
				assert.True(t, errors.Is(got["id2"].Err, ErrReportedFailure))
			},
		},
		{
			name:   "tagged sections",
			raw:    "<result id=\"id1\">{\"message\":\"json body\"}</result>\n<result id=\"id2\">\nplain text body\n</result>",
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusSuccess},
			check: func(t *testing.T, got map[string]job.Result) {
				assert.Equal(t, "json body", got["id1"].Message)
				assert.Equal(t, "plain text body", got["id2"].Message)
			},
		},
		{
			name:   "error field forces failure",
			raw:    `[{"id":"id1","status":"success","error":"quota"},{"id":"id2"}]`,
			status: map[string]job.Status{"id1": job.StatusFailed, "id2": job.StatusSuccess},
		},
		{
			name:   "unknown ids ignored and first duplicate wins",
			raw:    `[{"id":"zzz"},{"id":"id1","message":"first"},{"id":"id1","message":"second"},{"id":"id2"}]`,
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusSuccess},
			check: func(t *testing.T, got map[string]job.Result) {
				assert.Equal(t, "first", got["id1"].Message)
				assert.NotContains(t, got, "zzz")
			},
		},
		{
			name:   "skips unrelated json value",
			raw:    `{"note":"x"} [{"id":"id1"},{"id":"id2"}]`,
			status: map[string]job.Status{"id1": job.StatusSuccess, "id2": job.StatusSuccess},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode(tt.raw, ids)
			require.Len(t, res, 2)
			assert.Equal(t, "id1", res[0].ID)
			assert.Equal(t, "id2", res[1].ID)

			got := Index(res)
			for id, want := range tt.status {
				assert.Equal(t, want, got[id].Status, id)
			}
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestDecodeMissingID(t *testing.T) {
	t.Parallel()

	res := Decode(`[{"id":"id1","message":"ok"}]`, []string{"id1", "id2"})

	require.Len(t, res, 2)
	assert.Equal(t, job.StatusSuccess, res[0].Status)
	assert.Equal(t, job.StatusFailed, res[1].Status)
	assert.Equal(t, "missing result for id id2", res[1].Message)
	assert.True(t, errors.Is(res[1].Err, ErrMissingResult))
}

func TestDecodeUnparseable(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "I could not complete these tasks.", "[1, 2, 3]", "{\"id\": "} {
		res := Decode(raw, []string{"id1", "id2"})
		require.Len(t, res, 2)
		for _, r := range res {
			assert.Equal(t, job.StatusFailed, r.Status, raw)
			assert.True(t, errors.Is(r.Err, ErrUnparseable), raw)
		}
	}
}

func TestDecodeNumericIDs(t *testing.T) {
	t.Parallel()

	res := Decode(`[{"id": 7, "message": "n"}]`, []string{"7"})
	require.Len(t, res, 1)
	assert.True(t, res[0].OK())
	assert.Equal(t, "n", res[0].Message)
}

func TestEntryIDs(t *testing.T) {
	t.Parallel()

	defs := []job.Definition{{ID: "a"}, {ID: "a"}, {ID: "a#2"}, {ID: ""}}
	assert.Equal(t, []string{"a", "a#2", "a#2#2", "job"}, entryIDs(defs))
}

func TestDecodeMalformedRecordOnlyFailsItsJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{"mistyped arguments", `[{"id":"a","status":"success","message":"ok"},{"id":"b","arguments":"oops"}]`},
		{"mistyped message", `[{"id":"b","message":{"text":"x"}},{"id":"a","message":"ok"}]`},
		{"results object", `{"results":[{"id":"a","message":"ok"},{"id":"b","thought":42}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode(tt.raw, []string{"a", "b"})
			require.Len(t, res, 2)

			assert.True(t, res[0].OK())
			assert.Equal(t, "ok", res[0].Message)

			assert.Equal(t, "b", res[1].ID)
			assert.Equal(t, job.StatusFailed, res[1].Status)
			assert.True(t, errors.Is(res[1].Err, ErrMalformedRecord))
			assert.False(t, errors.Is(res[1].Err, ErrUnparseable))
		})
	}
}

func TestDecodeRecordWithoutReadableIDIsDropped(t *testing.T) {
	t.Parallel()

	res := Decode(`[{"id":{"x":1},"message":"?"},{"id":"a","message":"ok"}]`, []string{"a", "b"})
	require.Len(t, res, 2)
	assert.True(t, res[0].OK())
	assert.True(t, errors.Is(res[1].Err, ErrMissingResult))
}

func TestDecodeMatchesIDsEchoedEscaped(t *testing.T) {
	t.Parallel()

	ids := []string{"a&b", `q"t`, "<x>"}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, Entry{ID: id, Job: job.Definition{ID: id, Name: "n", Prompt: "p"}})
	}
	req := Encode(entries, "")
	require.Contains(t, req.Prompt, `id="a&amp;b"`)

	tests := []struct {
		name string
		raw  string
	}{
		{"escaped as in prompt", `[{"id":"a&amp;b","message":"1"},{"id":"q&#34;t","message":"2"},{"id":"&lt;x&gt;","message":"3"}]`},
		{"raw", `[{"id":"a&b","message":"1"},{"id":"q\"t","message":"2"},{"id":"<x>","message":"3"}]`},
		{"tagged", `<result id="a&amp;b">1</result><result id="q&#34;t">2</result><result id="&lt;x&gt;">3</result>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode(tt.raw, req.IDs)
			require.Len(t, res, 3)
			for i, r := range res {
				assert.Equal(t, ids[i], r.ID)
				assert.True(t, r.OK(), r.Error)
				assert.Equal(t, fmt.Sprint(i+1), r.Message)
			}
		})
	}
}
