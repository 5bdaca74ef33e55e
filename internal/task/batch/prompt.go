package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/task/job"
)

const batchSystem = "You run several independent scheduled jobs in one pass. " +
	"Treat every job on its own and never let one job's data leak into another's answer."

const responseFormat = `Respond with a single JSON array and nothing else. Emit exactly one object per job, using the job's id verbatim:
[{"id": "<job id>", "status": "success" | "failed", "thought": "<short reasoning>", "action": "<action name or empty>", "arguments": {}, "message": "<result for the job>", "error": "<only when failed>"}]`

// Encode serializes entries into one consolidated request. The output only
// depends on its inputs.
func Encode(entries []Entry, sharedContext string) Request {
	var b strings.Builder
	ids := make([]string, 0, len(entries))

	if sc := strings.TrimSpace(sharedContext); sc != "" {
		b.WriteString("<shared_context>\n")
		b.WriteString(sc)
		b.WriteString("\n</shared_context>\n\n")
	}
	b.WriteString(responseFormat)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "There are %d jobs.\n", len(entries))

	for _, e := range entries {
		ids = append(ids, e.ID)
		fmt.Fprintf(&b, "\n<job id=\"%s\" name=\"%s\">\n", html.EscapeString(e.ID), html.EscapeString(e.Job.Name))
		b.WriteString(strings.TrimSpace(e.Job.Prompt))
		b.WriteString("\n</job>\n")
	}

	return Request{System: batchSystem, Prompt: b.String(), IDs: ids}
}

// record is the wire shape of one per-job answer.
type record struct {
	ID        flexID         `json:"id"`
	Status    string         `json:"status"`
	Thought   string         `json:"thought"`
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
	Message   string         `json:"message"`
	Error     string         `json:"error"`
}

// flexID accepts both "id": "x" and "id": 3.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (r record) result() job.Result {
	out := job.Result{
		ID:        strings.TrimSpace(string(r.ID)),
		Status:    job.StatusSuccess,
		Thought:   r.Thought,
		Action:    r.Action,
		Arguments: r.Arguments,
		Message:   r.Message,
	}
	if strings.TrimSpace(r.Error) != "" || strings.EqualFold(strings.TrimSpace(r.Status), string(job.StatusFailed)) {
		out.Status = job.StatusFailed
		msg := strings.TrimSpace(r.Error)
		if msg == "" {
			out.Err = ErrReportedFailure
		} else {
			out.Err = errors.Mark(errors.New(msg), ErrReportedFailure)
		}
		out.Error = out.Err.Error()
	}
	return out
}

var (
	fenceRe  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")
	taggedRe = regexp.MustCompile(`(?s)<result\s+id\s*=\s*"([^"]*)"\s*>(.*?)</result>`)
)

// maxScanStarts caps how many candidate JSON start offsets are tried per text.
const maxScanStarts = 64

// Decode demultiplexes a consolidated response. It returns exactly one
// Result per expected id, in expectedIDs order. Ids the response does not
// mention fail with ErrMissingResult; a response with no usable structure
// fails every id with ErrUnparseable.
func Decode(raw string, expectedIDs []string) []job.Result {
	recs, ok := extract(raw)
	out := make([]job.Result, 0, len(expectedIDs))
	if !ok {
		for _, id := range expectedIDs {
			r := job.Failed(id, ErrUnparseable)
			r.Message = ErrUnparseable.Error()
			out = append(out, r)
		}
		return out
	}

	byID := make(map[string]job.Result, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			continue
		}
		if _, dup := byID[r.ID]; dup {
			continue
		}
		byID[r.ID] = r
	}

	for _, id := range expectedIDs {
		r, found := byID[id]
		if !found {
			// The backend may echo the id as it appeared in the prompt.
			r, found = byID[html.EscapeString(id)]
		}
		if found {
			r.ID = id
			out = append(out, r)
			continue
		}
		err := errors.Mark(errors.Newf("missing result for id %s", id), ErrMissingResult)
		r = job.Failed(id, err)
		r.Message = err.Error()
		out = append(out, r)
	}
	return out
}

// Index maps results by id. The first result for an id wins.
func Index(results []job.Result) map[string]job.Result {
	m := make(map[string]job.Result, len(results))
	for _, r := range results {
		if _, ok := m[r.ID]; !ok {
			m[r.ID] = r
		}
	}
	return m
}

func extract(raw string) ([]job.Result, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	candidates := make([]string, 0, 2)
	for _, m := range fenceRe.FindAllStringSubmatch(raw, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, raw)

	for _, c := range candidates {
		if recs, ok := extractJSON(c); ok {
			return recs, true
		}
	}
	if recs, ok := extractTagged(raw); ok {
		return recs, true
	}
	return nil, false
}

// extractJSON looks for the first JSON value in s that is either an array of
// id-tagged records or an object with a "results" array.
func extractJSON(s string) ([]job.Result, bool) {
	tries := 0
	for i := 0; i < len(s) && tries < maxScanStarts; i++ {
		if s[i] != '[' && s[i] != '{' {
			continue
		}
		tries++

		var v json.RawMessage
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if recs, ok := recordsFrom(v); ok {
			return recs, true
		}
		// Skip past a well-formed value that was not the one we want.
		i += int(dec.InputOffset()) - 1
	}
	return nil, false
}

func recordsFrom(v json.RawMessage) ([]job.Result, bool) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return nil, false
	}

	var elems []json.RawMessage
	switch v[0] {
	case '[':
		if err := json.Unmarshal(v, &elems); err != nil || len(elems) == 0 {
			return nil, false
		}
	case '{':
		var wrapped struct {
			Results *[]json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(v, &wrapped); err != nil || wrapped.Results == nil {
			return nil, false
		}
		elems = *wrapped.Results
		if len(elems) == 0 {
			return nil, true
		}
	default:
		return nil, false
	}

	// Each element decodes on its own so one bad record only fails its id.
	out := make([]job.Result, 0, len(elems))
	for _, el := range elems {
		if res, ok := decodeRecord(el); ok {
			out = append(out, res)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// decodeRecord reads one per-job answer. A record with a readable id but
// mistyped fields resolves that id as failed with ErrMalformedRecord; one
// without a readable id is dropped.
func decodeRecord(el json.RawMessage) (job.Result, bool) {
	var r record
	err := json.Unmarshal(el, &r)
	if err == nil {
		res := r.result()
		return res, res.ID != ""
	}

	var idOnly struct {
		ID flexID `json:"id"`
	}
	if json.Unmarshal(el, &idOnly) != nil {
		return job.Result{}, false
	}
	id := strings.TrimSpace(string(idOnly.ID))
	if id == "" {
		return job.Result{}, false
	}
	res := job.Failed(id, errors.Mark(errors.Wrapf(err, "malformed result for id %s", id), ErrMalformedRecord))
	res.Message = res.Error
	return res, true
}

func extractTagged(raw string) ([]job.Result, bool) {
	matches := taggedRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, false
	}
	out := make([]job.Result, 0, len(matches))
	for _, m := range matches {
		id := strings.TrimSpace(html.UnescapeString(m[1]))
		body := strings.TrimSpace(m[2])

		if strings.HasPrefix(body, "{") {
			var r record
			if err := json.Unmarshal([]byte(body), &r); err == nil {
				res := r.result()
				res.ID = id
				out = append(out, res)
				continue
			}
		}
		out = append(out, job.Result{ID: id, Status: job.StatusSuccess, Message: body})
	}
	return out, true
}

// entryIDs assigns request-unique ids. A repeated job id gets a "#n" suffix.
func entryIDs(defs []job.Definition) []string {
	used := make(map[string]struct{}, len(defs))
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		base := d.ID
		if base == "" {
			base = "job"
		}
		id := base
		for n := 2; ; n++ {
			if _, taken := used[id]; !taken {
				break
			}
			id = base + "#" + strconv.Itoa(n)
		}
		used[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
