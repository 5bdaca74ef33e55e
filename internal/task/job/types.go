package job

import (
	"strings"
	"time"
)

// Trigger is what makes a job fire.
type Trigger string

const (
	TriggerCron      Trigger = "cron"
	TriggerWebhook   Trigger = "webhook"
	TriggerFileWatch Trigger = "file-watch"
	// TriggerManual is only used for out-of-band firings and never appears in
	// a catalog.
	TriggerManual Trigger = "manual"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerCron, TriggerWebhook, TriggerFileWatch:
		return true
	default:
		return false
	}
}

// Definition is one catalog entry.
type Definition struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Trigger Trigger `json:"trigger"`
	Cron    string  `json:"cron,omitempty"`
	Path    string  `json:"path,omitempty"`

	// Prompt is the natural-language instruction. A job without one is
	// action-only and always runs on its own.
	Prompt    string         `json:"prompt,omitempty"`
	Action    string         `json:"action,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	Company string `json:"company"`

	AutoDecide        bool          `json:"auto_decide,omitempty"`
	AutoDecideTimeout time.Duration `json:"auto_decide_timeout,omitempty"`

	BatchingGroup string `json:"batching_group,omitempty"`
	Enabled       bool   `json:"enabled"`
}

// HasPrompt reports whether the job carries a non-blank instruction.
func (d Definition) HasPrompt() bool { return strings.TrimSpace(d.Prompt) != "" }

// Key derives the merge key: the batching group when set, else the name,
// always scoped by tenant.
func (d Definition) Key() BatchKey {
	g := strings.TrimSpace(d.BatchingGroup)
	if g == "" {
		g = d.Name
	}
	return BatchKey{Group: g, Company: d.Company}
}

// BatchKey identifies one pending batch. Tenants are part of the key, so two
// companies never share a batch even when group names collide.
type BatchKey struct {
	Group   string `json:"group"`
	Company string `json:"company"`
}

func (k BatchKey) String() string { return k.Company + "/" + k.Group }

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Result is the terminal outcome of one firing.
type Result struct {
	ID        string         `json:"id"`
	Status    Status         `json:"status"`
	Thought   string         `json:"thought,omitempty"`
	Action    string         `json:"action,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`

	// Err keeps the typed cause for errors.Is checks in-process.
	Err error `json:"-"`
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

// Failed builds a failed Result for id carrying err.
func Failed(id string, err error) Result {
	r := Result{ID: id, Status: StatusFailed, Err: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
