// Package catalog loads job definitions from a JSON or YAML file, validates
// them and pushes replacements to subscribers when the file changes.
package catalog

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/config"
	"ghostrun/internal/eventbus"
	"ghostrun/internal/fswatch"
	"ghostrun/internal/task/job"
	"ghostrun/internal/task/scheduler"
	logx "ghostrun/pkg/logx"
)

var ErrInvalid = errors.New("invalid job catalog")

// File is the on-disk layout: {"jobs": [...]}.
type File struct {
	Jobs []Entry `json:"jobs"`
}

// Entry is one job as written in the catalog file. Enabled defaults to true
// and AutoDecideTimeout is a Go duration string.
type Entry struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Trigger           string         `json:"trigger"`
	Cron              string         `json:"cron,omitempty"`
	Path              string         `json:"path,omitempty"`
	Prompt            string         `json:"prompt,omitempty"`
	Action            string         `json:"action,omitempty"`
	Arguments         map[string]any `json:"arguments,omitempty"`
	Company           string         `json:"company"`
	AutoDecide        bool           `json:"auto_decide,omitempty"`
	AutoDecideTimeout string         `json:"auto_decide_timeout,omitempty"`
	BatchingGroup     string         `json:"batching_group,omitempty"`
	Enabled           *bool          `json:"enabled,omitempty"`
}

// Parse decodes and validates catalog bytes. path selects the format.
func Parse(path string, data []byte) ([]job.Definition, error) {
	var f File
	if err := config.DecodeFile(path, data, &f); err != nil {
		return nil, errors.Mark(err, ErrInvalid)
	}

	defs := make([]job.Definition, 0, len(f.Jobs))
	seen := make(map[string]struct{}, len(f.Jobs))
	var errs error
	for i, e := range f.Jobs {
		def, err := e.definition()
		if err == nil {
			if _, dup := seen[def.ID]; dup {
				err = errors.Newf("duplicate id %q", def.ID)
			}
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "jobs[%d]", i))
			continue
		}
		seen[def.ID] = struct{}{}
		defs = append(defs, def)
	}
	if errs != nil {
		return nil, errors.Mark(errs, ErrInvalid)
	}
	return defs, nil
}

func (e Entry) definition() (job.Definition, error) {
	def := job.Definition{
		ID:            strings.TrimSpace(e.ID),
		Name:          strings.TrimSpace(e.Name),
		Trigger:       job.Trigger(strings.ToLower(strings.TrimSpace(e.Trigger))),
		Cron:          strings.TrimSpace(e.Cron),
		Path:          strings.TrimSpace(e.Path),
		Prompt:        e.Prompt,
		Action:        strings.TrimSpace(e.Action),
		Arguments:     e.Arguments,
		Company:       strings.TrimSpace(e.Company),
		AutoDecide:    e.AutoDecide,
		BatchingGroup: strings.TrimSpace(e.BatchingGroup),
		Enabled:       e.Enabled == nil || *e.Enabled,
	}
	if def.ID == "" {
		return def, errors.New("id is required")
	}
	if def.Name == "" {
		return def, errors.Newf("%s: name is required", def.ID)
	}
	if !def.Trigger.Valid() {
		return def, errors.Newf("%s: unknown trigger %q", def.ID, e.Trigger)
	}
	switch def.Trigger {
	case job.TriggerCron:
		if _, err := scheduler.ParseCron(def.Cron); err != nil {
			return def, errors.Wrap(err, def.ID)
		}
	case job.TriggerFileWatch:
		if def.Path == "" {
			return def, errors.Newf("%s: path is required for file-watch jobs", def.ID)
		}
	}
	if !def.HasPrompt() && def.Action == "" {
		return def, errors.Newf("%s: prompt or action is required", def.ID)
	}
	d, err := config.ParseDurationField(def.ID+".auto_decide_timeout", e.AutoDecideTimeout)
	if err != nil {
		return def, err
	}
	def.AutoDecideTimeout = d
	return def, nil
}

// Manager holds the current job set.
type Manager struct {
	path string
	log  logx.Logger
	bus  eventbus.Bus

	mu   sync.RWMutex
	jobs []job.Definition
	byID map[string]int

	subMu  sync.Mutex
	subSeq uint64
	subs   map[uint64]chan []job.Definition
}

func NewManager(path string, log logx.Logger, bus eventbus.Bus) *Manager {
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Manager{
		path: path,
		log:  log.With(logx.String("comp", "catalog")),
		bus:  bus,
		byID: map[string]int{},
		subs: map[uint64]chan []job.Definition{},
	}
}

func (m *Manager) Path() string { return m.path }

// Load reads and validates the file. On error the previous job set stays.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return errors.Wrap(err, "read catalog")
	}
	defs, err := Parse(m.path, data)
	if err != nil {
		return err
	}
	m.Set(defs)
	m.log.Info("catalog loaded", logx.String("path", m.path), logx.Int("jobs", len(defs)))
	return nil
}

// Set replaces the job set and notifies subscribers.
func (m *Manager) Set(defs []job.Definition) {
	byID := make(map[string]int, len(defs))
	for i, d := range defs {
		byID[d.ID] = i
	}
	m.mu.Lock()
	m.jobs = append([]job.Definition(nil), defs...)
	m.byID = byID
	m.mu.Unlock()

	m.bus.Publish(eventbus.Event{Type: eventbus.TypeCatalogReady, Data: len(defs)})
	m.publish(m.Jobs())
}

func (m *Manager) Jobs() []job.Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]job.Definition(nil), m.jobs...)
}

func (m *Manager) Lookup(id string) (job.Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.byID[id]
	if !ok {
		return job.Definition{}, false
	}
	return m.jobs[i], true
}

// ByTrigger returns the enabled jobs with trigger t.
func (m *Manager) ByTrigger(t job.Trigger) []job.Definition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []job.Definition
	for _, d := range m.jobs {
		if d.Trigger == t && d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Subscribe delivers every new job set. A slow subscriber only keeps the
// latest one.
func (m *Manager) Subscribe(buffer int) (<-chan []job.Definition, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []job.Definition, buffer)
	m.subMu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(defs []job.Definition) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- defs:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- defs:
			default:
			}
		}
	}
}

// Watch reloads the catalog on file changes until ctx is done. Invalid
// edits are logged and ignored.
func (m *Manager) Watch(ctx context.Context) error {
	return fswatch.Watch(ctx, []string{m.path}, fswatch.Options{Log: m.log}, func(string) {
		if err := m.Load(); err != nil {
			m.log.Warn("catalog reload rejected, keeping previous jobs", logx.String("path", m.path), logx.Err(err))
		}
	})
}
