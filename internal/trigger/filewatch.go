package trigger

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"ghostrun/internal/fswatch"
	"ghostrun/internal/task/job"
	logx "ghostrun/pkg/logx"
)

// FileWatch fires file-watch jobs when their path changes. One watcher
// covers every path; several jobs may share a path.
type FileWatch struct {
	runner   Runner
	debounce time.Duration
	log      logx.Logger
}

func NewFileWatch(runner Runner, debounce time.Duration, log logx.Logger) *FileWatch {
	if debounce <= 0 {
		debounce = fswatch.DefaultDebounce
	}
	return &FileWatch{runner: runner, debounce: debounce, log: log.With(logx.String("comp", "filewatch"))}
}

// Run watches the file-watch jobs in runner.Jobs() until ctx is done. A value
// on reload replaces the watched job set.
func (f *FileWatch) Run(ctx context.Context, reload <-chan []job.Definition) error {
	defs := f.runner.Jobs()
	for {
		byPath := f.index(defs)
		paths := make([]string, 0, len(byPath))
		for p := range byPath {
			paths = append(paths, p)
		}

		wctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = fswatch.Watch(wctx, paths, fswatch.Options{Debounce: f.debounce, Log: f.log}, func(path string) {
				f.fire(wctx, byPath[path], path)
			})
		}()
		f.log.Debug("file triggers armed", logx.Int("paths", len(paths)))

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case next, ok := <-reload:
			cancel()
			<-done
			if !ok {
				reload = nil
				continue
			}
			defs = next
		}
	}
}

func (f *FileWatch) index(defs []job.Definition) map[string][]job.Definition {
	out := map[string][]job.Definition{}
	for _, d := range defs {
		if d.Trigger != job.TriggerFileWatch || !d.Enabled || strings.TrimSpace(d.Path) == "" {
			continue
		}
		p := filepath.Clean(strings.TrimSpace(d.Path))
		out[p] = append(out[p], d)
	}
	return out
}

func (f *FileWatch) fire(ctx context.Context, defs []job.Definition, path string) {
	for _, def := range defs {
		if _, err := f.runner.RunTask(ctx, def); err != nil {
			f.log.Warn("file trigger refused", logx.String("job_id", def.ID), logx.String("path", path), logx.Err(err))
			continue
		}
		f.log.Info("file trigger fired", logx.String("job_id", def.ID), logx.String("path", path))
	}
}
