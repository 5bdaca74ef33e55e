// Package fswatch watches a set of files through their parent directories
// and reports debounced changes. The watcher recreates itself with a
// jittered backoff when fsnotify breaks.
package fswatch

import (
	"context"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "ghostrun/pkg/logx"
)

// DefaultDebounce absorbs editors that write a file in several steps.
const DefaultDebounce = 250 * time.Millisecond

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

type Options struct {
	Debounce time.Duration
	Log      logx.Logger
}

// Watch blocks until ctx is done, calling onChange with the cleaned path of
// every watched file that changed. Calls for one path are debounced; calls
// for different paths are independent.
func Watch(ctx context.Context, paths []string, opt Options, onChange func(path string)) error {
	if opt.Debounce <= 0 {
		opt.Debounce = DefaultDebounce
	}
	log := opt.Log

	// dir -> basename -> full path
	dirs := map[string]map[string]string{}
	for _, p := range paths {
		p = filepath.Clean(strings.TrimSpace(p))
		if p == "." || p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if dirs[dir] == nil {
			dirs[dir] = map[string]string{}
		}
		dirs[dir][strings.ToLower(filepath.Base(p))] = p
	}
	if len(dirs) == 0 {
		<-ctx.Done()
		return nil
	}

	var (
		timerMu sync.Mutex
		timers  = map[string]*time.Timer{}
	)
	debounce := func(path string) {
		timerMu.Lock()
		defer timerMu.Unlock()
		if t := timers[path]; t != nil {
			t.Stop()
		}
		log.Debug("file change detected", logx.String("path", path))
		timers[path] = time.AfterFunc(opt.Debounce, func() {
			if ctx.Err() != nil {
				return
			}
			onChange(path)
		})
	}
	defer func() {
		timerMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sleep := func() bool {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn("watch init failed", logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		added := 0
		for dir := range dirs {
			if err := w.Add(dir); err != nil {
				log.Warn("watch add failed", logx.Err(err), logx.String("dir", dir))
				continue
			}
			added++
		}
		if added == 0 {
			_ = w.Close()
			if !sleep() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		log.Debug("watcher started", logx.Int("dirs", added), logx.Int("files", len(paths)))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				files := dirs[filepath.Dir(filepath.Clean(ev.Name))]
				if p, ok := files[strings.ToLower(filepath.Base(ev.Name))]; ok {
					debounce(p)
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means events were missed; report every file once.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					log.Warn("watch overflow, forcing reload", logx.Err(err))
					for _, files := range dirs {
						for _, p := range files {
							debounce(p)
						}
					}
					continue
				}
				log.Warn("watch error", logx.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		log.Warn("watcher stopped, restarting", logx.Duration("backoff", backoff))
		if !sleep() {
			return nil
		}
	}
}
