package engine

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"

	"ghostrun/internal/eventbus"
	logx "ghostrun/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, qt)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		dropTask(qt.task, ErrStale)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeTaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}

	// One bad task must not kill a worker.
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Newf("panic: %v", r)
				s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = qt.task.Run(runCtx)
	}()

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TypeTaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.publish(eventbus.TypeTaskFinished, ev)
	}
	s.record(item)
}
