package engine

import (
	"context"
	"runtime/debug"
	"time"

	logx "tasksched/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedJob) {
	for {
		// A closed stopCh wins over queued work.
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
		case qj := <-queue:
			s.inFlight.Add(1)
			s.runOne(ctx, qj)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) runOne(ctx context.Context, qj queuedJob) {
	defer qj.state.Release()

	start := s.clock.Now()
	queueDelay := start.Sub(time.Unix(0, qj.enqueuedAt))
	if queueDelay < 0 {
		queueDelay = 0
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.panics.Add(1)
				stack := string(debug.Stack())
				err = &PanicError{Value: r, Stack: stack}
				s.log.Error("job panicked", logx.String("task", qj.job.Name), logx.Any("panic", r), logx.Stack(stack))
			}
		}()
		err = qj.job.Run(ctx)
	}()

	item := HistoryItem{
		ID:         qj.job.ID,
		Name:       qj.job.Name,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   s.clock.Since(start),
	}
	if err != nil {
		item.Error = err.Error()
	}
	s.record(item)
}
