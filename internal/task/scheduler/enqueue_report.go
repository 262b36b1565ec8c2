package scheduler

import (
	"errors"
	"time"

	"campaignbot/internal/task/engine"
	logx "campaignbot/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// reportEnqueueError logs a failed trigger at most once per enqueueWarnEvery per schedule.
func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		// previous tick still busy; the next one will pick up its work
		s.log.Debug("schedule tick skipped", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last, seen := s.lastWarn[name]
	if seen && now.Sub(last) < enqueueWarnEvery {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("schedule tick not enqueued", logx.String("schedule", name), logx.Err(err))
}
