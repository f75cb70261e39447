package scheduler

import (
	"errors"
	"time"

	"taskcore/internal/runtime/supervisor"
	logx "taskcore/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(key string, err error) {
	if err == nil {
		return
	}
	// Shutdown races are expected.
	if errors.Is(err, supervisor.ErrStopped) {
		s.log.Debug("trigger dropped, scheduler stopping", logx.String("task_id", key))
		return
	}

	now := time.Now()
	s.repMu.Lock()
	if s.lastWarn == nil {
		s.lastWarn = make(map[string]time.Time)
	}
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.repMu.Unlock()
		return
	}
	s.lastWarn[key] = now
	s.repMu.Unlock()

	s.log.Warn("failed to submit task execution", logx.String("task_id", key), logx.Err(err))
}
