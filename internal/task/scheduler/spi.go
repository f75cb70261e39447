package scheduler

import (
	"fmt"
	"sort"
	"time"

	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/schedule"
	logx "taskcore/pkg/logx"
)

var _ engine.SPI = (*Service)(nil)

// ListTaskInfos returns every live task ordered by id.
func (s *Service) ListTaskInfos() []*engine.TaskInfo {
	s.mu.Lock()
	out := make([]*engine.TaskInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID() < out[k].ID() })
	return out
}

// CancelJob interrupts the running attempt of key if its task cooperates.
func (s *Service) CancelJob(key string) bool {
	s.mu.Lock()
	ex := s.running[key]
	s.mu.Unlock()
	return ex != nil && ex.Interrupt() == nil
}

// RemoveTask drops the job, its trigger and its stored record.
func (s *Service) RemoveTask(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return false
	}
	s.disarmLocked(j)
	delete(s.jobs, key)
	if s.store != nil {
		ctx, cancel := storeContext()
		defer cancel()
		if _, err := s.store.DeleteJob(ctx, key); err != nil {
			s.log.Warn("failed to delete stored task", logx.String("task_id", key), logx.Err(err))
		}
	}
	s.log.Debug("task unscheduled", logx.String("task_id", key))
	return true
}

// RunNow attaches a fresh future to a waiting task and fires it.
func (s *Service) RunNow(triggerSource, key string, info *engine.TaskInfo, snap engine.StateSnapshot) error {
	s.mu.Lock()
	started, active := s.started, s.active
	_, ok := s.jobs[key]
	s.mu.Unlock()
	switch {
	case !started:
		return ErrNotStarted
	case !active:
		return ErrPaused
	case !ok:
		return &task.RemovedError{ID: key, Name: snap.Configuration.Name()}
	}

	fut := engine.NewFuture(s, key, snap.Configuration.Name(), time.Now(), schedule.Now(), triggerSource)
	if !info.StartIfWaiting(snap, fut) {
		return fmt.Errorf("run %s: %w", key, task.ErrAlreadyRunning)
	}
	go s.fire(key, triggerSource, true)
	return nil
}
