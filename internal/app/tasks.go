package app

import (
	"errors"
	"fmt"
	"strings"

	"taskcore/internal/config"
	"taskcore/internal/task"
	"taskcore/internal/task/schedule"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

// declaredTask builds the configuration and schedule of a task declared in
// the config file. The type's defaults are filled in first.
func declaredTask(reg *task.Registry, tc config.TaskConfig) (*task.Configuration, schedule.Schedule, error) {
	id := strings.TrimSpace(tc.ID)
	sched, err := schedule.Parse(tc.Schedule)
	if err != nil {
		return nil, schedule.Schedule{}, fmt.Errorf("task %s: %w", id, err)
	}
	d, ok := reg.Descriptor(strings.TrimSpace(tc.Type))
	if !ok {
		return nil, schedule.Schedule{}, fmt.Errorf("task %s: %w: %s", id, task.ErrUnknownType, tc.Type)
	}

	cfg := task.ConfigurationFromMap(d.Defaults)
	if err := cfg.SetID(id); err != nil {
		return nil, schedule.Schedule{}, err
	}
	if err := cfg.SetTypeID(d.TypeID); err != nil {
		return nil, schedule.Schedule{}, err
	}
	name := strings.TrimSpace(tc.Name)
	if name == "" {
		name = id
	}
	cfg.SetName(name)
	cfg.SetEnabled(tc.IsEnabled())
	for k, v := range tc.ParamStrings() {
		if k == task.KeyID || k == task.KeyTypeID {
			return nil, schedule.Schedule{}, fmt.Errorf("task %s: params can't set %s", id, k)
		}
		cfg.SetString(k, v)
	}
	if err := reg.Check(cfg); err != nil {
		return nil, schedule.Schedule{}, fmt.Errorf("task %s: %w", id, err)
	}
	return cfg, sched, nil
}

// validateTasks checks every declared task against the registry.
func validateTasks(reg *task.Registry, tasks []config.TaskConfig) error {
	var errs []error
	for _, tc := range tasks {
		if _, _, err := declaredTask(reg, tc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func taskIDs(tasks []config.TaskConfig) []string {
	out := make([]string, 0, len(tasks))
	for _, tc := range tasks {
		out = append(out, strings.TrimSpace(tc.ID))
	}
	return out
}

// syncTasks upserts the declared tasks listed in upsert and removes the
// ones listed in removed.
func (a *App) syncTasks(tasks []config.TaskConfig, upsert, removed []string) {
	want := make(map[string]bool, len(upsert))
	for _, id := range upsert {
		want[id] = true
	}
	for _, tc := range tasks {
		id := strings.TrimSpace(tc.ID)
		if !want[id] {
			continue
		}
		cfg, sched, err := declaredTask(a.sched.Registry(), tc)
		if err != nil {
			a.log.Warn("declared task rejected", logx.String("task_id", id), logx.Err(err))
			continue
		}
		if _, err := a.sched.ScheduleTask(cfg, sched); err != nil {
			if errors.Is(err, scheduler.ErrRescheduleNow) || errors.Is(err, scheduler.ErrRescheduleDone) {
				a.log.Debug("declared task left as is", logx.String("task_id", id), logx.Err(err))
				continue
			}
			a.log.Warn("declared task not scheduled", logx.String("task_id", id), logx.Err(err))
		}
	}
	for _, id := range removed {
		info, ok := a.sched.GetTaskByID(id)
		if !ok {
			continue
		}
		if info.Remove() {
			a.log.Info("declared task removed", logx.String("task_id", id))
		} else {
			a.log.Warn("declared task could not be removed", logx.String("task_id", id))
		}
	}
}
