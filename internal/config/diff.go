package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskcore/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
		)
	}

	// Storage is only read at startup; still surface the change so operators
	// know a restart is needed.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.restart_required", true),
		)
	}

	added, removed, updated := DiffTasks(oldCfg.Tasks, newCfg.Tasks)
	if len(added)+len(removed)+len(updated) > 0 {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(added)),
			logx.Int("tasks.removed", len(removed)),
			logx.Int("tasks.updated", len(updated)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// DiffTasks compares declared tasks by id. Each returned list is sorted.
func DiffTasks(oldTasks, newTasks []TaskConfig) (added, removed, updated []string) {
	oldM := make(map[string]TaskConfig, len(oldTasks))
	for _, t := range oldTasks {
		oldM[strings.TrimSpace(t.ID)] = t
	}
	newM := make(map[string]TaskConfig, len(newTasks))
	for _, t := range newTasks {
		newM[strings.TrimSpace(t.ID)] = t
	}
	for id, n := range newM {
		o, ok := oldM[id]
		switch {
		case !ok:
			added = append(added, id)
		case !reflect.DeepEqual(o, n):
			updated = append(updated, id)
		}
	}
	for id := range oldM {
		if _, ok := newM[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(updated)
	return added, removed, updated
}
