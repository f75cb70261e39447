package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "taskcore/pkg/logx"
)

// Validate checks static constraints that don't need the task registry.
// Schedule strings and task types are checked by the scheduler on upsert.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" {
		if _, ok := logx.ParseLevel(lv); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lv))
		}
	}
	if ml := strings.TrimSpace(cfg.Logging.Alert.MinLevel); ml != "" {
		if _, ok := logx.ParseLevel(ml); !ok {
			errs = append(errs, fmt.Errorf("logging.alert.min_level: unknown level %q", ml))
		}
	}
	if cfg.Logging.Alert.RatePerSec < 0 {
		errs = append(errs, errors.New("logging.alert.rate_per_sec must be >= 0"))
	}

	if cfg.Scheduler.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers must be >= 0"))
	}
	if _, err := cfg.Scheduler.Settings(); err != nil {
		errs = append(errs, err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "mem":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	seen := map[string]struct{}{}
	for i, t := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		id := strings.TrimSpace(t.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", path))
		} else if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("%s.id: duplicate id %q", path, id))
		} else {
			seen[id] = struct{}{}
		}
		if strings.TrimSpace(t.Type) == "" {
			errs = append(errs, fmt.Errorf("%s.type is required", path))
		}
		if strings.TrimSpace(t.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule is required", path))
		}
	}

	return errors.Join(errs...)
}

// ToLogx maps the logging section onto logx.Config.
func (c LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Alert.Enabled,
			Path:       c.Alert.Path,
			MinLevel:   c.Alert.MinLevel,
			RatePerSec: c.Alert.RatePerSec,
		},
	}
}
