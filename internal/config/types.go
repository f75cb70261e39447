package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   *StorageConfig  `json:"storage,omitempty"`

	// Tasks are declared jobs, upserted by id on load and on every reload.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert is a secondary JSON sink for records at or above MinLevel.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// SchedulerConfig controls triggers and execution.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - blocked_wait_timeout: "1m"
//   - stop_timeout: "10s"
//   - timezone: local
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	Workers  int    `json:"workers,omitempty"`

	// BlockedWaitTimeout caps how long a run waits on each same-type blocker.
	BlockedWaitTimeout string `json:"blocked_wait_timeout,omitempty"`
	StopTimeout        string `json:"stop_timeout,omitempty"`
}

// StorageConfig controls the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/jobs.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TaskConfig declares one job.
//
// Schedule accepts the forms understood by schedule.Parse:
// "manual", "now", "once:<RFC3339>", a cron expression, a descriptor
// ("@daily", "@every 5m") or a bare Go duration.
type TaskConfig struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Schedule string         `json:"schedule"`
	Params   map[string]any `json:"params,omitempty"`
}

// IsEnabled defaults to true when omitted.
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// ParamStrings flattens Params into the string map a task configuration holds.
// Scalars are formatted as-is; lists and objects are JSON encoded.
func (t TaskConfig) ParamStrings() map[string]string {
	out := make(map[string]string, len(t.Params))
	for k, v := range t.Params {
		switch x := v.(type) {
		case nil:
			continue
		case string:
			out[k] = x
		case bool:
			out[k] = strconv.FormatBool(x)
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case json.Number:
			out[k] = x.String()
		default:
			b, err := json.Marshal(x)
			if err != nil {
				out[k] = fmt.Sprint(x)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

// Scheduler settings after defaults.
type SchedulerSettings struct {
	Enabled            bool
	Timezone           string
	Workers            int
	BlockedWaitTimeout time.Duration
	StopTimeout        time.Duration
}

const (
	DefaultWorkers            = 4
	DefaultBlockedWaitTimeout = time.Minute
	DefaultStopTimeout        = 10 * time.Second
)

func (c SchedulerConfig) Settings() (SchedulerSettings, error) {
	bwt, err := ParseDurationOrDefault("scheduler.blocked_wait_timeout", c.BlockedWaitTimeout, DefaultBlockedWaitTimeout)
	if err != nil {
		return SchedulerSettings{}, err
	}
	st, err := ParseDurationOrDefault("scheduler.stop_timeout", c.StopTimeout, DefaultStopTimeout)
	if err != nil {
		return SchedulerSettings{}, err
	}
	w := c.Workers
	if w <= 0 {
		w = DefaultWorkers
	}
	return SchedulerSettings{
		Enabled:            c.Enabled,
		Timezone:           strings.TrimSpace(c.Timezone),
		Workers:            w,
		BlockedWaitTimeout: bwt,
		StopTimeout:        st,
	}, nil
}
