// Package shell runs an external command as a task.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"taskcore/internal/task"
)

const TypeID = "shell"

const (
	KeyCommand = "shell.command"
	// KeyArgs is a JSON array of strings.
	KeyArgs = "shell.args"
	KeyDir  = "shell.dir"

	KeyExitCode = "shell.exitCode"
	KeyOutput   = "shell.output"
)

// maxOutput bounds the output tail kept in the configuration.
const maxOutput = 4 << 10

// waitDelay bounds how long output is drained after the process is killed.
const waitDelay = 2 * time.Second

func Descriptor() task.Descriptor {
	return task.Descriptor{
		TypeID:   TypeID,
		Name:     "Shell command",
		Validate: validate,
		New:      New,
	}
}

func validate(cfg *task.Configuration) error {
	if strings.TrimSpace(cfg.Get(KeyCommand)) == "" {
		return fmt.Errorf("%s is required", KeyCommand)
	}
	_, err := args(cfg)
	return err
}

func args(cfg *task.Configuration) ([]string, error) {
	raw := strings.TrimSpace(cfg.Get(KeyArgs))
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s: want a JSON array of strings: %w", KeyArgs, err)
	}
	return out, nil
}

// Task is not cooperative; it stops when its context is canceled, which
// kills the process.
type Task struct {
	task.Base
}

func New(cfg *task.Configuration) (task.Task, error) {
	return &Task{Base: task.NewBase(cfg)}, nil
}

func (t *Task) Run(ctx context.Context) (any, error) {
	cfg := t.Configuration()
	command := strings.TrimSpace(cfg.Get(KeyCommand))
	if command == "" {
		return nil, fmt.Errorf("%s is required", KeyCommand)
	}
	argv, err := args(cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.WaitDelay = waitDelay
	if dir := strings.TrimSpace(cfg.Get(KeyDir)); dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	cfg.SetString(KeyOutput, tail(out))
	cfg.SetInt64(KeyExitCode, int64(cmd.ProcessState.ExitCode()))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, fmt.Errorf("shell error: exit %d; out=%s", ee.ExitCode(), tail(out))
		}
		return nil, fmt.Errorf("shell error: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func tail(b []byte) string {
	if len(b) > maxOutput {
		b = b[len(b)-maxOutput:]
	}
	return strings.TrimSpace(string(b))
}
