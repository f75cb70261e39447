// Package httpcall sends one HTTP request per run.
package httpcall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"taskcore/internal/task"
)

const TypeID = "httpcall"

const (
	KeyURL    = "http.url"
	KeyMethod = "http.method"
	// KeyTimeout is a Go duration string.
	KeyTimeout = "http.timeout"
	// KeyHeaders is a JSON object of header names to values.
	KeyHeaders = "http.headers"
	KeyBody    = "http.body"

	KeyLastStatus = "http.lastStatus"
)

const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds the response body quoted in errors.
const maxErrorBody = 512

func Descriptor() task.Descriptor {
	return task.Descriptor{
		TypeID: TypeID,
		Name:   "HTTP call",
		Defaults: map[string]string{
			KeyMethod:  http.MethodGet,
			KeyTimeout: DefaultTimeout.String(),
		},
		Validate: validate,
		New:      New,
	}
}

func validate(cfg *task.Configuration) error {
	raw := strings.TrimSpace(cfg.Get(KeyURL))
	if raw == "" {
		return fmt.Errorf("%s is required", KeyURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", KeyURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: unsupported scheme %q", KeyURL, u.Scheme)
	}
	if _, err := headers(cfg); err != nil {
		return err
	}
	if v, ok := cfg.Lookup(KeyTimeout); ok {
		if _, err := time.ParseDuration(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", KeyTimeout, err)
		}
	}
	return nil
}

func headers(cfg *task.Configuration) (map[string]string, error) {
	raw := strings.TrimSpace(cfg.Get(KeyHeaders))
	if raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%s: want a JSON object of strings: %w", KeyHeaders, err)
	}
	return out, nil
}

// Task is cooperative: Cancel aborts the request in flight.
type Task struct {
	task.CancelableBase
	client *http.Client

	mu    sync.Mutex
	abort context.CancelFunc
}

func New(cfg *task.Configuration) (task.Task, error) {
	return newTask(cfg, http.DefaultClient), nil
}

func newTask(cfg *task.Configuration, client *http.Client) *Task {
	return &Task{CancelableBase: task.CancelableBase{Base: task.NewBase(cfg)}, client: client}
}

func (t *Task) Cancel() {
	t.CancelableBase.Cancel()
	t.mu.Lock()
	abort := t.abort
	t.mu.Unlock()
	if abort != nil {
		abort()
	}
}

func (t *Task) Run(ctx context.Context) (any, error) {
	cfg := t.Configuration()
	method := strings.ToUpper(strings.TrimSpace(cfg.Get(KeyMethod)))
	if method == "" {
		method = http.MethodGet
	}
	hdrs, err := headers(cfg)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.Duration(KeyTimeout, DefaultTimeout))
	defer cancel()
	t.mu.Lock()
	t.abort = cancel
	t.mu.Unlock()
	if err := t.CheckCanceled(); err != nil {
		return nil, err
	}

	var body io.Reader
	if b := cfg.Get(KeyBody); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, strings.TrimSpace(cfg.Get(KeyURL)), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if t.IsCanceled() {
			return nil, task.ErrTaskInterrupted
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if t.IsCanceled() {
			return nil, task.ErrTaskInterrupted
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	cfg.SetInt64(KeyLastStatus, int64(resp.StatusCode))
	if resp.StatusCode >= 400 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return resp.StatusCode, nil
}
