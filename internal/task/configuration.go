package task

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known configuration keys.
const (
	KeyID           = ".id"
	KeyTypeID       = ".typeId"
	KeyName         = ".name"
	KeyEnabled      = ".enabled"
	KeyMessage      = ".message"
	KeyLogTaskState = ".logTaskState"
	// KeyRecoverable marks a task that is re-fired once after a restart that
	// interrupted it.
	KeyRecoverable = ".recoverable"
	// KeyRunning is set while an attempt is in flight. Restart recovery uses
	// it to find attempts the previous process never finished.
	KeyRunning = ".running"
	// KeyTimeout optionally bounds one attempt (Go duration string).
	KeyTimeout = ".timeout"
)

// Configuration is the mutable property bag describing one task instance.
// All values are strings; typed accessors encode and decode the rest.
// It is safe for concurrent use.
type Configuration struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewConfiguration() *Configuration {
	return &Configuration{m: map[string]string{}}
}

// ConfigurationFromMap copies m into a new Configuration.
func ConfigurationFromMap(m map[string]string) *Configuration {
	c := NewConfiguration()
	for k, v := range m {
		c.m[k] = v
	}
	return c
}

// AsMap returns a copy of all entries.
func (c *Configuration) AsMap() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.m)
}

func (c *Configuration) Copy() *Configuration {
	return ConfigurationFromMap(c.AsMap())
}

// Apply copies every entry of other into c. It fails without changing c
// when other would change an immutable key.
func (c *Configuration) Apply(other *Configuration) error {
	if other == nil || other == c {
		return nil
	}
	src := other.AsMap()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range []string{KeyID, KeyTypeID} {
		if err := c.checkImmutableLocked(k, src[k]); err != nil {
			return err
		}
	}
	for k, v := range src {
		c.m[k] = v
	}
	return nil
}

func (c *Configuration) checkImmutableLocked(key, value string) error {
	if value == "" {
		return nil
	}
	if cur := c.m[key]; cur != "" && cur != value {
		return fmt.Errorf("%w: %s is %q, refusing %q", ErrImmutableKey, key, cur, value)
	}
	return nil
}

func (c *Configuration) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.m[key]
}

func (c *Configuration) Lookup(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *Configuration) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Set stores value under key. .id and .typeId can't change once set.
func (c *Configuration) Set(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == KeyID || key == KeyTypeID {
		if err := c.checkImmutableLocked(key, value); err != nil {
			return err
		}
	}
	c.m[key] = value
	return nil
}

// SetString is Set for keys that are never immutable.
func (c *Configuration) SetString(key, value string) {
	if key == KeyID || key == KeyTypeID {
		panic("task: SetString used for immutable key " + key)
	}
	c.mu.Lock()
	c.m[key] = value
	c.mu.Unlock()
}

func (c *Configuration) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *Configuration) ID() string     { return c.Get(KeyID) }
func (c *Configuration) TypeID() string { return c.Get(KeyTypeID) }

// Name falls back to the id when no name is set.
func (c *Configuration) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n := strings.TrimSpace(c.m[KeyName]); n != "" {
		return c.m[KeyName]
	}
	return c.m[KeyID]
}

func (c *Configuration) SetID(id string) error         { return c.Set(KeyID, id) }
func (c *Configuration) SetTypeID(typeID string) error { return c.Set(KeyTypeID, typeID) }
func (c *Configuration) SetName(name string)           { c.SetString(KeyName, name) }

// Enabled defaults to true.
func (c *Configuration) Enabled() bool     { return c.Bool(KeyEnabled, true) }
func (c *Configuration) SetEnabled(v bool) { c.SetBool(KeyEnabled, v) }

func (c *Configuration) Message() string     { return c.Get(KeyMessage) }
func (c *Configuration) SetMessage(m string) { c.SetString(KeyMessage, m) }

// LogTaskState asks for task state transitions to be logged at info.
func (c *Configuration) LogTaskState() bool { return c.Bool(KeyLogTaskState, false) }

func (c *Configuration) Recoverable() bool { return c.Bool(KeyRecoverable, false) }

func (c *Configuration) Int64(key string, def int64) int64 {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func (c *Configuration) SetInt64(key string, v int64) {
	c.SetString(key, strconv.FormatInt(v, 10))
}

func (c *Configuration) Bool(key string, def bool) bool {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func (c *Configuration) SetBool(key string, v bool) {
	c.SetString(key, strconv.FormatBool(v))
}

// Time reads an epoch-millis value; RFC 3339 is accepted too.
func (c *Configuration) Time(key string) (time.Time, bool) {
	v, ok := c.Lookup(key)
	if !ok {
		return time.Time{}, false
	}
	if ms, ok := parseMillis(v); ok {
		return time.UnixMilli(ms), true
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (c *Configuration) SetTime(key string, t time.Time) {
	c.SetString(key, formatMillis(t.UnixMilli()))
}

// Duration reads a Go duration string. Missing or malformed values yield def.
func (c *Configuration) Duration(key string, def time.Duration) time.Duration {
	v, ok := c.Lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Validate checks the keys every task must carry. Only .id and .typeId have
// to be present: a missing .name reads as the id and a missing .enabled as
// true, but a present .enabled must parse as a bool.
func (c *Configuration) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var missing []string
	for _, k := range []string{KeyID, KeyTypeID} {
		if strings.TrimSpace(c.m[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if v, ok := c.m[KeyEnabled]; ok {
		if _, err := strconv.ParseBool(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s=%q is not a bool", ErrInvalidConfig, KeyEnabled, v)
		}
	}
	return nil
}

// String renders a stable, sorted dump for logs.
func (c *Configuration) String() string {
	m := c.AsMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	b.WriteByte('}')
	return b.String()
}

func formatMillis(ms int64) string { return strconv.FormatInt(ms, 10) }

func parseMillis(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n, err == nil
}
