package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Type names a schedule variant. The values are what gets persisted.
type Type string

const (
	TypeManual    Type = "manual"
	TypeNow       Type = "now"
	TypeOnce      Type = "once"
	TypeRecurring Type = "cron"
)

// Persisted keys.
const (
	KeyType    = "schedule.type"
	KeyStartAt = "schedule.startAt"
	KeyCron    = "schedule.cron"
)

var ErrInvalid = errors.New("invalid schedule")

// Recurring expressions accept an optional seconds field and descriptors
// ("@hourly", "@every 5m").
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is an immutable description of when a task fires:
// Manual (never by itself), Now (once, immediately), Once(at), or
// Recurring(expr). The zero value is Manual.
type Schedule struct {
	typ  Type
	at   time.Time
	expr string
	cron cron.Schedule
}

func Manual() Schedule { return Schedule{typ: TypeManual} }

// Now fires once, as soon as it is armed.
func Now() Schedule { return Schedule{typ: TypeNow, at: time.Now()} }

func Once(at time.Time) Schedule { return Schedule{typ: TypeOnce, at: at} }

// Recurring parses a cron expression or descriptor.
func Recurring(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, fmt.Errorf("%w: empty cron expression", ErrInvalid)
	}
	cs, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("%w: cron %q: %v", ErrInvalid, expr, err)
	}
	return Schedule{typ: TypeRecurring, expr: expr, cron: cs}, nil
}

// MustRecurring panics on a bad expression. For tests and constants.
func MustRecurring(expr string) Schedule {
	s, err := Recurring(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schedule) Type() Type {
	if s.typ == "" {
		return TypeManual
	}
	return s.typ
}

// At is the fire time of Once and the creation time of Now.
func (s Schedule) At() time.Time { return s.at }

// Expr is the cron expression of a Recurring schedule.
func (s Schedule) Expr() string { return s.expr }

// Cron exposes the parsed expression for the trigger engine; nil unless Recurring.
func (s Schedule) Cron() cron.Schedule { return s.cron }

// IsOneShot reports whether the task is done after its first execution.
func (s Schedule) IsOneShot() bool {
	t := s.Type()
	return t == TypeNow || t == TypeOnce
}

// Next returns the first fire time strictly after `after`.
// Manual never fires; Now fires immediately; Once fires at its time if that
// is still ahead.
func (s Schedule) Next(after time.Time) (time.Time, bool) {
	switch s.Type() {
	case TypeNow:
		return after, true
	case TypeOnce:
		if s.at.After(after) {
			return s.at, true
		}
		return time.Time{}, false
	case TypeRecurring:
		if s.cron == nil {
			return time.Time{}, false
		}
		n := s.cron.Next(after)
		if n.IsZero() {
			return time.Time{}, false
		}
		return n, true
	default:
		return time.Time{}, false
	}
}

func (s Schedule) Equal(o Schedule) bool {
	if s.Type() != o.Type() {
		return false
	}
	switch s.Type() {
	case TypeOnce:
		return s.at.Equal(o.at)
	case TypeRecurring:
		return s.expr == o.expr
	default:
		return true
	}
}

func (s Schedule) String() string {
	switch s.Type() {
	case TypeOnce:
		return "once:" + s.at.Format(time.RFC3339)
	case TypeRecurring:
		return "cron:" + s.expr
	default:
		return string(s.Type())
	}
}

// ToMap renders the persisted form.
func (s Schedule) ToMap() map[string]string {
	m := map[string]string{KeyType: string(s.Type())}
	switch s.Type() {
	case TypeNow, TypeOnce:
		m[KeyStartAt] = s.at.Format(time.RFC3339Nano)
	case TypeRecurring:
		m[KeyCron] = s.expr
	}
	return m
}

// FromMap reads the persisted form. A record without schedule keys is Manual.
func FromMap(m map[string]string) (Schedule, error) {
	switch Type(strings.TrimSpace(m[KeyType])) {
	case "", TypeManual:
		return Manual(), nil
	case TypeNow:
		at, _ := time.Parse(time.RFC3339Nano, m[KeyStartAt])
		return Schedule{typ: TypeNow, at: at}, nil
	case TypeOnce:
		at, err := time.Parse(time.RFC3339Nano, m[KeyStartAt])
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: %s: %v", ErrInvalid, KeyStartAt, err)
		}
		return Once(at), nil
	case TypeRecurring:
		return Recurring(m[KeyCron])
	default:
		return Schedule{}, fmt.Errorf("%w: unknown type %q", ErrInvalid, m[KeyType])
	}
}

// StripKeys removes schedule keys from a persisted record.
func StripKeys(m map[string]string) {
	delete(m, KeyType)
	delete(m, KeyStartAt)
	delete(m, KeyCron)
}
