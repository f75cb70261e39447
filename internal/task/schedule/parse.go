package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse reads the textual schedule used in config files.
//
// Supported forms:
//   - "manual", "now"
//   - "once:<RFC3339>" (or "at:<RFC3339>")
//   - Cron: "*/5 * * * *", "0 30 2 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes: "cron:" forces cron parsing, "interval:" or "every:"
// forces interval parsing. Intervals become "@every" recurring schedules.
func Parse(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("%w: schedule required", ErrInvalid)
	}
	low := strings.ToLower(s)

	switch low {
	case "manual":
		return Manual(), nil
	case "now":
		return Now(), nil
	}

	for _, p := range []string{"once:", "at:"} {
		if strings.HasPrefix(low, p) {
			v := strings.TrimSpace(s[len(p):])
			at, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return Schedule{}, fmt.Errorf("%w: once time %q: %v", ErrInvalid, v, err)
			}
			return Once(at), nil
		}
	}
	if strings.HasPrefix(low, "cron:") {
		return Recurring(s[len("cron:"):])
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, err := parseInterval(s[len(p):])
			if err != nil {
				return Schedule{}, err
			}
			return every(d)
		}
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Recurring(s)
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', 'now', 'manual' or 'once:<RFC3339>')",
			ErrInvalid, raw,
		)
	}
	return every(d)
}

func every(d time.Duration) (Schedule, error) {
	return Recurring("@every " + d.String())
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%w: interval required", ErrInvalid)
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalid, v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid interval %q", ErrInvalid, v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
	}
	return d, nil
}
