package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// Parse turns a textual schedule into a Schedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 2 * * *", "@daily" (tz applies)
//   - Interval: "55m", "2h30m", "00:50" (HH:MM as a duration), "every:1m@2026-01-01T00:00:00Z" (anchored)
//   - Once: "at:2026-01-02T03:04:05Z" (RFC3339)
//
// Optional prefixes force the kind: "cron:", "interval:" / "every:", "at:" / "once:".
func Parse(raw, tz string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return nil, fmt.Errorf("%w: cron expression required after 'cron:'", ErrInvalidExpression)
		}
		return Cron{Expr: expr, Timezone: tz}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSchedule(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSchedule(s[len("every:"):])
	case strings.HasPrefix(low, "at:"):
		return parseOnce(s[len("at:"):], tz)
	case strings.HasPrefix(low, "once:"):
		return parseOnce(s[len("once:"):], tz)
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Cron{Expr: s, Timezone: tz}, nil
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMM(s)
		if err != nil {
			return nil, err
		}
		return Interval{Every: d}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
		}
		return Interval{Every: d}, nil
	}

	return nil, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', or at:<RFC3339>)",
		ErrInvalidSchedule, raw,
	)
}

// parseIntervalSchedule reads "<every>" or "<every>@<RFC3339 anchor>".
func parseIntervalSchedule(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	var anchor time.Time
	if i := strings.IndexByte(v, '@'); i >= 0 {
		raw := strings.TrimSpace(v[i+1:])
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid interval anchor %q (use RFC3339)", ErrInvalidSchedule, raw)
		}
		anchor = t
		v = strings.TrimSpace(v[:i])
	}
	if v == "" {
		return nil, fmt.Errorf("%w: interval required", ErrInvalidSchedule)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMM(v)
		if err != nil {
			return nil, err
		}
		return Interval{Every: d, Anchor: anchor}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid interval %q (use HH:MM or Go duration like '55m')", ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return Interval{Every: d, Anchor: anchor}, nil
}

func parseOnce(v, tz string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("%w: timestamp required", ErrInvalidSchedule)
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return Once{At: t}, nil
	}
	// Zone-less local timestamps are read in tz.
	loc := time.Local
	if strings.TrimSpace(tz) != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
		}
		loc = l
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", v, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp %q (use RFC3339)", ErrInvalidSchedule, v)
	}
	return Once{At: t}, nil
}

func parseHHMM(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", ErrInvalidSchedule, v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", ErrInvalidSchedule, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalidSchedule)
	}
	return d, nil
}
