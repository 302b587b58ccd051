package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser options match the ones used for textual task schedules:
// seconds are optional and descriptors are allowed.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Calculator is a compiled Schedule.
type Calculator struct {
	sched Schedule
	cron  *cron.SpecSchedule
	loc   *time.Location
}

// Compile validates s and prepares it for evaluation.
// defaultLoc is used for Cron schedules without a Timezone; nil means time.Local.
func Compile(s Schedule, defaultLoc *time.Location) (*Calculator, error) {
	if defaultLoc == nil {
		defaultLoc = time.Local
	}
	switch v := s.(type) {
	case Cron:
		return compileCron(v, defaultLoc)
	case *Cron:
		if v == nil {
			break
		}
		return compileCron(*v, defaultLoc)
	case Interval:
		return compileInterval(v)
	case *Interval:
		if v == nil {
			break
		}
		return compileInterval(*v)
	case Once:
		return compileOnce(v)
	case *Once:
		if v == nil {
			break
		}
		return compileOnce(*v)
	}
	return nil, fmt.Errorf("%w: schedule required", ErrInvalidSchedule)
}

func compileCron(c Cron, defaultLoc *time.Location) (*Calculator, error) {
	expr := strings.TrimSpace(c.Expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidExpression)
	}
	if strings.HasPrefix(strings.ToLower(expr), "@every") {
		return nil, fmt.Errorf("%w: %q: use an interval schedule instead of @every", ErrInvalidExpression, expr)
	}

	loc := defaultLoc
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
		}
		loc = l
	}

	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expr, err)
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q: unsupported form", ErrInvalidExpression, expr)
	}
	// An inline CRON_TZ= prefix wins over the declared timezone.
	if !hasInlineTZ(expr) {
		spec.Location = loc
	}
	return &Calculator{sched: Cron{Expr: expr, Timezone: c.Timezone}, cron: spec, loc: spec.Location}, nil
}

func hasInlineTZ(expr string) bool {
	return strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=")
}

func compileInterval(i Interval) (*Calculator, error) {
	if i.Every <= 0 {
		return nil, fmt.Errorf("%w: interval must be > 0 (got %s)", ErrInvalidSchedule, i.Every)
	}
	return &Calculator{sched: i}, nil
}

func compileOnce(o Once) (*Calculator, error) {
	if o.At.IsZero() {
		return nil, fmt.Errorf("%w: once timestamp required", ErrInvalidSchedule)
	}
	return &Calculator{sched: o}, nil
}

// Schedule returns the compiled schedule value.
func (c *Calculator) Schedule() Schedule { return c.sched }

// Kind returns the schedule kind.
func (c *Calculator) Kind() Kind { return c.sched.Kind() }

// Recurring reports whether the schedule can fire more than once.
func (c *Calculator) Recurring() bool { return c.sched.Kind() != KindOnce }

// Location returns the evaluation zone of a Cron schedule, nil otherwise.
func (c *Calculator) Location() *time.Location { return c.loc }

// Next returns the next fire time strictly after from.
//
// anchor is the task's registration time. Interval schedules without an explicit
// Anchor count from it; Once schedules fire only if At is after it.
// ok is false when the schedule has no further occurrence.
func (c *Calculator) Next(from, anchor time.Time) (time.Time, bool) {
	switch s := c.sched.(type) {
	case Cron:
		// robfig evaluates a time.Local schedule in the input's zone.
		next := c.cron.Next(from.In(c.cron.Location))
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case Interval:
		return nextInterval(s, from, anchor), true
	case Once:
		if !s.At.After(anchor) || !s.At.After(from) {
			return time.Time{}, false
		}
		return s.At, true
	}
	return time.Time{}, false
}

func nextInterval(s Interval, from, anchor time.Time) time.Time {
	if !s.Anchor.IsZero() {
		anchor = s.Anchor
	}
	if from.Before(anchor) {
		return anchor
	}
	k := from.Sub(anchor)/s.Every + 1
	return anchor.Add(k * s.Every)
}

// Preview lists up to n upcoming fire times after from.
func (c *Calculator) Preview(from, anchor time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for len(out) < n {
		next, ok := c.Next(t, anchor)
		if !ok {
			break
		}
		out = append(out, next)
		t = next
	}
	return out
}
