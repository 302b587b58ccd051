package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression reports a cron expression that does not parse.
	ErrInvalidExpression = errors.New("schedule: invalid expression")
	// ErrInvalidSchedule reports a structurally invalid schedule (bad interval, zero timestamp, unknown zone).
	ErrInvalidSchedule = errors.New("schedule: invalid schedule")
)

// Kind is the discriminator of the Schedule union.
type Kind int

const (
	KindCron Kind = iota + 1
	KindInterval
	KindOnce
)

func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindOnce:
		return "once"
	default:
		return "unknown"
	}
}

// Schedule is implemented only by Cron, Interval and Once.
type Schedule interface {
	Kind() Kind
	String() string
	isSchedule()
}

// Cron fires on calendar matches of a 5-field (or 6-field, seconds first) expression.
// Descriptors such as "@daily" are accepted; "@every" is not (use Interval).
type Cron struct {
	Expr string
	// Timezone is an IANA zone name. Empty means the calculator's default location.
	Timezone string
}

// Interval fires at Anchor + k*Every.
// A zero Anchor means the anchor time supplied to Next. The scheduler passes
// the registration time, or the Unix epoch for tasks that take a fleet lock.
type Interval struct {
	Every  time.Duration
	Anchor time.Time
}

// Once fires a single time at At.
type Once struct {
	At time.Time
}

func (Cron) Kind() Kind     { return KindCron }
func (Interval) Kind() Kind { return KindInterval }
func (Once) Kind() Kind     { return KindOnce }

func (Cron) isSchedule()     {}
func (Interval) isSchedule() {}
func (Once) isSchedule()     {}

func (c Cron) String() string {
	if strings.TrimSpace(c.Timezone) != "" {
		return "cron:" + c.Expr + " (" + c.Timezone + ")"
	}
	return "cron:" + c.Expr
}

func (i Interval) String() string {
	if !i.Anchor.IsZero() {
		return fmt.Sprintf("every:%s@%s", i.Every, i.Anchor.Format(time.RFC3339))
	}
	return "every:" + i.Every.String()
}

func (o Once) String() string { return "at:" + o.At.Format(time.RFC3339) }
