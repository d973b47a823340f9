package cronexpr

import (
	"fmt"
	"github.com/robfig/cron/v3"
	"strings"
	"time"
	_ "time/tzdata"
)

const DefaultTimezone = "Africa/Kampala"

// Evaluator accepts standard five field expressions, an optional leading
// seconds field and descriptors such as @daily.
type Evaluator struct {
	parser   cron.Parser
	location *time.Location
}

func New(location *time.Location) *Evaluator {
	if location == nil {
		location = time.UTC
	}
	return &Evaluator{
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		location: location,
	}
}

func NewInZone(timezone string) (*Evaluator, error) {
	if strings.TrimSpace(timezone) == "" {
		timezone = DefaultTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed loading time zone %q: %w", timezone, err)
	}
	return New(location), nil
}

func (ev *Evaluator) Location() *time.Location {
	return ev.location
}

func (ev *Evaluator) Parser() cron.Parser {
	return ev.parser
}

// Parse rejects per-expression zone overrides: every schedule runs in the
// evaluator's location.
func (ev *Evaluator) Parse(expression string) (cron.Schedule, error) {
	expression = strings.TrimSpace(expression)
	if strings.HasPrefix(expression, "TZ=") || strings.HasPrefix(expression, "CRON_TZ=") {
		return nil, fmt.Errorf("time zone prefix not allowed in %q", expression)
	}
	schedule, err := ev.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("failed parsing cron expression %q: %w", expression, err)
	}
	return schedule, nil
}

func (ev *Evaluator) Validate(expression string) bool {
	_, err := ev.Parse(expression)
	return err == nil
}

// NextFireTime returns the earliest matching instant strictly after from.
// It reports false for unparsable expressions and for expressions that
// never match, such as 30 February.
func (ev *Evaluator) NextFireTime(expression string, from time.Time) (time.Time, bool) {
	schedule, err := ev.Parse(expression)
	if err != nil {
		return time.Time{}, false
	}
	next := schedule.Next(from.In(ev.location))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// NextRun is the derived next fire time shown for a schedule, nil when the
// schedule is inactive or has no future fire.
func (ev *Evaluator) NextRun(expression string, active bool, now time.Time) *time.Time {
	if !active {
		return nil
	}
	next, ok := ev.NextFireTime(expression, now)
	if !ok {
		return nil
	}
	return &next
}
