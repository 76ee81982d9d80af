package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronWindow is the number of consecutive activations inspected by ParseCron.
const cronWindow = 16

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a 5 field cron expression or a macro (@hourly, @every 5m)
// and returns the shortest gap between its consecutive activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(e)
	if err != nil {
		return 0, err
	}

	// fixed reference, so the result does not depend on the wall clock
	at := time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)
	prev := schedule.Next(at)
	var shortest time.Duration
	for range cronWindow {
		next := schedule.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); shortest == 0 || gap < shortest {
			shortest = gap
		}
		prev = next
	}
	if shortest == 0 {
		return 0, fmt.Errorf("cron expression %q never repeats", e)
	}
	return shortest, nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseDuration accepts an ISO-8601 duration limited to days, hours, minutes
// and (fractional) seconds, e.g. P1DT2H or PT0.5S, or anything
// time.ParseDuration understands.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "P") {
		return time.ParseDuration(s)
	}
	m := isoDurationRx.FindStringSubmatch(s)
	if m == nil || s == "P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}

	var total time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
		}
		total += time.Duration(n) * unit
	}
	if sec := m[4]; sec != "" {
		f, err := strconv.ParseFloat(strings.Replace(sec, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %w", ErrISOFormat, s, err)
		}
		total += time.Duration(f * float64(time.Second))
	}
	return total, nil
}
