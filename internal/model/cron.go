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

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// ParseCron parses a 5-field cron expression or a @macro and returns the
// resulting schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, errors.New("empty cron expression")
	}

	// ParseStandard understands @hourly, @every 5m and friends
	if strings.HasPrefix(e, "@") {
		return cron.ParseStandard(e)
	}

	parser5 := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser5.Parse(e)
}

var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// ParseISODuration parses the day/time subset of ISO-8601 durations,
// PT30M, P1DT12H and such. Months and years are rejected as ambiguous.
func ParseISODuration(dur string) (time.Duration, error) {
	if dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil {
		return 0, ErrISOFormat
	}

	units := [...]time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	var ret time.Duration
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing %q: %w", part, err)
		}
		ret += time.Duration(n) * units[i]
	}
	if ret <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive", ErrISOFormat)
	}
	return ret, nil
}
