package scheduler

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ParsedInterval is a normalized interval spec.
//
// Supported forms:
//   - Go duration: "55m", "2h30m", "500ms"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - Descriptor: "@every 1h30m"
//
// Optional prefixes "interval:" and "every:" are accepted.
// Calendar cron expressions ("*/5 * * * *", "@daily", day-of-week fields)
// are rejected with ErrUnsupportedStrategy: tasks only run on elapsed time.
type ParsedInterval struct {
	Every  time.Duration
	Source string // "duration" | "hhmm" | "every"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

var descriptorParser = cron.NewParser(cron.Descriptor)

// ParseInterval parses an interval spec.
func ParseInterval(raw string) (ParsedInterval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedInterval{}, fmt.Errorf("interval required")
	}

	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			low = strings.ToLower(s)
			break
		}
	}

	if strings.HasPrefix(low, "@") {
		return parseDescriptor(s)
	}
	if strings.ContainsAny(s, " \t\n\r") {
		return ParsedInterval{}, fmt.Errorf("%w: calendar expression %q", ErrUnsupportedStrategy, raw)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedInterval{}, err
		}
		return ParsedInterval{Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return ParsedInterval{}, fmt.Errorf("invalid interval %q (use HH:MM, '@every 5m' or a duration like '55m')", raw)
	}
	if d <= 0 {
		return ParsedInterval{}, ErrInvalidInterval
	}
	return ParsedInterval{Every: d, Source: "duration"}, nil
}

// parseDescriptor accepts "@every <duration>" and rejects calendar
// descriptors such as "@daily" or "@weekly".
func parseDescriptor(s string) (ParsedInterval, error) {
	sched, err := descriptorParser.Parse(s)
	if err != nil {
		return ParsedInterval{}, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	every, ok := sched.(cron.ConstantDelaySchedule)
	if !ok {
		return ParsedInterval{}, fmt.Errorf("%w: calendar descriptor %q", ErrUnsupportedStrategy, s)
	}
	if every.Delay <= 0 {
		return ParsedInterval{}, ErrInvalidInterval
	}
	return ParsedInterval{Every: every.Delay, Source: "every"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, ErrInvalidInterval
	}
	return d, nil
}
