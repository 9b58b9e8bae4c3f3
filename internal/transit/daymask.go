package transit

import (
	"fmt"
	"strings"
	"time"
)

// DayMask is the set of weekdays a timetable runs on. Bit n is time.Weekday(n).
type DayMask uint8

const (
	Weekdays DayMask = 1<<time.Monday | 1<<time.Tuesday | 1<<time.Wednesday | 1<<time.Thursday | 1<<time.Friday
	Weekends DayMask = 1<<time.Saturday | 1<<time.Sunday
	EveryDay         = Weekdays | Weekends
)

var (
	dayNames     = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}
	fullDayNames = [7]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
)

// Days builds a mask from individual weekdays.
func Days(days ...time.Weekday) DayMask {
	var m DayMask
	for _, d := range days {
		m |= 1 << d
	}
	return m
}

// Has reports whether the mask includes d.
func (m DayMask) Has(d time.Weekday) bool {
	return m&(1<<d) != 0
}

// IsEmpty reports whether no day is set.
func (m DayMask) IsEmpty() bool {
	return m&EveryDay == 0
}

// Shift moves every day n days later, so Saturday becomes Sunday for n=1.
func (m DayMask) Shift(n int) DayMask {
	n = (n%7 + 7) % 7
	var out DayMask
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Has(d) {
			out |= 1 << ((int(d) + n) % 7)
		}
	}
	return out
}

// String lists the set days Monday first, e.g. "mon,wed".
func (m DayMask) String() string {
	if m.IsEmpty() {
		return "none"
	}
	var parts []string
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if m.Has(d) {
			parts = append(parts, dayNames[d])
		}
	}
	return strings.Join(parts, ",")
}

// Bits renders the mask as seven 0/1 characters, Monday first.
func (m DayMask) Bits() string {
	var b strings.Builder
	for i := 1; i <= 7; i++ {
		if m.Has(time.Weekday(i % 7)) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// ParseDayMask accepts comma separated day names ("mon,wed", "weekdays",
// "all") or a seven character bit string with Monday first ("1010000").
func ParseDayMask(s string) (DayMask, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "none" {
		return 0, nil
	}

	if len(s) == 7 && strings.Trim(s, "01") == "" {
		var m DayMask
		for i, c := range s {
			if c == '1' {
				m |= 1 << time.Weekday((i+1)%7)
			}
		}
		return m, nil
	}

	var m DayMask
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch part {
		case "weekdays":
			m |= Weekdays
			continue
		case "weekends":
			m |= Weekends
			continue
		case "all", "daily", "everyday":
			m |= EveryDay
			continue
		}
		found := false
		for i, name := range dayNames {
			if part == name || part == fullDayNames[i] {
				m |= 1 << time.Weekday(i)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown day %q", part)
		}
	}
	return m, nil
}
