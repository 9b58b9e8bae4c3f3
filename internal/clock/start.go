package clock

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// StartSource names where ResolveStartTime found its value.
type StartSource string

const (
	StartFromEnv      StartSource = "env"
	StartFromFile     StartSource = "file"
	StartFromFallback StartSource = "fallback"
)

// ResolveStartTime picks the instant a simulated clock starts from.
// Priority: environment variable > file > fallback. Unparseable sources are
// skipped rather than treated as fatal.
func ResolveStartTime(envVar, filePath string, location *time.Location, fallback time.Time) (time.Time, StartSource) {
	if envVar != "" {
		if raw := os.Getenv(envVar); raw != "" {
			if t, err := ParseTime(raw, location); err == nil {
				return t, StartFromEnv
			}
		}
	}
	if filePath != "" {
		if data, err := os.ReadFile(filePath); err == nil {
			if t, err := ParseTime(string(data), location); err == nil {
				return t, StartFromFile
			}
		}
	}
	return fallback, StartFromFallback
}

// ParseTime parses RFC3339, or one of the zone-less layouts interpreted in
// location.
func ParseTime(s string, location *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	if location == nil {
		return time.Time{}, errors.New("timezone not configured")
	}

	layouts := []string{
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, location); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse time %q: expected RFC3339 (2006-01-02T15:04:05Z07:00), or YYYY-MM-DD HH:MM:SS, YYYY-MM-DDTHH:MM:SS, or YYYY-MM-DD", s)
}
