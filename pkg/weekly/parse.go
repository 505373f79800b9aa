package weekly

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var dayNames = [7]string{
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
}

var dayAbbrev = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// ParseDay parses an English week-day name (full or 3-letter) into days
// from Monday.
func ParseDay(input string) (int, error) {
	needle := strings.ToLower(strings.TrimSpace(input))
	for i, name := range dayNames {
		if needle == name || needle == name[:3] {
			return i, nil
		}
	}
	return 0, errors.Errorf("unrecognized week day: %q", input)
}

// ParseClock parses a 24h "HH:MM" time string.
func ParseClock(input string) (hour, minute int, err error) {
	fields := strings.Split(input, ":")
	if len(fields) != 2 {
		return 0, 0, errors.Errorf("unrecognized time value: %q", input)
	}

	hour, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, errors.Errorf("unrecognized time (hour) value: %q", input)
	}
	minute, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, errors.Errorf("unrecognized time (minute) value: %q", input)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.Errorf("invalid time: %q", input)
	}
	return hour, minute, nil
}
