package reply

import (
	"encoding/json"
	"time"
)

// Window is one daily activity interval in the pipeline's local timezone.
// Start > End means the window wraps midnight.
type Window struct {
	Start string // "HH:MM"
	End   string // "HH:MM"
}

// ParseWindows decodes the stored JSON form: an array of ["HH:MM","HH:MM"]
// pairs. Malformed input yields no windows, which means always active.
func ParseWindows(raw *string) []Window {
	if raw == nil || *raw == "" {
		return nil
	}
	var pairs [][]string
	if err := json.Unmarshal([]byte(*raw), &pairs); err != nil {
		return nil
	}
	var windows []Window
	for _, p := range pairs {
		if len(p) != 2 {
			continue
		}
		if !validClock(p[0]) || !validClock(p[1]) {
			continue
		}
		windows = append(windows, Window{Start: p[0], End: p[1]})
	}
	return windows
}

// ActiveAt reports whether now falls inside the windows that apply to its
// weekday, evaluated in the settings timezone. No windows means always
// active. An unknown timezone falls back to UTC.
func (c *DiscussionSettings) ActiveAt(now time.Time) bool {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	windows := c.WeekdayWindows
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		windows = c.WeekendWindows
	}
	if len(windows) == 0 {
		return true
	}
	clock := local.Format("15:04")
	for _, w := range windows {
		if w.Start <= w.End {
			if clock >= w.Start && clock <= w.End {
				return true
			}
		} else {
			if clock >= w.Start || clock <= w.End {
				return true
			}
		}
	}
	return false
}

func validClock(s string) bool {
	_, err := time.Parse("15:04", s)
	return err == nil
}
