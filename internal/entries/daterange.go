package entries

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Range is a half-open interval [Start, End). A zero bound is unbounded.
type Range struct {
	Start time.Time
	End   time.Time
}

func (r Range) String() string {
	format := func(t time.Time) string {
		if t.IsZero() {
			return "*"
		}
		return t.Format(time.RFC3339)
	}
	return format(r.Start) + ".." + format(r.End)
}

// ParseRange interprets the start_date/end_date params. Each bound may be a
// bare date (YYYY-MM-DD, UTC) or an RFC 3339 timestamp; an empty bound is
// unbounded. A bare end date includes that whole day.
func ParseRange(start, end string) (Range, error) {
	var r Range
	var err error

	if r.Start, _, err = parseBound(start); err != nil {
		return Range{}, fmt.Errorf("invalid start_date: %w", err)
	}

	var endIsDate bool
	if r.End, endIsDate, err = parseBound(end); err != nil {
		return Range{}, fmt.Errorf("invalid end_date: %w", err)
	}
	if endIsDate {
		r.End = r.End.AddDate(0, 0, 1)
	}

	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return Range{}, fmt.Errorf("end_date %q is before start_date %q", end, start)
	}
	return r, nil
}

func parseBound(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC 3339", s)
	}
	return t.UTC(), false, nil
}
