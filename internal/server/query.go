package server

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/usinatech/vigia/internal/fault"
)

// maxTzOffsetMinutes bounds tzOffsetMinutes to UTC±14h.
const maxTzOffsetMinutes = 840

// defaultQueryWindow applies when the request carries no date parts.
const defaultQueryWindow = time.Hour

// queryWindow is the resolved [Start, End] filter interval.
type queryWindow struct {
	Start time.Time
	End   time.Time
}

// parseQueryWindow resolves the start/end date parts plus tzOffsetMinutes
// into an interval. Callers supply wall-clock integer parts interpreted in
// the zone tzOffsetMinutes east of UTC. Absent parts default to the last
// hour ending now; a one-sided window is completed with now (open end) or
// one hour (open start).
func parseQueryWindow(q url.Values, now time.Time) (queryWindow, error) {
	offset, err := parseTzOffset(q.Get("tzOffsetMinutes"))
	if err != nil {
		return queryWindow{}, err
	}
	loc := time.FixedZone("query", offset*60)

	start, hasStart, err := parseDateParts(q, "start", loc)
	if err != nil {
		return queryWindow{}, err
	}
	end, hasEnd, err := parseDateParts(q, "end", loc)
	if err != nil {
		return queryWindow{}, err
	}

	switch {
	case !hasStart && !hasEnd:
		return queryWindow{Start: now.Add(-defaultQueryWindow), End: now}, nil
	case hasStart && !hasEnd:
		end = now
	case !hasStart && hasEnd:
		start = end.Add(-defaultQueryWindow)
	}

	if start.After(end) {
		return queryWindow{}, fault.New(fault.Validation, "startDate must not be after endDate")
	}
	return queryWindow{Start: start, End: end}, nil
}

func parseTzOffset(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Newf(fault.Validation, "tzOffsetMinutes %q is not an integer", raw)
	}
	if offset < -maxTzOffsetMinutes || offset > maxTzOffsetMinutes {
		return 0, fault.Newf(fault.Validation, "tzOffsetMinutes must be within [-%d, %d]",
			maxTzOffsetMinutes, maxTzOffsetMinutes)
	}
	return offset, nil
}

// parseDateParts assembles <prefix>Year/Month/Day/Hour/Minute into one
// instant. Month and day default to 1, hour and minute to 0. The composed
// parts must survive a calendar round-trip, so Feb 30 is rejected instead
// of normalized into March.
func parseDateParts(q url.Values, prefix string, loc *time.Location) (time.Time, bool, error) {
	year, hasYear, err := queryPart(q, prefix+"Year")
	if err != nil {
		return time.Time{}, false, err
	}
	month, hasMonth, err := queryPart(q, prefix+"Month")
	if err != nil {
		return time.Time{}, false, err
	}
	day, hasDay, err := queryPart(q, prefix+"Day")
	if err != nil {
		return time.Time{}, false, err
	}
	hour, hasHour, err := queryPart(q, prefix+"Hour")
	if err != nil {
		return time.Time{}, false, err
	}
	minute, hasMinute, err := queryPart(q, prefix+"Minute")
	if err != nil {
		return time.Time{}, false, err
	}

	if !hasYear && !hasMonth && !hasDay && !hasHour && !hasMinute {
		return time.Time{}, false, nil
	}
	if !hasYear {
		return time.Time{}, false, fault.Newf(fault.Validation,
			"%sYear is required when %s date parts are given", prefix, prefix)
	}
	if !hasMonth {
		month = 1
	}
	if !hasDay {
		day = 1
	}

	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day ||
		t.Hour() != hour || t.Minute() != minute {
		return time.Time{}, false, fault.Newf(fault.Validation,
			"%s date parts do not form a valid calendar instant", prefix)
	}
	return t, true, nil
}

func queryPart(q url.Values, key string) (int, bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fault.Newf(fault.Validation, "%s %q is not an integer", key, raw)
	}
	return n, true, nil
}

// queryLimit parses the limit parameter; zero means "use the default".
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fault.Newf(fault.Validation, "limit %q is not an integer", raw)
	}
	return n, nil
}
