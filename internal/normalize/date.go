package normalize

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// dateLayouts are tried in order. Numeric layouts are day-first.
var dateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2/1/06",
	"2-1-06",
	"2-Jan-2006",
	"2-Jan-06",
	"2 Jan 2006",
	"2 Jan 06",
	"2 January 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"January 2 2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

const (
	minYear = 1900
	maxYear = 2200
)

// ParseDate parses v as a calendar date using a fixed list of layouts.
func ParseDate(v interface{}) (civil.Date, bool) {
	switch d := v.(type) {
	case civil.Date:
		return d, d.IsValid()
	case time.Time:
		return civil.DateOf(d), !d.IsZero()
	case string:
		return parseDateString(d)
	}
	return civil.Date{}, false
}

func parseDateString(raw string) (civil.Date, bool) {
	s := strings.Join(strings.Fields(raw), " ")
	if s == "" {
		return civil.Date{}, false
	}
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < minYear || t.Year() > maxYear {
			return civil.Date{}, false
		}
		return civil.DateOf(t), true
	}
	return civil.Date{}, false
}
