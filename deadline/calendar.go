package deadline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Calendar provides business-day arithmetic: weekends and configured holidays
// are skipped. The zero value is usable and treats only weekends as non-business.
type Calendar struct {
	holidays map[string]struct{} // keyed by YYYY-MM-DD
}

// NewCalendar builds a calendar over the given holiday dates.
func NewCalendar(holidays []time.Time) *Calendar {
	c := &Calendar{holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		c.holidays[h.Format("2006-01-02")] = struct{}{}
	}
	return c
}

type holidayFile struct {
	Holidays []string `yaml:"holidays"`
}

// LoadCalendar reads a YAML holiday file ({holidays: ["2026-01-01", ...]}).
// A missing or empty path yields a weekend-only calendar.
func LoadCalendar(path string) (*Calendar, error) {
	if path == "" {
		return NewCalendar(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewCalendar(nil), nil
		}
		return nil, fmt.Errorf("deadline: read holiday calendar: %w", err)
	}
	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("deadline: unmarshal holiday calendar: %w", err)
	}
	days := make([]time.Time, 0, len(f.Holidays))
	for _, s := range f.Holidays {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("deadline: bad holiday date %q: %w", s, err)
		}
		days = append(days, d)
	}
	return NewCalendar(days), nil
}

// IsBusinessDay reports whether t falls on a weekday that is not a holiday.
func (c *Calendar) IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	if c == nil || c.holidays == nil {
		return true
	}
	_, holiday := c.holidays[t.Format("2006-01-02")]
	return !holiday
}

// AddBusinessDays advances t by n business days, preserving the time of day.
func (c *Calendar) AddBusinessDays(t time.Time, n int) time.Time {
	out := t
	for added := 0; added < n; {
		out = out.AddDate(0, 0, 1)
		if c.IsBusinessDay(out) {
			added++
		}
	}
	return out
}
