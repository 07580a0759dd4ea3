package db

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// NullTime is a custom type that handles both string and time.Time from SQLite
type NullTime struct {
	Time  time.Time
	Valid bool
}

// timeFormats covers what the driver writes with _time_format=sqlite and what
// CURRENT_TIMESTAMP produces
var timeFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
}

// Scan implements sql.Scanner for NullTime
func (nt *NullTime) Scan(value interface{}) error {
	if value == nil {
		nt.Time, nt.Valid = time.Time{}, false
		return nil
	}

	switch v := value.(type) {
	case time.Time:
		nt.Time, nt.Valid = v, true
		return nil
	case string:
		t, err := parseTime(v)
		if err != nil {
			return err
		}
		nt.Time, nt.Valid = t, true
		return nil
	default:
		return fmt.Errorf("unsupported Scan type for NullTime: %T", value)
	}
}

func parseTime(s string) (time.Time, error) {
	var err error
	for _, format := range timeFormats {
		var t time.Time
		t, err = time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse time string %q: %w", s, err)
}

// Value implements driver.Valuer for NullTime
func (nt NullTime) Value() (driver.Value, error) {
	if !nt.Valid {
		return nil, nil
	}
	return nt.Time, nil
}

func newNullTime(t time.Time) NullTime {
	return NullTime{Time: t, Valid: !t.IsZero()}
}
