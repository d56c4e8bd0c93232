package database

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UTCTime stores timestamps normalized to UTC. Columns without time
// zone come back from the driver in the session time zone or as naive
// values; UTCTime pins both directions to UTC so comparisons across
// rows and hosts stay meaningful.
type UTCTime struct {
	time.Time
}

// NewUTCTime converts t to UTC.
func NewUTCTime(t time.Time) UTCTime {
	return UTCTime{Time: t.UTC()}
}

// NowUTC returns the current time as a UTCTime.
func NowUTC() UTCTime {
	return NewUTCTime(time.Now())
}

// Value implements driver.Valuer.
func (t UTCTime) Value() (driver.Value, error) {
	if t.IsZero() {
		return nil, nil
	}
	return t.UTC(), nil
}

// Scan implements sql.Scanner. Naive values are interpreted as UTC.
func (t *UTCTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
	case time.Time:
		t.Time = time.Date(v.Year(), v.Month(), v.Day(), v.Hour(), v.Minute(), v.Second(), v.Nanosecond(), time.UTC)
	case []byte:
		return t.scanString(string(v))
	case string:
		return t.scanString(v)
	default:
		return fmt.Errorf("cannot scan %T into UTCTime", src)
	}
	return nil
}

func (t *UTCTime) scanString(s string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse %q as UTCTime", s)
}
