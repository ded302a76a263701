package store

import (
	"fmt"
	"time"
)

// The pgx driver binds and returns time.Time natively; the SQLite driver
// gets RFC 3339 text. These helpers keep both paths deterministic.

func (s *Store) bindTime(t time.Time) any {
	if s.driver == DriverSQLite {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return t.UTC()
}

// timeValue scans a timestamp regardless of which driver produced it.
type timeValue struct {
	Time time.Time
}

func (v *timeValue) Scan(src any) error {
	switch t := src.(type) {
	case nil:
		v.Time = time.Time{}
		return nil
	case time.Time:
		v.Time = t.UTC()
		return nil
	case string:
		return v.parse(t)
	case []byte:
		return v.parse(string(t))
	}
	return fmt.Errorf("cannot scan %T into timestamp", src)
}

func (v *timeValue) parse(s string) error {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			v.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

// nullTimeValue is timeValue plus NULL tracking.
type nullTimeValue struct {
	Time  time.Time
	Valid bool
}

func (v *nullTimeValue) Scan(src any) error {
	if src == nil {
		v.Valid = false
		return nil
	}
	var tv timeValue
	if err := tv.Scan(src); err != nil {
		return err
	}
	v.Time = tv.Time
	v.Valid = true
	return nil
}
