package appointment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawTime is a stored date/time value in whichever encoding the writer used:
// a native timestamp, or text that still has to be parsed.
type RawTime struct {
	Time *time.Time
	Text string
}

func TimeValue(t time.Time) RawTime {
	return RawTime{Time: &t}
}

func TextValue(s string) RawTime {
	return RawTime{Text: s}
}

func (r RawTime) IsZero() bool {
	return r.Time == nil && strings.TrimSpace(r.Text) == ""
}

// UnmarshalJSON accepts strings, document store timestamp objects
// ({"seconds","nanoseconds"} or {"_seconds","_nanoseconds"}) and unix
// millisecond numbers. Anything else is kept as text so that Normalize can
// reject the single record instead of the whole payload failing to decode.
func (r *RawTime) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	*r = RawTime{}

	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		r.Text = s
		return nil
	case '{':
		var ts struct {
			Seconds      *int64 `json:"seconds"`
			Nanoseconds  int64  `json:"nanoseconds"`
			USeconds     *int64 `json:"_seconds"`
			UNanoseconds int64  `json:"_nanoseconds"`
		}
		if err := json.Unmarshal(trimmed, &ts); err == nil {
			switch {
			case ts.Seconds != nil:
				t := time.Unix(*ts.Seconds, ts.Nanoseconds).UTC()
				r.Time = &t
				return nil
			case ts.USeconds != nil:
				t := time.Unix(*ts.USeconds, ts.UNanoseconds).UTC()
				r.Time = &t
				return nil
			}
		}
	default:
		if ms, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			r.Time = &t
			return nil
		}
	}

	r.Text = string(trimmed)
	return nil
}

func (r RawTime) MarshalJSON() ([]byte, error) {
	switch {
	case r.Time != nil:
		return json.Marshal(r.Time.UTC().Format(time.RFC3339Nano))
	case r.Text != "":
		return json.Marshal(r.Text)
	default:
		return []byte("null"), nil
	}
}

var zonedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// parseTime resolves a RawTime to an instant. Date-only text resolves to
// midnight in loc.
func parseTime(r RawTime, loc *time.Location) (time.Time, bool) {
	if r.Time != nil {
		return *r.Time, true
	}

	text := strings.TrimSpace(r.Text)
	if text == "" {
		return time.Time{}, false
	}

	if t, err := time.ParseInLocation(serviceDateLayout, text, loc); err == nil {
		return t, true
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, text, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Normalize turns a stored record into an Appointment. Timestamps are mapped
// to the calendar day they fall on in loc, the clinic's time zone.
func Normalize(rec Record, loc *time.Location) (Appointment, error) {
	if loc == nil {
		loc = time.UTC
	}

	if rec.ID == uuid.Nil {
		return Appointment{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}

	providerID := strings.TrimSpace(rec.ProviderID)
	if providerID == "" {
		return Appointment{}, fmt.Errorf("%w: record %s has no provider", ErrMalformedRecord, rec.ID)
	}

	status, ok := ParseStatus(rec.Status)
	if !ok {
		return Appointment{}, fmt.Errorf("%w: record %s has unknown status %q", ErrMalformedRecord, rec.ID, rec.Status)
	}

	serviceAt, ok := parseTime(rec.Date, loc)
	if !ok {
		if rec.Date.IsZero() {
			return Appointment{}, fmt.Errorf("%w: record %s has no service date", ErrMalformedRecord, rec.ID)
		}
		return Appointment{}, fmt.Errorf("%w: record %s has unparseable service date %q", ErrMalformedRecord, rec.ID, rec.Date.Text)
	}

	var token *int
	if rec.TokenNumber != nil {
		if *rec.TokenNumber <= 0 {
			return Appointment{}, fmt.Errorf("%w: record %s has token %d", ErrMalformedRecord, rec.ID, *rec.TokenNumber)
		}
		n := *rec.TokenNumber
		token = &n
	}

	// created_at only breaks ties, an unreadable one sorts first
	createdAt, _ := parseTime(rec.CreatedAt, loc)

	return Appointment{
		ID:          rec.ID,
		ServiceDate: DateOf(serviceAt, loc),
		ProviderID:  providerID,
		TokenNumber: token,
		Status:      status,
		Patient:     rec.Patient,
		CreatedAt:   createdAt.UTC(),
	}, nil
}

// NormalizeAll normalizes every record, returning the good appointments and
// one error per record that had to be skipped.
func NormalizeAll(recs []Record, loc *time.Location) ([]Appointment, []error) {
	out := make([]Appointment, 0, len(recs))
	var errs []error

	for _, rec := range recs {
		a, err := Normalize(rec, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, a)
	}

	return out, errs
}
