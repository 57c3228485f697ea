package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusTokenIssued Status = "token_issued"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
)

// allStatuses is in lifecycle order.
var allStatuses = []Status{
	StatusScheduled,
	StatusTokenIssued,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

func ParseStatus(s string) (Status, bool) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

const serviceDateLayout = "2006-01-02"

// ServiceDate is a clinic-local calendar day in canonical YYYY-MM-DD form.
type ServiceDate string

func ParseServiceDate(s string) (ServiceDate, error) {
	t, err := time.Parse(serviceDateLayout, s)
	if err != nil {
		return "", fmt.Errorf("invalid service date %q: %w", s, err)
	}
	return ServiceDate(t.Format(serviceDateLayout)), nil
}

// DateOf returns the calendar day t falls on in loc.
func DateOf(t time.Time, loc *time.Location) ServiceDate {
	if loc == nil {
		loc = time.UTC
	}
	return ServiceDate(t.In(loc).Format(serviceDateLayout))
}

func Today(loc *time.Location) ServiceDate {
	return DateOf(time.Now(), loc)
}

func (d ServiceDate) String() string { return string(d) }

// Partition groups the appointments of one provider on one service day.
// Queue operations never cross partitions.
type Partition struct {
	Date       ServiceDate `json:"date"`
	ProviderID string      `json:"provider_id"`
}

func (p Partition) String() string {
	return p.ProviderID + "/" + string(p.Date)
}

type PatientSummary struct {
	Name    string `json:"name"`
	Age     int    `json:"age,omitempty"`
	Gender  string `json:"gender,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Appointment is the normalized domain form of a stored record.
type Appointment struct {
	ID          uuid.UUID      `json:"id"`
	ServiceDate ServiceDate    `json:"service_date"`
	ProviderID  string         `json:"provider_id"`
	TokenNumber *int           `json:"token_number,omitempty"`
	Status      Status         `json:"status"`
	Patient     PatientSummary `json:"patient"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (a Appointment) Partition() Partition {
	return Partition{Date: a.ServiceDate, ProviderID: a.ProviderID}
}

func (a Appointment) HasToken() bool {
	return a.TokenNumber != nil
}

// Token returns the token number or 0 when none has been issued.
func (a Appointment) Token() int {
	if a.TokenNumber == nil {
		return 0
	}
	return *a.TokenNumber
}

// Record is an appointment exactly as the store holds it. Date fields may be
// encoded differently from one record to the next; Normalize is the only
// place they are interpreted.
type Record struct {
	ID          uuid.UUID      `json:"id"`
	ProviderID  string         `json:"provider_id"`
	Date        RawTime        `json:"date"`
	TokenNumber *int           `json:"token_number"`
	Status      string         `json:"status"`
	Patient     PatientSummary `json:"patient"`
	CreatedAt   RawTime        `json:"created_at"`
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	ProviderID    string
	Payload       []byte
	CreatedAt     time.Time
}
