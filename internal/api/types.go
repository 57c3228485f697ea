package api

import (
	"time"

	"github.com/go-playground/validator/v10"
)

type PatientRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Age     int    `json:"age" validate:"gte=0,lte=150"`
	Gender  string `json:"gender" validate:"omitempty,max=32"`
	Contact string `json:"contact" validate:"omitempty,max=64"`
}

type CreateAppointmentRequest struct {
	ProviderID  string         `json:"provider_id" validate:"required,max=128"`
	ServiceDate string         `json:"service_date" validate:"omitempty,datetime=2006-01-02"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Patient     PatientRequest `json:"patient"`
}

type IssueTokenRequest struct {
	AppointmentID string `json:"appointment_id" validate:"required,uuid"`
	ServiceDate   string `json:"service_date" validate:"omitempty,datetime=2006-01-02"`
}

type CallNextRequest struct {
	ServiceDate string `json:"service_date" validate:"omitempty,datetime=2006-01-02"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// requestValidator wraps go-playground/validator with readable field messages.
type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{validate: validator.New()}
}

func (v *requestValidator) Struct(i any) error {
	return v.validate.Struct(i)
}

func (v *requestValidator) fieldErrors(err error) map[string]string {
	fields := make(map[string]string)

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fields
	}
	for _, e := range verrs {
		name := e.Field()
		switch e.Tag() {
		case "required":
			fields[name] = name + " is required"
		case "uuid":
			fields[name] = name + " must be a valid UUID"
		case "datetime":
			fields[name] = name + " must be a date in YYYY-MM-DD form"
		case "max":
			fields[name] = name + " must be at most " + e.Param() + " characters"
		case "gte":
			fields[name] = name + " must be greater than or equal to " + e.Param()
		case "lte":
			fields[name] = name + " must be less than or equal to " + e.Param()
		default:
			fields[name] = name + " is invalid"
		}
	}
	return fields
}
