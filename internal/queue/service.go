package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
	"github.com/hackgods/clinic-token-queue/internal/config"
)

const (
	EventAppointmentScheduled  = "APPOINTMENT_SCHEDULED"
	EventTokenIssued           = "TOKEN_ISSUED"
	EventPatientCalled         = "PATIENT_CALLED"
	EventConsultationCompleted = "CONSULTATION_COMPLETED"
	EventAppointmentCancelled  = "APPOINTMENT_CANCELLED"
)

// Notifier tells other processes that a provider's appointments changed.
// Stores with a native change feed do not need one.
type Notifier interface {
	Notify(ctx context.Context, providerID string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) error { return nil }

// Service is the write side of the queue: token issuance and status
// transitions, each a single guarded round-trip to the store.
type Service struct {
	repo      appointment.Repository
	notifier  Notifier
	projector *Projector
	cfg       config.Config
	log       zerolog.Logger
}

func NewService(repo appointment.Repository, notifier Notifier, cfg config.Config, log zerolog.Logger) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Service{
		repo:      repo,
		notifier:  notifier,
		projector: NewProjector(log),
		cfg:       cfg,
		log:       log,
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// NewAppointment describes a front-desk booking. ScheduledAt takes precedence
// over ServiceDate when both are set.
type NewAppointment struct {
	ProviderID  string
	ServiceDate appointment.ServiceDate
	ScheduledAt *time.Time
	Patient     appointment.PatientSummary
}

// ScheduleAppointment stores a new appointment in the scheduled state.
func (s *Service) ScheduleAppointment(ctx context.Context, req NewAppointment) (*appointment.Appointment, error) {
	rec := appointment.Record{
		ProviderID: req.ProviderID,
		Status:     string(appointment.StatusScheduled),
		Patient:    req.Patient,
		CreatedAt:  appointment.TimeValue(time.Now().UTC()),
	}
	if req.ScheduledAt != nil {
		rec.Date = appointment.TimeValue(*req.ScheduledAt)
	} else {
		rec.Date = appointment.TextValue(req.ServiceDate.String())
	}

	// reject what the read path would skip
	rec.ID = uuid.New()
	if _, err := appointment.Normalize(rec, s.cfg.Location()); err != nil {
		return nil, err
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	created, err := s.repo.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	a, err := appointment.Normalize(*created, s.cfg.Location())
	if err != nil {
		return nil, err
	}

	s.afterWrite(ctx, a, EventAppointmentScheduled, map[string]any{
		"service_date": a.ServiceDate,
	})
	return &a, nil
}

// GetAppointment loads and normalizes a single appointment.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	a, err := appointment.Normalize(*rec, s.cfg.Location())
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetQueue reads the provider's appointments and projects the queue of date.
func (s *Service) GetQueue(ctx context.Context, providerID string, date appointment.ServiceDate) (QueueView, error) {
	return loadQueue(ctx, s.repo, s.projector, s.cfg, s.log, appointment.Partition{Date: date, ProviderID: providerID})
}

// partitionReader is the part of the store the read path needs.
type partitionReader interface {
	ListByProvider(ctx context.Context, providerID string) ([]appointment.Record, error)
}

func loadQueue(ctx context.Context, repo partitionReader, projector *Projector, cfg config.Config, log zerolog.Logger, p appointment.Partition) (QueueView, error) {
	if cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
	}

	recs, err := repo.ListByProvider(ctx, p.ProviderID)
	if err != nil {
		return QueueView{}, fmt.Errorf("list appointments for %s: %w", p.ProviderID, err)
	}

	apps, skipped := appointment.NormalizeAll(recs, cfg.Location())
	logSkipped(log, p, skipped)

	return projector.Project(apps, p), nil
}

func logSkipped(log zerolog.Logger, p appointment.Partition, skipped []error) {
	for _, err := range skipped {
		log.Warn().Err(err).Str("partition", p.String()).Msg("skipping malformed appointment record")
	}
}

func (s *Service) afterWrite(ctx context.Context, a appointment.Appointment, eventType string, payload map[string]any) {
	ctx, cancel := s.storeCtx(context.WithoutCancel(ctx))
	defer cancel()

	s.log.Info().
		Str("event", eventType).
		Str("appointment_id", a.ID.String()).
		Str("partition", a.Partition().String()).
		Int("token", a.Token()).
		Str("status", string(a.Status)).
		Msg("queue updated")

	s.logEvent(ctx, a, eventType, payload)

	if err := s.notifier.Notify(ctx, a.ProviderID); err != nil {
		s.log.Error().Err(err).Str("provider_id", a.ProviderID).Msg("failed to publish queue change")
	}
}

func (s *Service) logEvent(ctx context.Context, a appointment.Appointment, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := a.ID

	ev := appointment.EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		ProviderID:    a.ProviderID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Str("appointment_id", a.ID.String()).Msg("failed to insert queue event")
	}
}

// concurrentErr turns a failed store guard into the caller-facing error.
func concurrentErr(err error, id uuid.UUID) error {
	if errors.Is(err, appointment.ErrPreconditionFailed) {
		return fmt.Errorf("%w: appointment %s", appointment.ErrConcurrentTransition, id)
	}
	return err
}
