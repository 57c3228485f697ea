package queue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
)

// CallNextPatient moves the lowest waiting token of the partition into
// consultation. The queue is read and the call written in one partition
// unit, so two consoles calling at once cannot both get a patient.
func (s *Service) CallNextPatient(ctx context.Context, providerID string, date appointment.ServiceDate) (*appointment.Appointment, error) {
	p := appointment.Partition{Date: date, ProviderID: providerID}
	return s.callInPartition(ctx, p, func(view QueueView) (*appointment.Appointment, error) {
		if view.Next == nil {
			return nil, appointment.ErrQueueEmpty
		}
		return view.Next, nil
	})
}

// CallPatient calls a specific token holder out of order.
func (s *Service) CallPatient(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := appointment.Target(a.Status, appointment.ActionCall); err != nil {
		return nil, err
	}

	return s.callInPartition(ctx, a.Partition(), func(view QueueView) (*appointment.Appointment, error) {
		for i := range view.Entries {
			e := &view.Entries[i]
			if e.ID != id {
				continue
			}
			if e.Status != a.Status {
				return nil, fmt.Errorf("%w: appointment %s is now %s", appointment.ErrConcurrentTransition, id, e.Status)
			}
			return e, nil
		}
		return nil, fmt.Errorf("%w: appointment %s left %s", appointment.ErrConcurrentTransition, id, a.Partition())
	})
}

// callInPartition projects the partition, lets pick choose the patient and
// moves them into consultation unless someone already is. Everything runs
// inside RunInPartition.
func (s *Service) callInPartition(ctx context.Context, p appointment.Partition, pick func(QueueView) (*appointment.Appointment, error)) (*appointment.Appointment, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var (
		from   appointment.Status
		called appointment.Appointment
	)
	err := s.repo.RunInPartition(ctx, p.ProviderID, func(ctx context.Context, tx appointment.PartitionTx) error {
		recs, err := tx.ListByProvider(ctx)
		if err != nil {
			return fmt.Errorf("load partition: %w", err)
		}

		apps, skipped := appointment.NormalizeAll(recs, s.cfg.Location())
		logSkipped(s.log, p, skipped)
		view := s.projector.Project(apps, p)

		target, err := pick(view)
		if err != nil {
			return err
		}
		if view.Current != nil {
			return fmt.Errorf("%w: token %d is with the doctor", appointment.ErrConsultationInProgress, view.Current.Token())
		}

		to, err := appointment.Target(target.Status, appointment.ActionCall)
		if err != nil {
			return err
		}
		rec, err := tx.UpdateStatusIf(ctx, target.ID, appointment.Sources(appointment.ActionCall), to)
		if err != nil {
			return concurrentErr(err, target.ID)
		}

		from = target.Status
		called, err = appointment.Normalize(*rec, s.cfg.Location())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("call patient: %w", err)
	}

	s.afterWrite(ctx, called, EventPatientCalled, map[string]any{
		"from":  from,
		"to":    called.Status,
		"token": called.Token(),
	})
	return &called, nil
}

func (s *Service) CompleteConsultation(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, *a, appointment.ActionFinish, EventConsultationCompleted)
}

// Cancel ends a non-terminal appointment. Its token, if any, stays used.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	a, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, *a, appointment.ActionCancel, EventAppointmentCancelled)
}

// apply validates action against the status a was read with and performs it
// as a conditional write. Illegal requests never reach the store.
func (s *Service) apply(ctx context.Context, a appointment.Appointment, action appointment.Action, eventType string) (*appointment.Appointment, error) {
	to, err := appointment.Target(a.Status, action)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	rec, err := s.repo.UpdateStatusIf(ctx, a.ID, appointment.Sources(action), to)
	if err != nil {
		return nil, fmt.Errorf("%s appointment: %w", action, concurrentErr(err, a.ID))
	}

	updated, err := appointment.Normalize(*rec, s.cfg.Location())
	if err != nil {
		return nil, err
	}

	s.afterWrite(ctx, updated, eventType, map[string]any{
		"from":  a.Status,
		"to":    updated.Status,
		"token": updated.Token(),
	})
	return &updated, nil
}
