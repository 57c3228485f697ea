package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
)

// IssueToken gives the appointment the next token of its partition.
//
// The highest token is read and the new one written inside a single
// RunInPartition unit, so two desks issuing at once cannot both mint the same
// number. Tokens of cancelled appointments still count towards the maximum;
// a number is never handed out twice.
func (s *Service) IssueToken(ctx context.Context, providerID string, date appointment.ServiceDate, id uuid.UUID) (*appointment.Appointment, error) {
	partition := appointment.Partition{Date: date, ProviderID: providerID}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var issued appointment.Appointment
	err := s.repo.RunInPartition(ctx, providerID, func(ctx context.Context, tx appointment.PartitionTx) error {
		recs, err := tx.ListByProvider(ctx)
		if err != nil {
			return fmt.Errorf("load partition: %w", err)
		}

		apps, skipped := appointment.NormalizeAll(recs, s.cfg.Location())
		logSkipped(s.log, partition, skipped)

		var target *appointment.Appointment
		next := 1
		for i := range apps {
			a := &apps[i]
			if a.ID == id {
				target = a
			}
			if a.Partition() == partition && a.Token() >= next {
				next = a.Token() + 1
			}
		}

		if target == nil {
			return appointment.ErrAppointmentNotFound
		}
		if target.Partition() != partition {
			return fmt.Errorf("%w: appointment %s is queued under %s", appointment.ErrPartitionMismatch, id, target.Partition())
		}
		if _, err := appointment.Target(target.Status, appointment.ActionIssueToken); err != nil {
			return err
		}
		if target.HasToken() {
			return fmt.Errorf("%w: appointment %s already holds token %d", appointment.ErrIllegalTransition, id, target.Token())
		}

		rec, err := tx.AssignToken(ctx, id, next)
		if err != nil {
			return concurrentErr(err, id)
		}

		issued, err = appointment.Normalize(*rec, s.cfg.Location())
		return err
	})
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return nil, s.notInPartition(ctx, id, partition)
		}
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.afterWrite(ctx, issued, EventTokenIssued, map[string]any{
		"token": issued.Token(),
	})
	return &issued, nil
}

// notInPartition tells a missing appointment apart from one that exists under
// another provider.
func (s *Service) notInPartition(ctx context.Context, id uuid.UUID, partition appointment.Partition) error {
	_, err := s.repo.GetByID(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: appointment %s is not queued under %s", appointment.ErrPartitionMismatch, id, partition)
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return fmt.Errorf("issue token: %w", err)
	default:
		return fmt.Errorf("issue token: load appointment: %w", err)
	}
}
