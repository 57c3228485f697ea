package appointment

import (
	"context"

	"github.com/google/uuid"
)

// Repository contains all store interactions needed by the queue core.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// ListByProvider returns every record whose provider equals providerID.
	// Dates are not filtered here; they are only compared after Normalize.
	ListByProvider(ctx context.Context, providerID string) ([]Record, error)

	Create(ctx context.Context, rec Record) (*Record, error)

	// UpdateStatusIf sets the status to `to` only if the stored status is
	// one of `from` at write time. It returns ErrPreconditionFailed when the
	// guard does not hold and ErrAppointmentNotFound when the record is gone.
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Record, error)

	// RunInPartition runs fn as a single atomic read-modify-write unit over
	// the provider's records. Concurrent units for the same provider are
	// serialized by the store.
	RunInPartition(ctx context.Context, providerID string, fn func(ctx context.Context, tx PartitionTx) error) error

	InsertEvent(ctx context.Context, ev EventLog) error
}

// PartitionTx is the view of the store available inside RunInPartition.
type PartitionTx interface {
	ListByProvider(ctx context.Context) ([]Record, error)
	// AssignToken sets the token and moves the record to token_issued,
	// guarded on the token being unset and the status being scheduled.
	AssignToken(ctx context.Context, id uuid.UUID, token int) (*Record, error)
	// UpdateStatusIf is Repository.UpdateStatusIf limited to the unit's
	// provider. Together with the partition lock it lets a caller check
	// the whole queue and write in one step.
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Record, error)
}
