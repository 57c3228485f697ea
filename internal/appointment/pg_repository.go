package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

const recordColumns = `id, provider_id, service_at, service_date, token_number, status,
	patient_name, patient_age, patient_gender, patient_contact, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Helpers

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var serviceAt, createdAt *time.Time
	var serviceDate *string

	err := row.Scan(
		&rec.ID,
		&rec.ProviderID,
		&serviceAt,
		&serviceDate,
		&rec.TokenNumber,
		&rec.Status,
		&rec.Patient.Name,
		&rec.Patient.Age,
		&rec.Patient.Gender,
		&rec.Patient.Contact,
		&createdAt,
	)
	if err != nil {
		return nil, classifyErr(err)
	}

	// both columns exist because older writers stored the day as text
	if serviceAt != nil {
		rec.Date = TimeValue(*serviceAt)
	} else if serviceDate != nil {
		rec.Date = TextValue(*serviceDate)
	}
	if createdAt != nil {
		rec.CreatedAt = TimeValue(*createdAt)
	}

	return &rec, nil
}

// classifyErr maps driver errors onto the store error contract: a missing
// row, a server-side SQL error, or an unavailable store.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAppointmentNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func getByID(ctx context.Context, q querier, id uuid.UUID) (*Record, error) {
	row := q.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

func listByProvider(ctx context.Context, q querier, providerID string) ([]Record, error) {
	rows, err := q.Query(ctx, `
		SELECT `+recordColumns+`
		FROM appointments
		WHERE provider_id = $1
	`, providerID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyErr(err)
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return getByID(ctx, r.pool, id)
}

func (r *PgRepository) ListByProvider(ctx context.Context, providerID string) ([]Record, error) {
	return listByProvider(ctx, r.pool, providerID)
}

func (r *PgRepository) Create(ctx context.Context, rec Record) (*Record, error) {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var serviceAt, createdAt *time.Time
	var serviceDate *string
	if rec.Date.Time != nil {
		serviceAt = rec.Date.Time
	} else if rec.Date.Text != "" {
		serviceDate = &rec.Date.Text
	}
	if rec.CreatedAt.Time != nil {
		createdAt = rec.CreatedAt.Time
	}

	status := rec.Status
	if status == "" {
		status = string(StatusScheduled)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, provider_id, service_at, service_date, token_number, status,
			patient_name, patient_age, patient_gender, patient_contact, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()), now())
		RETURNING `+recordColumns,
		id, rec.ProviderID, serviceAt, serviceDate, rec.TokenNumber, status,
		rec.Patient.Name, rec.Patient.Age, rec.Patient.Gender, rec.Patient.Contact, createdAt)

	return scanRecord(row)
}

func (r *PgRepository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = ANY($3)
		RETURNING `+recordColumns,
		id, string(to), statusStrings(from))

	rec, err := scanRecord(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		// no row matched: either the record is gone or the guard failed
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrPreconditionFailed
	}
	return rec, err
}

func (r *PgRepository) RunInPartition(ctx context.Context, providerID string, fn func(ctx context.Context, tx PartitionTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyErr(err)
	}
	defer tx.Rollback(ctx)

	// serializes every unit of work on this provider until commit
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "queue:"+providerID); err != nil {
		return fmt.Errorf("lock partition: %w", classifyErr(err))
	}

	if err := fn(ctx, &pgPartitionTx{tx: tx, providerID: providerID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit partition tx: %w", classifyErr(err))
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO queue_events (event_type, appointment_id, provider_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.ProviderID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert queue event: %w", classifyErr(err))
	}

	return nil
}

type pgPartitionTx struct {
	tx         pgx.Tx
	providerID string
}

func (t *pgPartitionTx) ListByProvider(ctx context.Context) ([]Record, error) {
	return listByProvider(ctx, t.tx, t.providerID)
}

func (t *pgPartitionTx) AssignToken(ctx context.Context, id uuid.UUID, token int) (*Record, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET token_number = $2,
		    status = 'token_issued',
		    updated_at = now()
		WHERE id = $1
		  AND provider_id = $3
		  AND token_number IS NULL
		  AND status = 'scheduled'
		RETURNING `+recordColumns,
		id, token, t.providerID)

	rec, err := scanRecord(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, getErr := getByID(ctx, t.tx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrPreconditionFailed
	}
	return rec, err
}

func (t *pgPartitionTx) UpdateStatusIf(ctx context.Context, id uuid.UUID, from []Status, to Status) (*Record, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND provider_id = $4
		  AND status = ANY($3)
		RETURNING `+recordColumns,
		id, string(to), statusStrings(from), t.providerID)

	rec, err := scanRecord(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		existing, getErr := getByID(ctx, t.tx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing.ProviderID != t.providerID {
			return nil, ErrAppointmentNotFound
		}
		return nil, ErrPreconditionFailed
	}
	return rec, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
