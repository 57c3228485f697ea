package appointment

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassifyErr(t *testing.T) {
	assert.NoError(t, classifyErr(nil))

	assert.ErrorIs(t, classifyErr(pgx.ErrNoRows), ErrAppointmentNotFound)
	assert.ErrorIs(t, classifyErr(fmt.Errorf("scan: %w", pgx.ErrNoRows)), ErrAppointmentNotFound)

	sqlErr := &pgconn.PgError{Code: "23514", Message: "check constraint"}
	got := classifyErr(sqlErr)
	assert.Same(t, sqlErr, got)
	assert.False(t, errors.Is(got, ErrStoreUnavailable))

	assert.ErrorIs(t, classifyErr(context.Canceled), context.Canceled)
	assert.False(t, errors.Is(classifyErr(context.Canceled), ErrStoreUnavailable))

	netErr := errors.New("dial tcp: connection refused")
	wrapped := classifyErr(netErr)
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.ErrorIs(t, wrapped, netErr)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, []string{"scheduled", "token_issued"}, statusStrings([]Status{StatusScheduled, StatusTokenIssued}))
	assert.Empty(t, statusStrings(nil))
}
