package usage

import (
	"context"
	"testing"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBilledDuration(t *testing.T) {
	reservation := Reservation{EstimatedDuration: 120}
	assert.InDelta(t, 120, reservation.BilledDuration(), 0)

	actual := 95.5
	reservation.ActualDuration = &actual
	assert.InDelta(t, 95.5, reservation.BilledDuration(), 0)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenPostgres(t, &Reservation{})
	repository := NewRepository(database.StaticORM{DB: db}, 60, 5)

	require.NoError(t, repository.Reserve(ctx, &Reservation{ID: "r1", UserID: "u1", EstimatedDuration: 120}))
	require.NoError(t, repository.Reserve(ctx, &Reservation{ID: "r2", UserID: "u1", EstimatedDuration: 60}))

	actual := 95.5
	require.NoError(t, repository.Confirm(ctx, "r1", &actual))
	require.NoError(t, repository.Confirm(ctx, "r2", nil))

	r1, err := repository.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r1.Status)
	assert.InDelta(t, 95.5, r1.BilledDuration(), 0.001)
	assert.NotNil(t, r1.ConfirmedAt)

	r2, err := repository.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r2.Status)
	assert.Nil(t, r2.ActualDuration)
	assert.InDelta(t, 60, r2.BilledDuration(), 0.001)

	err = repository.Confirm(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrReservationNotFound)
}
