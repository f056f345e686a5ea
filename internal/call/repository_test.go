package call

import (
	"context"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/fault"
	"git.mci.dev/mse/sre/phoenix/golang/callflow/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusFailed, StatusQueued},
		{StatusQueued, StatusProcessing},
		{StatusRetrying, StatusProcessing},
		{StatusProcessing, StatusProcessing},
		{StatusFailed, StatusProcessing},
		{StatusProcessing, StatusRetrying},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusQueued, StatusFailed},
		{StatusRetrying, StatusFailed},
	}

	for _, pair := range allowed {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	refused := [][2]Status{
		{StatusCompleted, StatusProcessing},
		{StatusCompleted, StatusQueued},
		{StatusCompleted, StatusFailed},
		{StatusQueued, StatusQueued},
		{StatusQueued, StatusCompleted},
		{StatusRetrying, StatusCompleted},
		{StatusQueued, StatusRetrying},
	}

	for _, pair := range refused {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	db := testutil.OpenPostgres(t, &Call{})

	return NewRepository(database.StaticORM{DB: db}, 60, 5)
}

func TestRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repository := newTestRepository(t)

	err := repository.MarkQueued(ctx, "c1", "u1", "call:c1:job", map[string]any{"reservation_id": "r1"})
	require.NoError(t, err)

	call, err := repository.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, call.Status)
	assert.Equal(t, "call:c1:job", call.JobID)
	assert.NotNil(t, call.QueuedAt)

	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, repository.MarkProcessing(ctx, "c1", attempt))
		require.NoError(t, repository.MarkRetrying(ctx, "c1", "asr timeout password=hunter2"))
	}

	require.NoError(t, repository.MarkProcessing(ctx, "c1", 3))

	metadata, err := repository.GetMetadata(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "r1", metadata["reservation_id"])

	err = repository.SaveResult(ctx, "c1", Completion{
		TranscriptionID: "t1",
		Transcript:      "hello",
		ExtractedData:   []byte(`{"summary":"greeting"}`),
		ProcessingTime:  1500 * time.Millisecond,
	})
	require.NoError(t, err)

	call, err = repository.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, call.Status)
	assert.Equal(t, 3, call.Attempts)
	assert.Nil(t, call.ErrorMessage)
	require.NotNil(t, call.ProcessingTimeMs)
	assert.Equal(t, int64(1500), *call.ProcessingTimeMs)
	assert.JSONEq(t, `{"summary":"greeting"}`, string(call.ExtractedData))

	err = repository.MarkFailed(ctx, "c1", "late failure")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, fault.Terminal, fault.KindOf(err))
}

func TestRepositoryFailureMessageIsSanitized(t *testing.T) {
	ctx := context.Background()
	repository := newTestRepository(t)

	require.NoError(t, repository.MarkQueued(ctx, "c2", "u1", "job", nil))
	require.NoError(t, repository.MarkProcessing(ctx, "c2", 1))
	require.NoError(t, repository.MarkFailed(ctx, "c2", "dial postgres://app:hunter2@db:5432 failed"))

	call, err := repository.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, call.Status)
	require.NotNil(t, call.ErrorMessage)
	assert.NotContains(t, *call.ErrorMessage, "hunter2")
	assert.NotNil(t, call.FailedAt)

	require.NoError(t, repository.MarkQueued(ctx, "c2", "u1", "job-2", nil))

	call, err = repository.Get(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, call.Status)
	assert.Equal(t, "job-2", call.JobID)
	assert.Nil(t, call.ErrorMessage)
}

func TestRepositoryMissingCall(t *testing.T) {
	repository := newTestRepository(t)

	err := repository.MarkProcessing(context.Background(), "missing", 1)
	require.ErrorIs(t, err, ErrCallNotFound)
	assert.False(t, fault.Retryable(err))
}
