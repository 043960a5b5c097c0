package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/jobscheduler/internal/model"
)

func TestClient(t *testing.T) {
	_, server := newTestServer(t)
	client := NewClient(server.URL+"/", "front-desk")
	ctx := context.Background()

	jobs, err := client.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	job, err := client.GetJob(ctx, "billing-sync")
	require.NoError(t, err)
	assert.Equal(t, "*/30 * * * *", job.CronExpression)

	execution, err := client.RunJob(ctx, "appointment-reminders")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusSuccess, execution.Status)
	assert.Equal(t, "front-desk", execution.TriggeredByUser)

	history, err := client.GetJobHistory(ctx, "appointment-reminders", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, execution.ID, history[0].ID)

	require.NoError(t, client.PauseJob(ctx, "billing-sync"))
	job, err = client.GetJob(ctx, "billing-sync")
	require.NoError(t, err)
	assert.False(t, job.IsActive)
	require.NoError(t, client.ResumeJob(ctx, "billing-sync"))

	_, err = client.RunJob(ctx, "unknown")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Message, "unknown")
}
