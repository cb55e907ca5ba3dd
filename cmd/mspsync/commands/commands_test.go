package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mspsync/am"
	"github.com/teranos/mspsync/errors"
	testdb "github.com/teranos/mspsync/internal/testing"
	"github.com/teranos/mspsync/pulse/schedule"
)

func defaultSettings(t *testing.T) map[string]interface{} {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	return v.AllSettings()
}

func TestWriteSettings(t *testing.T) {
	settings := defaultSettings(t)

	var buf bytes.Buffer
	require.NoError(t, writeSettings(&buf, settings, "json"))
	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, 60, decoded["scheduler"]["poll_interval_seconds"])

	buf.Reset()
	require.NoError(t, writeSettings(&buf, settings, "yaml"))
	assert.Contains(t, buf.String(), "poll_interval_seconds: 60")

	buf.Reset()
	require.NoError(t, writeSettings(&buf, settings, "toml"))
	assert.Contains(t, buf.String(), "[scheduler]")
	assert.Contains(t, buf.String(), "poll_interval_seconds = 60")

	err := writeSettings(&buf, settings, "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestListJobs(t *testing.T) {
	ctx := context.Background()
	jobs := schedule.NewStore(testdb.CreateTestDB(t))
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	seed := []*schedule.Job{
		{ID: "j1", TenantID: "t1", IntegrationID: "entra", DataSourceID: "ds1", Action: "sync.identities", Priority: 5, Status: schedule.StatusPending, ScheduledAt: at, AttemptsMax: 3},
		{ID: "j2", TenantID: "t2", IntegrationID: "entra", DataSourceID: "ds2", Action: "sync.identities", Priority: 5, Status: schedule.StatusPending, ScheduledAt: at.Add(time.Minute), AttemptsMax: 3},
		{ID: "j3", TenantID: "t1", IntegrationID: "ninjaone", DataSourceID: "ds3", Action: "sync.devices", Priority: 3, Status: schedule.StatusPending, ScheduledAt: at.Add(2 * time.Minute), AttemptsMax: 3},
	}
	for _, j := range seed {
		require.NoError(t, jobs.CreateJob(ctx, j))
	}
	require.NoError(t, jobs.MarkRunning(ctx, "j3", at))
	require.NoError(t, jobs.MarkFailed(ctx, "j3", "boom", at.Add(time.Minute)))

	ids := func(list []*schedule.Job) []string {
		out := make([]string, len(list))
		for i, j := range list {
			out[i] = j.ID
		}
		return out
	}

	pending, err := listJobs(ctx, jobs, jobFilter{Status: "pending", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1", "j2"}, ids(pending))

	pendingT1, err := listJobs(ctx, jobs, jobFilter{Status: "pending", Tenant: "t1", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids(pendingT1))

	t1, err := listJobs(ctx, jobs, jobFilter{Tenant: "t1", Limit: 50})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"j1", "j3"}, ids(t1))

	ds3, err := listJobs(ctx, jobs, jobFilter{DataSource: "ds3", Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, []string{"j3"}, ids(ds3))

	ds3Pending, err := listJobs(ctx, jobs, jobFilter{DataSource: "ds3", Status: "pending", Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, ds3Pending)

	ds1Other, err := listJobs(ctx, jobs, jobFilter{DataSource: "ds1", Tenant: "t2", Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, ds1Other)

	limited, err := listJobs(ctx, jobs, jobFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = listJobs(ctx, jobs, jobFilter{Status: "stuck", Limit: 50})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestJobRows(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rows := jobRows([]*schedule.Job{{
		ID: "j1", TenantID: "t1", DataSourceID: "ds1", Action: "sync.identities",
		Priority: 15, Status: schedule.StatusFailed, ScheduledAt: at, Attempts: 1, AttemptsMax: 3, Error: "boom",
	}})
	require.Len(t, rows, 2)
	assert.Equal(t, "ID", rows[0][0])
	assert.Equal(t, []string{"j1", "t1", "ds1", "sync.identities", "15", "failed", "2026-03-01T09:00:00Z", "1/3", "boom"}, rows[1])
}
