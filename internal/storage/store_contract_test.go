package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

func sampleJob(owner, name string, created time.Time) *job.Job {
	res := 20.0
	return &job.Job{
		Owner:   owner,
		Created: created,
		Config: job.Config{
			Name:           name,
			AreaOfInterest: json.RawMessage(`{"type":"Feature","properties":{},"geometry":null}`),
			Resolution:     &res,
			RandomForest:   &job.RandomForest{NTree: 800, CrossValidationFolds: 5},
		},
	}
}

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("insert and find", func(t *testing.T) {
		j := sampleJob("alice", "first", base)
		id, err := s.Insert(ctx, j)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		assert.Equal(t, id, j.ID)
		assert.Equal(t, job.StatusRunning, j.Status)

		got, err := s.FindByID(ctx, id, "alice")
		require.NoError(t, err)
		assert.Equal(t, "first", got.Name)
		assert.Equal(t, job.StatusRunning, got.Status)
		assert.Nil(t, got.Finished)
		assert.True(t, base.Equal(got.Created))
		require.NotNil(t, got.RandomForest)
		assert.Equal(t, 800, got.RandomForest.NTree)
		assert.JSONEq(t, string(j.AreaOfInterest), string(got.AreaOfInterest))

		_, err = s.FindByID(ctx, id, "mallory")
		assert.True(t, errors.Is(err, ErrNotFound), "other owner must not see the job")

		exists, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists)

		looked, err := s.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "alice", looked.Owner)

		_, err = s.Lookup(ctx, "missing-id")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("find all sorted newest first", func(t *testing.T) {
		var ids []string
		for i, name := range []string{"old", "mid", "new"} {
			id, err := s.Insert(ctx, sampleJob("bob", name, base.Add(time.Duration(i)*time.Hour)))
			require.NoError(t, err)
			ids = append(ids, id)
		}
		_, err := s.Insert(ctx, sampleJob("carol", "other", base))
		require.NoError(t, err)

		jobs, err := s.FindAll(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})

		none, err := s.FindAll(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("terminal update happens once", func(t *testing.T) {
		id, err := s.Insert(ctx, sampleJob("dave", "finishing", base))
		require.NoError(t, err)

		done := base.Add(90 * time.Minute)
		n, err := s.UpdateByID(ctx, id, job.Finish(job.StatusError, done))
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = s.UpdateByID(ctx, id, job.Finish(job.StatusSuccess, done.Add(time.Minute)))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n, "terminal status must not be overwritten")

		got, err := s.FindByID(ctx, id, "dave")
		require.NoError(t, err)
		assert.Equal(t, job.StatusError, got.Status)
		require.NotNil(t, got.Finished)
		assert.True(t, done.Equal(*got.Finished))

		n, err = s.UpdateByID(ctx, "missing-id", job.Finish(job.StatusSuccess, done))
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)
	})

	t.Run("find by status", func(t *testing.T) {
		id, err := s.Insert(ctx, sampleJob("erin", "orphan", base))
		require.NoError(t, err)

		running, err := s.FindByStatus(ctx, job.StatusRunning)
		require.NoError(t, err)
		var found bool
		for _, j := range running {
			assert.Equal(t, job.StatusRunning, j.Status)
			if j.ID == id {
				found = true
			}
		}
		assert.True(t, found)
	})

	t.Run("delete is owner scoped and idempotent", func(t *testing.T) {
		id, err := s.Insert(ctx, sampleJob("frank", "doomed", base))
		require.NoError(t, err)

		n, err := s.DeleteByID(ctx, id, "mallory")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		n, err = s.DeleteByID(ctx, id, "frank")
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		n, err = s.DeleteByID(ctx, id, "frank")
		require.NoError(t, err)
		assert.EqualValues(t, 0, n)

		exists, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}
