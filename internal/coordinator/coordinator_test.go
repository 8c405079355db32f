package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/aoa-runner/internal/coordinator/mocks"
	"github.com/mattjoyce/aoa-runner/internal/events"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/params"
	"github.com/mattjoyce/aoa-runner/internal/storage"
	"github.com/mattjoyce/aoa-runner/internal/supervisor"
	"github.com/mattjoyce/aoa-runner/internal/upload"
	"github.com/mattjoyce/aoa-runner/internal/workspace"
)

const (
	owner  = "61b5dac80ba4add9236dc231"
	newID  = "61f673757e9a8dc05e4c7108"
	tenMiB = 10 * 1024 * 1024
)

const validJob = `{
  "name": "Job name",
  "use_lookup": false,
  "resolution": 10,
  "cloud_cover": 15,
  "start_timestamp": "2020-01-01T00:00:00.000Z",
  "end_timestamp": "2020-06-01T00:00:00.000Z",
  "sampling_strategy": "regular",
  "use_pretrained_model": false,
  "samples": "samples.geojson",
  "random_forrest": {"n_tree": 800, "cross_validation_folds": 5},
  "area_of_interest": {
    "type": "Feature",
    "properties": {},
    "geometry": {"type": "Polygon", "coordinates": [[[7.57, 51.93], [7.60, 51.93], [7.60, 51.96], [7.57, 51.93]]]}
  }
}`

type recordingPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *recordingPublisher) Publish(eventType, _ string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, eventType)
}

type fixture struct {
	store    *mocks.MockJobStore
	ws       *mocks.MockWorkspaces
	launcher *mocks.MockLauncher
	pub      *recordingPublisher
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		store:    mocks.NewMockJobStore(ctrl),
		ws:       mocks.NewMockWorkspaces(ctrl),
		launcher: mocks.NewMockLauncher(ctrl),
		pub:      &recordingPublisher{},
	}
	policies := Policies{
		Samples: upload.NewPolicy(tenMiB, "application/geo+json", "application/json", "application/geopackage+sqlite3"),
		Model:   upload.NewPolicy(tenMiB, "application/octet-stream"),
	}
	f.svc = New(f.store, f.ws, f.launcher, policies, f.pub)
	return f
}

func (f *fixture) expectInsert() {
	f.store.EXPECT().Insert(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, j *job.Job) (string, error) {
			j.ID = newID
			return newID, nil
		})
}

// withJob replaces one top-level field of validJob.
func withJob(t *testing.T, key string, value any) []byte {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(validJob), &m))
	if value == nil {
		delete(m, key)
	} else {
		m[key] = value
	}
	out, err := json.Marshal(m)
	require.NoError(t, err)
	return out
}

func requireKind(t *testing.T, err error, kind job.Kind) *job.Error {
	t.Helper()
	var jerr *job.Error
	require.True(t, errors.As(err, &jerr), "want *job.Error, got %v", err)
	require.Equal(t, kind, jerr.Kind, "message: %s", jerr.Message)
	return jerr
}

func TestCreateWithoutUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := workspace.Workspace{JobID: newID, Dir: "/jobs/" + newID}
	written := map[string][]byte{}

	gomock.InOrder(
		f.store.EXPECT().Insert(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, j *job.Job) (string, error) {
			assert.Equal(t, owner, j.Owner)
			assert.Equal(t, job.StatusRunning, j.Status)
			assert.Nil(t, j.Finished)
			return newID, nil
		}),
		f.ws.EXPECT().Create(ctx, newID).Return(ws, nil),
		f.ws.EXPECT().WriteFile(ctx, newID, params.ParamFile, gomock.Any()).DoAndReturn(func(_ context.Context, _, name string, data []byte) error {
			written[name] = data
			return nil
		}),
		f.ws.EXPECT().WriteFile(ctx, newID, params.AOIFile, gomock.Any()).DoAndReturn(func(_ context.Context, _, name string, data []byte) error {
			written[name] = data
			return nil
		}),
		f.launcher.EXPECT().Launch(ctx, ws, owner).Return(&supervisor.Handle{JobID: newID}, nil),
	)

	j, err := f.svc.Create(ctx, []byte(validJob), Uploads{}, owner)
	require.NoError(t, err)
	assert.Equal(t, newID, j.ID)
	assert.Equal(t, job.StatusRunning, j.Status)
	assert.Nil(t, j.Finished)
	assert.Len(t, written, 2)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(written[params.ParamFile], &doc))
	assert.Equal(t, "false", doc["use_pretrained_model"])
	assert.Equal(t, "2020-01-01", doc["start_timestamp"])
	assert.Equal(t, "2020-06-01", doc["end_timestamp"])
	assert.Equal(t, "samples.geojson", doc["samples"])
	assert.NotContains(t, doc, "area_of_interest")

	var aoi map[string]any
	require.NoError(t, json.Unmarshal(written[params.AOIFile], &aoi))
	assert.Equal(t, "Feature", aoi["type"])

	assert.Equal(t, []string{events.JobCreated}, f.pub.types)
}

func TestCreateWithSamplesUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := workspace.Workspace{JobID: newID, Dir: "/jobs/" + newID}
	samples := &upload.File{
		OriginalName: "training.geojson",
		MIMEType:     "application/geo+json",
		Size:         500 * 1024,
		Data:         []byte(`{"type":"FeatureCollection","features":[]}`),
	}
	var paramDoc []byte

	f.expectInsert()
	f.ws.EXPECT().Create(ctx, newID).Return(ws, nil)
	f.ws.EXPECT().WriteFile(ctx, newID, params.ParamFile, gomock.Any()).DoAndReturn(func(_ context.Context, _, _ string, data []byte) error {
		paramDoc = data
		return nil
	})
	f.ws.EXPECT().WriteFile(ctx, newID, params.AOIFile, gomock.Any()).Return(nil)
	f.ws.EXPECT().WriteFile(ctx, newID, "samples.geojson", samples.Data).Return(nil)
	f.launcher.EXPECT().Launch(ctx, gomock.Any(), owner).DoAndReturn(
		func(_ context.Context, got workspace.Workspace, _ string) (*supervisor.Handle, error) {
			assert.Equal(t, newID, got.JobID, "tool must receive the job id")
			return nil, nil
		})

	raw := withJob(t, "samples", nil)
	_, err := f.svc.Create(ctx, raw, Uploads{Samples: samples}, owner)
	require.NoError(t, err)
	assert.Contains(t, string(paramDoc), `"use_pretrained_model": "false"`)
	assert.Contains(t, string(paramDoc), `"samples": "samples.geojson"`)
}

func TestCreateWithGPKGAndModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	samples := &upload.File{OriginalName: "s.gpkg", MIMEType: "application/geopackage+sqlite3", Size: 4, Data: []byte("gpkg")}
	model := &upload.File{OriginalName: "rf.rds", MIMEType: "application/octet-stream", Size: 3, Data: []byte("rds")}

	f.expectInsert()
	f.ws.EXPECT().Create(ctx, newID).Return(workspace.Workspace{JobID: newID}, nil)
	f.ws.EXPECT().WriteFile(ctx, newID, params.ParamFile, gomock.Any()).DoAndReturn(func(_ context.Context, _, _ string, data []byte) error {
		assert.Contains(t, string(data), `"samples": "samples.gpkg"`)
		assert.Contains(t, string(data), `"model": "model.rds"`)
		return nil
	})
	f.ws.EXPECT().WriteFile(ctx, newID, params.AOIFile, gomock.Any()).Return(nil)
	f.ws.EXPECT().WriteFile(ctx, newID, "samples.gpkg", samples.Data).Return(nil)
	f.ws.EXPECT().WriteFile(ctx, newID, params.ModelFile, model.Data).Return(nil)
	f.launcher.EXPECT().Launch(ctx, gomock.Any(), owner).Return(nil, nil)

	raw := withJob(t, "model", "ignored.rds")
	_, err := f.svc.Create(ctx, raw, Uploads{Samples: samples, Model: model}, owner)
	require.NoError(t, err)
}

func TestCreatePretrainedModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(validJob), &m))
	m["use_pretrained_model"] = true
	m["model"] = "shared-model.rds"
	delete(m, "random_forrest")
	delete(m, "samples")
	raw, err := json.Marshal(m)
	require.NoError(t, err)

	f.expectInsert()
	f.ws.EXPECT().Create(ctx, newID).Return(workspace.Workspace{JobID: newID}, nil)
	f.ws.EXPECT().WriteFile(ctx, newID, params.ParamFile, gomock.Any()).DoAndReturn(func(_ context.Context, _, _ string, data []byte) error {
		assert.Contains(t, string(data), `"use_pretrained_model": "true"`)
		assert.Contains(t, string(data), `"model": "shared-model.rds"`)
		assert.NotContains(t, string(data), "random_forrest")
		return nil
	})
	f.ws.EXPECT().WriteFile(ctx, newID, params.AOIFile, gomock.Any()).Return(nil)
	f.launcher.EXPECT().Launch(ctx, gomock.Any(), owner).Return(nil, nil)

	_, err = f.svc.Create(ctx, raw, Uploads{}, owner)
	require.NoError(t, err)
}

func TestCreateRejectsBeforeAnyState(t *testing.T) {
	pretrainedNoModel := func(t *testing.T) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(validJob), &m))
		m["use_pretrained_model"] = true
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return out
	}

	tests := []struct {
		name    string
		raw     func(t *testing.T) []byte
		uploads Uploads
		wantMsg string
	}{
		{
			name:    "malformed json",
			raw:     func(*testing.T) []byte { return []byte(`{"name":`) },
			wantMsg: "Invalid job configuration",
		},
		{
			name:    "empty body",
			raw:     func(*testing.T) []byte { return nil },
			wantMsg: "Job configuration is required",
		},
		{
			name:    "missing name",
			raw:     func(t *testing.T) []byte { return withJob(t, "name", nil) },
			wantMsg: "name",
		},
		{
			name:    "area of interest not an object",
			raw:     func(t *testing.T) []byte { return withJob(t, "area_of_interest", "somewhere") },
			wantMsg: "area_of_interest",
		},
		{
			name:    "cloud cover out of range",
			raw:     func(t *testing.T) []byte { return withJob(t, "cloud_cover", 150) },
			wantMsg: "cloud_cover",
		},
		{
			name:    "disallowed samples mime type",
			raw:     func(t *testing.T) []byte { return withJob(t, "samples", nil) },
			uploads: Uploads{Samples: &upload.File{OriginalName: "s.png", MIMEType: "image/png", Size: 10}},
			wantMsg: "MIME-Type not allowed",
		},
		{
			name:    "samples one byte over the limit",
			raw:     func(t *testing.T) []byte { return withJob(t, "samples", nil) },
			uploads: Uploads{Samples: &upload.File{OriginalName: "s.geojson", MIMEType: "application/json", Size: tenMiB + 1}},
			wantMsg: "Maximum upload file size: 10 MB",
		},
		{
			name:    "model with wrong type",
			raw:     func(t *testing.T) []byte { return []byte(validJob) },
			uploads: Uploads{Model: &upload.File{OriginalName: "m.rds", MIMEType: "text/plain", Size: 1}},
			wantMsg: "MIME-Type not allowed",
		},
		{
			name:    "missing algorithm parameters",
			raw:     func(t *testing.T) []byte { return withJob(t, "random_forrest", nil) },
			wantMsg: "random_forrest",
		},
		{
			name:    "missing samples",
			raw:     func(t *testing.T) []byte { return withJob(t, "samples", nil) },
			wantMsg: "samples",
		},
		{
			name:    "pretrained without model",
			raw:     pretrainedNoModel,
			wantMsg: "model",
		},
		{
			name:    "invalid random forest",
			raw:     func(t *testing.T) []byte { return withJob(t, "random_forrest", map[string]int{"n_tree": 0, "cross_validation_folds": 5}) },
			wantMsg: "random_forrest.n_tree",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// No expectations: any store, workspace or launcher call fails the test.
			f := newFixture(t)
			_, err := f.svc.Create(context.Background(), tt.raw(t), tt.uploads, owner)
			jerr := requireKind(t, err, job.KindBadRequest)
			assert.Equal(t, 400, jerr.StatusCode())
			assert.Contains(t, jerr.Error(), tt.wantMsg)
			assert.Empty(t, f.pub.types)
		})
	}
}

func TestCreateUploadExactlyAtLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	samples := &upload.File{OriginalName: "s.geojson", MIMEType: "application/json", Size: tenMiB, Data: []byte("{}")}

	f.expectInsert()
	f.ws.EXPECT().Create(ctx, newID).Return(workspace.Workspace{JobID: newID}, nil)
	f.ws.EXPECT().WriteFile(ctx, newID, gomock.Any(), gomock.Any()).Return(nil).Times(3)
	f.launcher.EXPECT().Launch(ctx, gomock.Any(), owner).Return(nil, nil)

	_, err := f.svc.Create(ctx, withJob(t, "samples", nil), Uploads{Samples: samples}, owner)
	require.NoError(t, err)
}

func TestCreateRollsBackOnWriteFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gomock.InOrder(
		f.store.EXPECT().Insert(ctx, gomock.Any()).Return(newID, nil),
		f.ws.EXPECT().Create(ctx, newID).Return(workspace.Workspace{JobID: newID}, nil),
		f.ws.EXPECT().WriteFile(ctx, newID, params.ParamFile, gomock.Any()).Return(nil),
		f.ws.EXPECT().WriteFile(ctx, newID, params.AOIFile, gomock.Any()).Return(errors.New("no space left on device")),
		f.store.EXPECT().DeleteByID(gomock.Any(), newID, owner).Return(int64(1), nil),
		f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(nil),
	)

	_, err := f.svc.Create(ctx, []byte(validJob), Uploads{}, owner)
	jerr := requireKind(t, err, job.KindInternal)
	assert.Equal(t, 500, jerr.StatusCode())
	assert.Contains(t, jerr.Unwrap().Error(), "no space left on device")
	assert.Empty(t, f.pub.types)
}

func TestCreateRollsBackOnWorkspaceCreateFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().Insert(ctx, gomock.Any()).Return(newID, nil)
	f.ws.EXPECT().Create(ctx, newID).Return(workspace.Workspace{}, workspace.ErrExists)
	f.store.EXPECT().DeleteByID(gomock.Any(), newID, owner).Return(int64(1), nil)
	f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(nil)

	_, err := f.svc.Create(ctx, []byte(validJob), Uploads{}, owner)
	requireKind(t, err, job.KindInternal)
	assert.ErrorIs(t, err, workspace.ErrExists)
}

func TestCreateRollbackSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.store.EXPECT().Insert(ctx, gomock.Any()).Return(newID, nil)
	f.ws.EXPECT().Create(ctx, newID).DoAndReturn(func(context.Context, string) (workspace.Workspace, error) {
		cancel()
		return workspace.Workspace{}, context.Canceled
	})
	f.store.EXPECT().DeleteByID(gomock.Any(), newID, owner).DoAndReturn(func(c context.Context, _, _ string) (int64, error) {
		assert.NoError(t, c.Err(), "rollback must not inherit request cancellation")
		return 1, nil
	})
	f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(nil)

	_, err := f.svc.Create(ctx, []byte(validJob), Uploads{}, owner)
	requireKind(t, err, job.KindInternal)
}

func TestCreateRollsBackOnLaunchFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.expectInsert()
	f.ws.EXPECT().Create(ctx, newID).Return(workspace.Workspace{JobID: newID}, nil)
	f.ws.EXPECT().WriteFile(ctx, newID, gomock.Any(), gomock.Any()).Return(nil).Times(2)
	f.launcher.EXPECT().Launch(ctx, gomock.Any(), owner).Return(nil, supervisor.ErrShuttingDown)
	f.store.EXPECT().DeleteByID(gomock.Any(), newID, owner).Return(int64(1), nil)
	f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(nil)

	_, err := f.svc.Create(ctx, []byte(validJob), Uploads{}, owner)
	requireKind(t, err, job.KindInternal)
	assert.ErrorIs(t, err, supervisor.ErrShuttingDown)
}

func TestCreateInsertFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().Insert(ctx, gomock.Any()).Return("", errors.New("disk I/O error"))

	_, err := f.svc.Create(ctx, []byte(validJob), Uploads{}, owner)
	requireKind(t, err, job.KindInternal)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gomock.InOrder(
		f.store.EXPECT().DeleteByID(ctx, newID, owner).Return(int64(1), nil),
		f.launcher.EXPECT().Cancel(newID).Return(supervisor.ErrNotRunning),
		f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(nil),
	)
	res, err := f.svc.Delete(ctx, newID, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedCount)

	// Second delete: nothing matched, nothing else touched.
	f.store.EXPECT().DeleteByID(ctx, newID, owner).Return(int64(0), nil)
	res, err = f.svc.Delete(ctx, newID, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 0, res.DeletedCount)

	assert.Equal(t, []string{events.JobDeleted}, f.pub.types)
}

func TestDeleteCancelsRunningProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().DeleteByID(ctx, newID, owner).Return(int64(1), nil)
	f.launcher.EXPECT().Cancel(newID).Return(nil)
	f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(nil)

	res, err := f.svc.Delete(ctx, newID, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedCount)
}

func TestDeleteSwallowsWorkspaceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().DeleteByID(ctx, newID, owner).Return(int64(1), nil)
	f.launcher.EXPECT().Cancel(newID).Return(supervisor.ErrNotRunning)
	f.ws.EXPECT().Destroy(gomock.Any(), newID).Return(errors.New("permission denied"))

	res, err := f.svc.Delete(ctx, newID, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.DeletedCount)
}

func TestDeleteStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().DeleteByID(ctx, newID, owner).Return(int64(0), errors.New("connection reset"))

	_, err := f.svc.Delete(ctx, newID, owner)
	requireKind(t, err, job.KindInternal)
}

func TestGetAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().FindByID(ctx, newID, owner).Return(&job.Job{ID: newID, Owner: owner}, nil)
	j, err := f.svc.Get(ctx, newID, owner)
	require.NoError(t, err)
	assert.Equal(t, newID, j.ID)

	f.store.EXPECT().FindByID(ctx, "unknown", owner).Return(nil, storage.ErrNotFound)
	_, err = f.svc.Get(ctx, "unknown", owner)
	jerr := requireKind(t, err, job.KindNotFound)
	assert.Equal(t, "Unable to find job", jerr.Message)

	f.store.EXPECT().FindByID(ctx, "broken", owner).Return(nil, errors.New("boom"))
	_, err = f.svc.Get(ctx, "broken", owner)
	requireKind(t, err, job.KindInternal)

	f.store.EXPECT().FindAll(ctx, owner).Return([]job.Job{{ID: "b"}, {ID: "a"}}, nil)
	jobs, err := f.svc.List(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

type nopReadSeekCloser struct{ io.ReadSeeker }

func (nopReadSeekCloser) Close() error { return nil }

func TestFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.EXPECT().FindByID(ctx, newID, owner).Return(&job.Job{ID: newID}, nil).Times(3)
	f.ws.EXPECT().List(ctx, newID).Return([]workspace.FileInfo{{Name: "output.log", Size: 3}}, nil)
	f.ws.EXPECT().OpenFile(ctx, newID, "output.log").Return(nopReadSeekCloser{strings.NewReader("abc")}, workspace.FileInfo{Name: "output.log", Size: 3}, nil)
	f.ws.EXPECT().OpenFile(ctx, newID, "script.R").Return(nil, workspace.FileInfo{}, workspace.ErrNotFound)

	files, err := f.svc.Files(ctx, newID, owner)
	require.NoError(t, err)
	require.Len(t, files, 1)

	rc, info, err := f.svc.File(ctx, newID, owner, "output.log")
	require.NoError(t, err)
	defer rc.Close()
	assert.EqualValues(t, 3, info.Size)

	_, _, err = f.svc.File(ctx, newID, owner, "script.R")
	requireKind(t, err, job.KindNotFound)

	// Another owner cannot reach the workspace at all.
	f.store.EXPECT().FindByID(ctx, newID, "mallory").Return(nil, storage.ErrNotFound)
	_, err = f.svc.Files(ctx, newID, "mallory")
	requireKind(t, err, job.KindNotFound)
}
