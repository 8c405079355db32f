package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/aoa-runner/internal/coordinator"
	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/upload"
)

// multipartMemory is kept in memory before parts spill to temp files.
const multipartMemory = 32 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Store:         "ok",
		RunningJobs:   s.health.RunningCount(),
	}
	if err := s.health.Ping(r.Context()); err != nil {
		s.logger.Error("store ping failed", "error", err)
		resp.Status = "degraded"
		resp.Store = "unreachable"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleCreateJob accepts either a JSON job body or a multipart form with a
// "job" field and optional "samples" and "model" files.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	raw, files, err := s.decodeCreate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	created, err := s.jobs.Create(r.Context(), raw, files, owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+created.ID)
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) decodeCreate(r *http.Request) ([]byte, coordinator.Uploads, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, coordinator.Uploads{}, err
		}
		return raw, coordinator.Uploads{}, nil
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, coordinator.Uploads{}, err
		}
		return nil, coordinator.Uploads{}, job.BadRequest("Invalid multipart body", err)
	}
	defer r.MultipartForm.RemoveAll()

	var files coordinator.Uploads
	var err error
	if files.Samples, err = formFile(r.MultipartForm, upload.SlotSamples); err != nil {
		return nil, files, err
	}
	if files.Model, err = formFile(r.MultipartForm, upload.SlotModel); err != nil {
		return nil, files, err
	}
	var raw []byte
	if v := r.MultipartForm.Value["job"]; len(v) > 0 {
		raw = []byte(v[0])
	}
	return raw, files, nil
}

// formFile reads the first file of field, or returns nil when absent.
func formFile(form *multipart.Form, field string) (*upload.File, error) {
	headers := form.File[field]
	if len(headers) == 0 {
		return nil, nil
	}
	fh := headers[0]

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s upload: %w", field, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s upload: %w", field, err)
	}

	mimeType := fh.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &upload.File{
		OriginalName: fh.Filename,
		MIMEType:     mimeType,
		Size:         fh.Size,
		Data:         data,
	}, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context(), owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	respondJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"), owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Delete(r.Context(), chi.URLParam(r, "jobID"), owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.jobs.Files(r.Context(), chi.URLParam(r, "jobID"), owner(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, FilesResponse{Files: files})
}

// handleGetFile serves one workspace file. ?download=true sets an
// attachment disposition.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rc, info, err := s.jobs.File(r.Context(), chi.URLParam(r, "jobID"), owner(r), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	if ct := contentTypes[strings.ToLower(upload.Extension(name))]; ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.Name}))
	}
	http.ServeContent(w, r, info.Name, info.Modified, rc)
}

var contentTypes = map[string]string{
	".geojson": "application/geo+json",
	".json":    "application/json",
	".gpkg":    "application/geopackage+sqlite3",
	".tif":     "image/tiff",
	".rds":     "application/octet-stream",
	".log":     "text/plain; charset=utf-8",
}
