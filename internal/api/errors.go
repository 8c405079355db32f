package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/mattjoyce/aoa-runner/internal/job"
)

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err onto the JSON error body. Errors that are not
// *job.Error become a generic 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var jerr *job.Error
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &jerr):
	case errors.As(err, &maxErr):
		jerr = &job.Error{Kind: job.KindBadRequest, Message: fmt.Sprintf("Request body exceeds %d bytes", maxErr.Limit), Err: err}
	default:
		jerr = job.Internal("Unexpected server error", err)
	}

	resp := ErrorResponse{
		StatusCode: jerr.StatusCode(),
		Error:      jerr.Label(),
		Message:    jerr.Message,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "message", jerr.Message, "error", jerr.Err)
	}
	if s.config.Dev {
		resp.Stack = stackOf(jerr)
	}
	respondJSON(w, resp.StatusCode, resp)
}

// writeStatus writes an error body for codes outside the job taxonomy.
func (s *Server) writeStatus(w http.ResponseWriter, _ *http.Request, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		StatusCode: statusCode,
		Error:      http.StatusText(statusCode),
		Message:    message,
	})
}

// stackOf renders the cause chain followed by the current goroutine stack.
func stackOf(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		b.WriteString(e.Error())
		b.WriteByte('\n')
	}
	b.Write(debug.Stack())
	return b.String()
}
