// Package upload validates files supplied at job-creation time against a
// per-slot policy.
package upload

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Slot names accepted on job creation.
const (
	SlotSamples = "samples"
	SlotModel   = "model"
)

// File is an uploaded file held in memory until it is copied into a workspace.
type File struct {
	OriginalName string
	MIMEType     string
	Size         int64
	Data         []byte
}

// Extension returns the lower-cased extension of the original file name,
// including the leading dot.
func (f *File) Extension() string {
	if f == nil {
		return ""
	}
	return Extension(f.OriginalName)
}

// Extension returns the lower-cased extension of name, including the dot.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// ValidationError reports which check an upload failed.
type ValidationError struct {
	Field   string // "size" or "mimeType"
	Limit   int64
	Allowed []string
}

func (e *ValidationError) Error() string {
	switch e.Field {
	case "size":
		return fmt.Sprintf("Maximum upload file size: %s", formatLimit(e.Limit))
	case "mimeType":
		return fmt.Sprintf("MIME-Type not allowed. Allowed: %s", strings.Join(e.Allowed, ", "))
	default:
		return "invalid upload"
	}
}

// Policy holds the limits for one upload slot.
type Policy struct {
	MaxBytes  int64
	MIMETypes map[string]struct{}
}

// NewPolicy builds a Policy accepting files up to maxBytes with one of types.
func NewPolicy(maxBytes int64, types ...string) Policy {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[normalizeMIME(t)] = struct{}{}
	}
	return Policy{MaxBytes: maxBytes, MIMETypes: set}
}

// Validate checks size first, then MIME type. A file of exactly MaxBytes is
// accepted.
func (p Policy) Validate(f *File) error {
	if f == nil {
		return nil
	}
	if f.Size > p.MaxBytes {
		return &ValidationError{Field: "size", Limit: p.MaxBytes}
	}
	if _, ok := p.MIMETypes[normalizeMIME(f.MIMEType)]; !ok {
		return &ValidationError{Field: "mimeType", Allowed: p.Allowed()}
	}
	return nil
}

// Allowed returns the accepted MIME types in sorted order.
func (p Policy) Allowed() []string {
	out := make([]string, 0, len(p.MIMETypes))
	for t := range p.MIMETypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// normalizeMIME drops parameters such as "; charset=utf-8".
func normalizeMIME(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

func formatLimit(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
