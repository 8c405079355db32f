// Package job defines the job record, its configuration and the error
// taxonomy surfaced by job operations.
package job

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Config holds the analysis parameters supplied by the caller.
type Config struct {
	Name               string          `json:"name" validate:"required,max=200"`
	AreaOfInterest     json.RawMessage `json:"area_of_interest" validate:"required"`
	UseLookup          bool            `json:"use_lookup"`
	Resolution         *float64        `json:"resolution,omitempty" validate:"omitempty,gt=0"`
	CloudCover         *float64        `json:"cloud_cover,omitempty" validate:"omitempty,gte=0,lte=100"`
	StartTimestamp     string          `json:"start_timestamp,omitempty"`
	EndTimestamp       string          `json:"end_timestamp,omitempty"`
	SamplesClass       string          `json:"samples_class,omitempty" validate:"omitempty,max=64"`
	SamplingStrategy   string          `json:"sampling_strategy,omitempty" validate:"omitempty,max=64"`
	ObjID              string          `json:"obj_id,omitempty" validate:"omitempty,max=64"`
	UsePretrainedModel bool            `json:"use_pretrained_model"`
	Model              string          `json:"model,omitempty" validate:"omitempty,max=255"`
	Samples            string          `json:"samples,omitempty" validate:"omitempty,max=255"`
	RandomForest       *RandomForest   `json:"random_forrest,omitempty"`
}

// RandomForest carries the hyperparameters for the random forest classifier.
// The JSON key keeps the spelling the analysis script expects.
type RandomForest struct {
	NTree                int `json:"n_tree" validate:"gt=0"`
	CrossValidationFolds int `json:"cross_validation_folds" validate:"gte=2"`
}

// Job is one analysis request. The workspace directory is named by ID.
type Job struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Status Status `json:"status"`
	Config
	Created  time.Time  `json:"created"`
	Finished *time.Time `json:"finished"`
}

// Patch is a partial update applied by UpdateByID. Nil fields are left alone.
type Patch struct {
	Status   *Status
	Finished *time.Time
}

// Finish builds the patch that moves a job to a terminal state.
func Finish(status Status, at time.Time) Patch {
	at = at.UTC()
	return Patch{Status: &status, Finished: &at}
}

// DeleteResult mirrors the store's deletion count.
type DeleteResult struct {
	DeletedCount int64 `json:"deletedCount"`
}
