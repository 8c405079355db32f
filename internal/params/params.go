// Package params translates a job configuration into the flat parameter
// document read by the analysis script.
package params

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mattjoyce/aoa-runner/internal/job"
	"github.com/mattjoyce/aoa-runner/internal/upload"
)

// Workspace file names shared by the translator, the workspace writer and
// the analysis script.
const (
	ParamFile          = "job_param.json"
	AOIFile            = "aoi.geojson"
	ModelFile          = "model.rds"
	SamplesGeoJSONFile = "samples.geojson"
	SamplesGPKGFile    = "samples.gpkg"
	OutputLog          = "output.log"
)

const dateLayout = "2006-01-02"

// Defaults is the static default table merged under every job configuration.
var Defaults = Document{
	Name:               "Unnamed job",
	Resolution:         10,
	CloudCover:         15,
	StartTimestamp:     "2020-01-01",
	EndTimestamp:       "2020-12-01",
	SamplesClass:       "class",
	SamplingStrategy:   "regular",
	ObjID:              "PID",
	Model:              ModelFile,
	Samples:            SamplesGeoJSONFile,
	AOI:                AOIFile,
	UseLookup:          "false",
	UsePretrainedModel: "false",
}

// Document is the parameter file layout. Field order is the key order of
// the written JSON.
type Document struct {
	Name               string            `json:"name"`
	Resolution         float64           `json:"resolution"`
	CloudCover         float64           `json:"cloud_cover"`
	StartTimestamp     string            `json:"start_timestamp"`
	EndTimestamp       string            `json:"end_timestamp"`
	SamplesClass       string            `json:"samples_class"`
	SamplingStrategy   string            `json:"sampling_strategy"`
	ObjID              string            `json:"obj_id"`
	Model              string            `json:"model"`
	Samples            string            `json:"samples"`
	AOI                string            `json:"aoi"`
	UseLookup          string            `json:"use_lookup"`
	UsePretrainedModel string            `json:"use_pretrained_model"`
	RandomForest       *job.RandomForest `json:"random_forrest,omitempty"`
}

// ApplyDefaults fills every unset optional field of cfg from Defaults. Values
// set by the caller always win.
func ApplyDefaults(cfg job.Config) job.Config {
	out := cfg
	if out.Name == "" {
		out.Name = Defaults.Name
	}
	if out.Resolution == nil {
		v := Defaults.Resolution
		out.Resolution = &v
	}
	if out.CloudCover == nil {
		v := Defaults.CloudCover
		out.CloudCover = &v
	}
	if out.SamplesClass == "" {
		out.SamplesClass = Defaults.SamplesClass
	}
	if out.SamplingStrategy == "" {
		out.SamplingStrategy = Defaults.SamplingStrategy
	}
	if out.ObjID == "" {
		out.ObjID = Defaults.ObjID
	}
	if out.Model == "" {
		out.Model = Defaults.Model
	}
	if out.Samples == "" {
		out.Samples = Defaults.Samples
	}
	return out
}

// Translate maps cfg onto a Document. When samples were uploaded, the
// document's samples reference follows the upload's extension. The area of
// interest is not inlined; it is written to AOIFile separately.
func Translate(cfg job.Config, samples *upload.File) Document {
	cfg = ApplyDefaults(cfg)

	doc := Document{
		Name:               cfg.Name,
		Resolution:         *cfg.Resolution,
		CloudCover:         *cfg.CloudCover,
		StartTimestamp:     dateOrDefault(cfg.StartTimestamp, Defaults.StartTimestamp),
		EndTimestamp:       dateOrDefault(cfg.EndTimestamp, Defaults.EndTimestamp),
		SamplesClass:       cfg.SamplesClass,
		SamplingStrategy:   cfg.SamplingStrategy,
		ObjID:              cfg.ObjID,
		Model:              cfg.Model,
		Samples:            cfg.Samples,
		AOI:                AOIFile,
		UseLookup:          strconv.FormatBool(cfg.UseLookup),
		UsePretrainedModel: strconv.FormatBool(cfg.UsePretrainedModel),
		RandomForest:       cfg.RandomForest,
	}
	if samples != nil {
		doc.Samples = SamplesFileName(samples)
	}
	return doc
}

// SamplesFileName returns the workspace name for an uploaded samples file.
func SamplesFileName(f *upload.File) string {
	if f.Extension() == ".gpkg" {
		return SamplesGPKGFile
	}
	return SamplesGeoJSONFile
}

// Marshal renders the document as the indented JSON the script reads.
func Marshal(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	dateLayout,
}

// dateOrDefault reduces a timestamp to its calendar date in UTC, not in the
// offset it was written with. Values without an offset are taken as UTC.
func dateOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC().Format(dateLayout)
		}
	}
	return fallback
}
