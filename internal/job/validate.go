package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeConfig parses a raw job configuration and checks it against the
// job schema. Failures are returned as BadRequest errors.
func DecodeConfig(raw []byte) (Config, error) {
	var cfg Config
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, BadRequest("Job configuration is required", nil)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, BadRequest(fmt.Sprintf("Invalid job configuration: %v", err), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate runs the schema checks on an already decoded configuration.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return BadRequest("Job validation failed: "+strings.Join(msgs, ", "), err)
		}
		return BadRequest("Job validation failed", err)
	}

	aoi := bytes.TrimSpace(c.AreaOfInterest)
	if len(aoi) == 0 || aoi[0] != '{' || !json.Valid(aoi) {
		return BadRequest("Job validation failed: area_of_interest must be a GeoJSON object", nil)
	}
	return nil
}

// fieldMessage renders "random_forrest.n_tree" instead of the Go namespace.
func fieldMessage(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", ns, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", ns, fe.Tag())
}
