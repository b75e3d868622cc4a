package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

// maxJSONBody caps JSON request bodies; files go through the upload route.
const maxJSONBody = 1 << 20

type createWizardRequest struct {
	Model string `json:"model" validate:"omitempty,max=200"`
}

type selectModelRequest struct {
	Model string `json:"model" validate:"required,max=200"`
}

type mappingsRequest struct {
	Mappings []importsvc.ColumnMapping `json:"mappings" validate:"required,dive"`
}

type settingsRequest struct {
	ImportPolicy         *string           `json:"import_policy" validate:"omitempty,max=32"`
	SkipValidationErrors *bool             `json:"skip_validation_errors"`
	SkipErrors           *bool             `json:"skip_errors"`
	DefaultValues        map[string]string `json:"default_values" validate:"omitempty,dive,keys,required,endkeys"`
	BatchSize            *int              `json:"batch_size" validate:"omitempty,gt=0"`
}

func (r settingsRequest) patch() wizard.SettingsPatch {
	p := wizard.SettingsPatch{
		SkipValidationErrors: r.SkipValidationErrors,
		SkipErrors:           r.SkipErrors,
		DefaultValues:        r.DefaultValues,
		BatchSize:            r.BatchSize,
	}
	if r.ImportPolicy != nil {
		policy := importsvc.ImportPolicy(*r.ImportPolicy)
		p.ImportPolicy = &policy
	}
	return p
}

type applySuggestionsRequest struct {
	Threshold float64 `json:"threshold" validate:"gte=0,lt=1"`
}

type stepRequest struct {
	Step string `json:"step" validate:"required,oneof=upload mapping preview execute result"`
}

type batchPlanRequest struct {
	TotalRows int `json:"total_rows" validate:"gte=0"`
	BatchSize int `json:"batch_size" validate:"gte=0"`
	Min       int `json:"min_batch_size" validate:"gte=0"`
	Max       int `json:"max_batch_size" validate:"gte=0"`
}

// decodeJSON reads a JSON body into dst and validates it. An empty body is
// accepted and leaves dst at its zero value before validation.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body", err.Error())
	}
	if err := s.validate.Struct(dst); err != nil {
		return badRequest("invalid request", validationDetails(err)...)
	}
	return nil
}

// queryInt parses an integer query parameter with a default value.
func queryInt(r *http.Request, name string, defaultVal int) (int, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, badRequest("invalid " + name + " parameter")
	}
	return i, nil
}

// queryBool parses a boolean query parameter; absent means false.
func queryBool(r *http.Request, name string) (bool, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, badRequest("invalid " + name + " parameter")
	}
	return b, nil
}
