package main

// mapping.go reads the YAML file that pins column mappings and settings for
// repeatable imports:
//
//	model: account
//	policy: upsert
//	batch_size: 2000
//	mappings:
//	  - column: Account Code
//	    field: code
//	  - column: Notes        # no field: ignored
//	defaults:
//	  type: asset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/importwizard/internal/importsvc"
	"github.com/JonMunkholm/importwizard/internal/wizard"
)

type mappingFile struct {
	Model                string                    `yaml:"model"`
	Policy               string                    `yaml:"policy"`
	BatchSize            int                       `yaml:"batch_size"`
	SkipValidationErrors *bool                     `yaml:"skip_validation_errors"`
	Mappings             []importsvc.ColumnMapping `yaml:"mappings"`
	Defaults             map[string]string         `yaml:"defaults"`
}

func readMappingFile(path string) (*mappingFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mf, err := parseMappingFile(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mf, nil
}

func parseMappingFile(r io.Reader) (*mappingFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var mf mappingFile
	if err := dec.Decode(&mf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("mapping file is empty")
		}
		return nil, err
	}

	seen := make(map[string]bool, len(mf.Mappings))
	for i, m := range mf.Mappings {
		col := strings.TrimSpace(m.ColumnName)
		if col == "" {
			return nil, fmt.Errorf("mapping %d has no column", i+1)
		}
		if seen[col] {
			return nil, fmt.Errorf("column %q is mapped twice", col)
		}
		seen[col] = true
		mf.Mappings[i].ColumnName = col
		mf.Mappings[i].FieldName = strings.TrimSpace(m.FieldName)
	}
	if mf.BatchSize < 0 {
		return nil, fmt.Errorf("batch_size must be positive, got %d", mf.BatchSize)
	}
	return &mf, nil
}

// merge overlays the file's mappings on current by column name. Columns the
// file does not mention keep their current mapping.
func (mf *mappingFile) merge(current []importsvc.ColumnMapping) []importsvc.ColumnMapping {
	out := slices.Clone(current)
	for _, m := range mf.Mappings {
		i := slices.IndexFunc(out, func(c importsvc.ColumnMapping) bool { return c.ColumnName == m.ColumnName })
		if i < 0 {
			out = append(out, m)
			continue
		}
		out[i] = m
	}
	return out
}

func (mf *mappingFile) patch() wizard.SettingsPatch {
	p := wizard.SettingsPatch{
		SkipValidationErrors: mf.SkipValidationErrors,
		DefaultValues:        mf.Defaults,
	}
	if mf.Policy != "" {
		policy := importsvc.ImportPolicy(mf.Policy)
		p.ImportPolicy = &policy
	}
	if mf.BatchSize > 0 {
		size := mf.BatchSize
		p.BatchSize = &size
	}
	return p
}
