// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// FileColumnsDefinition names the columns to read from a summary
// statistics file.
type FileColumnsDefinition struct {
	ChromosomeColumn  string `json:"chromosomeColumn" validate:"required"`
	PositionColumn    string `json:"positionColumn" validate:"required"`
	ReferenceColumn   string `json:"referenceColumn" validate:"required"`
	AlternativeColumn string `json:"alternativeColumn" validate:"required"`
	PValueColumn      string `json:"pValueColumn" validate:"required"`
	BetaColumn        string `json:"betaColumn" validate:"required"`
	SEBetaColumn      string `json:"sebetaColumn" validate:"required"`
	AFColumn          string `json:"afColumn" validate:"required"`
}

// FileColumnsIndex holds the zero-based position of each column in
// a file's header.
type FileColumnsIndex struct {
	Chromosome  int `json:"chromosomeColumn"`
	Position    int `json:"positionColumn"`
	Reference   int `json:"referenceColumn"`
	Alternative int `json:"alternativeColumn"`
	PValue      int `json:"pValueColumn"`
	Beta        int `json:"betaColumn"`
	SEBeta      int `json:"sebetaColumn"`
	AF          int `json:"afColumn"`
}

// MaxIndex returns the largest configured column index.
func (idx FileColumnsIndex) MaxIndex() int {
	max := idx.Chromosome
	for _, i := range []int{idx.Position, idx.Reference, idx.Alternative, idx.PValue, idx.Beta, idx.SEBeta, idx.AF} {
		if i > max {
			max = i
		}
	}
	return max
}

// keyMaxIndex returns the largest index among the columns needed to
// build a variant key and test its p-value.
func (idx FileColumnsIndex) keyMaxIndex() int {
	max := idx.Chromosome
	for _, i := range []int{idx.Position, idx.Reference, idx.Alternative, idx.PValue} {
		if i > max {
			max = i
		}
	}
	return max
}

// FileConfiguration is the per-file input to CreateColumnIndex.
type FileConfiguration struct {
	Tag string `json:"tag" validate:"required"`
	FileColumnsDefinition
	PvalThreshold float64 `json:"pval_threshold" validate:"gt=0"`
	Delimiter     string  `json:"delimiter" validate:"required"`
}

func (conf FileConfiguration) Validate() error {
	return validate.Struct(conf)
}

// BlockMetadata is a FileConfiguration resolved against a header.
// It is created once per file and not modified afterward.
type BlockMetadata struct {
	Tag string `json:"tag"`
	FileColumnsIndex
	PvalThreshold float64 `json:"pval_threshold"`
	Delimiter     string  `json:"delimiter"`
}

// ParseFileConfiguration decodes a JSON file configuration over
// defaults and validates the result.
func ParseFileConfiguration(data []byte, defaults FileConfiguration) (FileConfiguration, error) {
	conf := defaults
	if err := json.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("file configuration: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("file configuration: %w", err)
	}
	return conf, nil
}

// CreateColumnIndex finds the configured columns in header (the
// first line of the file, with or without its line terminator).
func CreateColumnIndex(header []byte, conf FileConfiguration) (BlockMetadata, error) {
	if conf.Delimiter == "" {
		return BlockMetadata{}, ErrEmptyDelimiter
	}
	columns := strings.Split(strings.TrimSpace(string(header)), conf.Delimiter)
	position := make(map[string]int, len(columns))
	for i, col := range columns {
		col = strings.TrimSpace(col)
		if _, dup := position[col]; !dup {
			position[col] = i
		}
	}
	var idx FileColumnsIndex
	for _, c := range []struct {
		name string
		dst  *int
	}{
		{conf.ChromosomeColumn, &idx.Chromosome},
		{conf.PositionColumn, &idx.Position},
		{conf.ReferenceColumn, &idx.Reference},
		{conf.AlternativeColumn, &idx.Alternative},
		{conf.PValueColumn, &idx.PValue},
		{conf.BetaColumn, &idx.Beta},
		{conf.SEBetaColumn, &idx.SEBeta},
		{conf.AFColumn, &idx.AF},
	} {
		i, ok := position[c.name]
		if !ok {
			return BlockMetadata{}, &MissingColumnError{Column: c.name}
		}
		*c.dst = i
	}
	return BlockMetadata{
		Tag:              conf.Tag,
		FileColumnsIndex: idx,
		PvalThreshold:    conf.PvalThreshold,
		Delimiter:        conf.Delimiter,
	}, nil
}
