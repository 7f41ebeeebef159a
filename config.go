// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/finngen/mmpmerge/codec"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config is the content of a merge configuration file.
type Config struct {
	Remote            RemoteConfig    `json:"remote"`
	FinngenFiles      []FinngenFile   `json:"finngenFiles"`
	PipelineConfig    *PipelineConfig `json:"pipelineConfig"`
	LocalFileConfig   LocalFileConfig `json:"localFileConfig" validate:"-"`
	VariantsDelimiter string          `json:"variants_delimiter"`
}

type RemoteConfig struct {
	URL              string           `json:"url" validate:"omitempty,url"`
	PollInterval     arvados.Duration `json:"poll_interval"`
	PollTimeout      arvados.Duration `json:"poll_timeout"`
	MaxPollAttempts  int              `json:"max_poll_attempts" validate:"gte=0"`
	FetchConcurrency int              `json:"fetch_concurrency" validate:"gte=0"`
}

// FinngenFile selects a summary statistics file held by the merge
// service. Empty fields take the service's defaults.
type FinngenFile struct {
	Key         string `json:"key"`
	Collection  string `json:"collection"`
	Phenocode   string `json:"phenocode"`
	Phenostring string `json:"phenostring"`
	FileID      string `json:"fileId"`
	codec.FileColumnsDefinition
	PvalThreshold float64 `json:"pval_threshold"`
}

// LocalFileConfig describes the layout of the local input files.
// Empty fields take default values.
type LocalFileConfig struct {
	codec.FileColumnsDefinition
	PvalThreshold float64 `json:"pval_threshold"`
	Delimiter     string  `json:"delimiter"`
}

const (
	DefaultRemoteURL     = "https://mmp.finngen.fi"
	DefaultCollection    = "public-metaresults-fg-ukbb"
	DefaultPvalThreshold = 0.05
)

var (
	defaultRemoteColumns = codec.FileColumnsDefinition{
		ChromosomeColumn:  "#chrom",
		PositionColumn:    "pos",
		ReferenceColumn:   "ref",
		AlternativeColumn: "alt",
		PValueColumn:      "pval",
		BetaColumn:        "beta",
		SEBetaColumn:      "sebeta",
		AFColumn:          "af_alt",
	}
	defaultLocalColumns = codec.FileColumnsDefinition{
		ChromosomeColumn:  "CHR",
		PositionColumn:    "POS",
		ReferenceColumn:   "REF",
		AlternativeColumn: "ALT",
		PValueColumn:      "PVAL",
		BetaColumn:        "BETA",
		SEBetaColumn:      "SE",
		AFColumn:          "AF",
	}
)

func firstNonEmpty(s ...string) string {
	for _, s := range s {
		if s != "" {
			return s
		}
	}
	return ""
}

func withDefaultColumns(cols, def codec.FileColumnsDefinition) codec.FileColumnsDefinition {
	return codec.FileColumnsDefinition{
		ChromosomeColumn:  firstNonEmpty(cols.ChromosomeColumn, def.ChromosomeColumn),
		PositionColumn:    firstNonEmpty(cols.PositionColumn, def.PositionColumn),
		ReferenceColumn:   firstNonEmpty(cols.ReferenceColumn, def.ReferenceColumn),
		AlternativeColumn: firstNonEmpty(cols.AlternativeColumn, def.AlternativeColumn),
		PValueColumn:      firstNonEmpty(cols.PValueColumn, def.PValueColumn),
		BetaColumn:        firstNonEmpty(cols.BetaColumn, def.BetaColumn),
		SEBetaColumn:      firstNonEmpty(cols.SEBetaColumn, def.SEBetaColumn),
		AFColumn:          firstNonEmpty(cols.AFColumn, def.AFColumn),
	}
}

// Artifact returns the request form of ff, with defaults filled in.
func (ff FinngenFile) Artifact() FileArtifact {
	art := FileArtifact{
		Tag:                   firstNonEmpty(ff.Key, ff.Phenocode, "finngen"),
		FileColumnsDefinition: withDefaultColumns(ff.FileColumnsDefinition, defaultRemoteColumns),
		PvalThreshold:         ff.PvalThreshold,
		FileID:                ff.FileID,
	}
	if art.PvalThreshold == 0 {
		art.PvalThreshold = DefaultPvalThreshold
	}
	if ff.FileID == "" {
		art.Collection = firstNonEmpty(ff.Collection, DefaultCollection)
		art.Phenocode = firstNonEmpty(ff.Phenocode, ff.Key)
		art.Phenostring = firstNonEmpty(ff.Phenostring, ff.Phenocode, ff.Key)
	}
	return art
}

// Artifacts returns the request form of all configured merge
// service files.
func (cfg *Config) Artifacts() ([]FileArtifact, error) {
	arts := make([]FileArtifact, len(cfg.FinngenFiles))
	for i, ff := range cfg.FinngenFiles {
		arts[i] = ff.Artifact()
		if err := validate.Struct(arts[i]); err != nil {
			return nil, fmt.Errorf("finngenFiles[%d]: %w", i, err)
		}
	}
	return arts, nil
}

var tagSuffixRe = regexp.MustCompile(`(?i)(\.(tsv|txt|gz|zst))+$`)

// FileTag returns the tag for a local file: its base name without
// .tsv, .txt, .gz and .zst suffixes.
func FileTag(path string) string {
	return tagSuffixRe.ReplaceAllString(filepath.Base(path), "")
}

// FileConfiguration returns the configuration for the local file at
// path.
func (lfc LocalFileConfig) FileConfiguration(path string) (codec.FileConfiguration, error) {
	conf := codec.FileConfiguration{
		Tag:                   FileTag(path),
		FileColumnsDefinition: withDefaultColumns(lfc.FileColumnsDefinition, defaultLocalColumns),
		PvalThreshold:         lfc.PvalThreshold,
		Delimiter:             firstNonEmpty(lfc.Delimiter, "\t"),
	}
	if conf.PvalThreshold == 0 {
		conf.PvalThreshold = DefaultPvalThreshold
	}
	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("%s: %w", path, err)
	}
	return conf, nil
}

// LoadConfig reads and validates a configuration file, filling in
// defaults.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

func ParseConfig(buf []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.FinngenFiles == nil {
		return nil, fmt.Errorf("config: missing finngenFiles array")
	}
	if cfg.Remote.URL == "" {
		cfg.Remote.URL = DefaultRemoteURL
	}
	if cfg.Remote.PollInterval == 0 {
		cfg.Remote.PollInterval = arvados.Duration(10 * time.Second)
	}
	if cfg.Remote.PollTimeout == 0 {
		cfg.Remote.PollTimeout = arvados.Duration(30 * time.Minute)
	}
	if cfg.Remote.FetchConcurrency == 0 {
		cfg.Remote.FetchConcurrency = 4
	}
	if cfg.PipelineConfig == nil {
		pc := DefaultPipelineConfig
		cfg.PipelineConfig = &pc
	}
	if cfg.VariantsDelimiter == "" {
		cfg.VariantsDelimiter = ":"
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := cfg.Artifacts(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// RemoteClient returns a client for the configured merge service.
func (cfg *Config) RemoteClient(m *Metrics) *RemoteClient {
	return &RemoteClient{
		BaseURL:          cfg.Remote.URL,
		PollInterval:     time.Duration(cfg.Remote.PollInterval),
		PollTimeout:      time.Duration(cfg.Remote.PollTimeout),
		MaxPollAttempts:  cfg.Remote.MaxPollAttempts,
		FetchConcurrency: cfg.Remote.FetchConcurrency,
		Metrics:          m,
	}
}
