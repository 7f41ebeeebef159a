// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestDefaults(c *check.C) {
	cfg, err := ParseConfig([]byte(`{"finngenFiles":[{"key":"T2D"}]}`))
	c.Assert(err, check.IsNil)
	c.Check(cfg.Remote.URL, check.Equals, DefaultRemoteURL)
	c.Check(cfg.VariantsDelimiter, check.Equals, ":")
	c.Check(*cfg.PipelineConfig, check.Equals, DefaultPipelineConfig)

	rc := cfg.RemoteClient(nil)
	c.Check(rc.PollInterval, check.Equals, 10*time.Second)
	c.Check(rc.PollTimeout, check.Equals, 30*time.Minute)
	c.Check(rc.FetchConcurrency, check.Equals, 4)

	arts, err := cfg.Artifacts()
	c.Assert(err, check.IsNil)
	c.Assert(arts, check.HasLen, 1)
	c.Check(arts[0].Tag, check.Equals, "T2D")
	c.Check(arts[0].Phenocode, check.Equals, "T2D")
	c.Check(arts[0].Phenostring, check.Equals, "T2D")
	c.Check(arts[0].Collection, check.Equals, DefaultCollection)
	c.Check(arts[0].PvalThreshold, check.Equals, DefaultPvalThreshold)
	c.Check(arts[0].ChromosomeColumn, check.Equals, "#chrom")
	c.Check(arts[0].AFColumn, check.Equals, "af_alt")
}

func (s *configSuite) TestOverrides(c *check.C) {
	cfg, err := ParseConfig([]byte(`{
		"remote": {"url": "http://localhost:8080", "poll_interval": "2s", "poll_timeout": "1m", "max_poll_attempts": 7, "fetch_concurrency": 1},
		"finngenFiles": [{"fileId": "abc123", "pval_threshold": 0.01, "betaColumn": "b"}],
		"pipelineConfig": {"buffersize": 4096, "blocksize": 10},
		"localFileConfig": {"delimiter": ",", "pValueColumn": "p"},
		"variants_delimiter": "_"
	}`))
	c.Assert(err, check.IsNil)
	rc := cfg.RemoteClient(nil)
	c.Check(rc.BaseURL, check.Equals, "http://localhost:8080")
	c.Check(rc.PollInterval, check.Equals, 2*time.Second)
	c.Check(rc.PollTimeout, check.Equals, time.Minute)
	c.Check(rc.MaxPollAttempts, check.Equals, 7)
	c.Check(rc.FetchConcurrency, check.Equals, 1)
	c.Check(*cfg.PipelineConfig, check.Equals, PipelineConfig{BufferSize: 4096, BlockSize: 10})
	c.Check(cfg.VariantsDelimiter, check.Equals, "_")

	arts, err := cfg.Artifacts()
	c.Assert(err, check.IsNil)
	c.Check(arts[0].Tag, check.Equals, "finngen")
	c.Check(arts[0].FileID, check.Equals, "abc123")
	c.Check(arts[0].Phenocode, check.Equals, "")
	c.Check(arts[0].Collection, check.Equals, "")
	c.Check(arts[0].BetaColumn, check.Equals, "b")
	c.Check(arts[0].SEBetaColumn, check.Equals, "sebeta")
	c.Check(arts[0].PvalThreshold, check.Equals, 0.01)

	conf, err := cfg.LocalFileConfig.FileConfiguration("/data/Study-1.TSV.gz")
	c.Assert(err, check.IsNil)
	c.Check(conf.Tag, check.Equals, "Study-1")
	c.Check(conf.Delimiter, check.Equals, ",")
	c.Check(conf.PValueColumn, check.Equals, "p")
	c.Check(conf.ChromosomeColumn, check.Equals, "CHR")
	c.Check(conf.PvalThreshold, check.Equals, DefaultPvalThreshold)
}

func (s *configSuite) TestInvalid(c *check.C) {
	for _, trial := range []struct {
		json string
		err  string
	}{
		{`{}`, `config: missing finngenFiles array`},
		{`{"finngenFiles": {}}`, `config: json: .*`},
		{`{"finngenFiles": [], "remote": {"url": "not a url"}}`, `(?s)config: .*URL.*`},
		{`{"finngenFiles": [], "pipelineConfig": {"buffersize": 0, "blocksize": 1}}`, `(?s)config: .*BufferSize.*`},
		{`{"finngenFiles": [], "remote": {"poll_interval": "soon"}}`, `config: .*`},
		{`{"finngenFiles": [{"key": "x", "pval_threshold": -1}]}`, `(?s)config: finngenFiles\[0\]: .*PvalThreshold.*`},
	} {
		_, err := ParseConfig([]byte(trial.json))
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%s", trial.json))
	}
}

func (s *configSuite) TestLoadConfig(c *check.C) {
	tmpdir := c.MkDir()
	fnm := filepath.Join(tmpdir, "config.json")
	c.Assert(os.WriteFile(fnm, []byte(`{"finngenFiles":[]}`), 0600), check.IsNil)
	cfg, err := LoadConfig(fnm)
	c.Assert(err, check.IsNil)
	c.Check(cfg.FinngenFiles, check.HasLen, 0)

	_, err = LoadConfig(filepath.Join(tmpdir, "missing.json"))
	c.Check(os.IsNotExist(err), check.Equals, true)
}

func (s *configSuite) TestFileTag(c *check.C) {
	for in, want := range map[string]string{
		"study.tsv":           "study",
		"dir/study.txt.gz":    "study",
		"study.csv":           "study.csv",
		"study.tsv.bgz":       "study.tsv.bgz",
		"/a/b/MY.GWAS.tsv.GZ": "MY.GWAS",
		"study.tsv.zst":       "study",
	} {
		c.Check(FileTag(in), check.Equals, want)
	}
}
