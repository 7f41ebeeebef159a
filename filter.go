// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/finngen/mmpmerge/codec"
	log "github.com/sirupsen/logrus"
)

// columnFlags configures the layout of a local input file from
// command line flags.
type columnFlags struct {
	cols      codec.FileColumnsDefinition
	threshold float64
	delimiter string
	tag       string
	config    string
}

func (cf *columnFlags) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cf.cols.ChromosomeColumn, "chrom-column", "CHR", "chromosome column `name`")
	flags.StringVar(&cf.cols.PositionColumn, "pos-column", "POS", "position column `name`")
	flags.StringVar(&cf.cols.ReferenceColumn, "ref-column", "REF", "reference allele column `name`")
	flags.StringVar(&cf.cols.AlternativeColumn, "alt-column", "ALT", "alternative allele column `name`")
	flags.StringVar(&cf.cols.PValueColumn, "pval-column", "PVAL", "p-value column `name`")
	flags.StringVar(&cf.cols.BetaColumn, "beta-column", "BETA", "effect size column `name`")
	flags.StringVar(&cf.cols.SEBetaColumn, "sebeta-column", "SE", "standard error column `name`")
	flags.StringVar(&cf.cols.AFColumn, "af-column", "AF", "allele frequency column `name`")
	flags.Float64Var(&cf.threshold, "threshold", DefaultPvalThreshold, "select variants with p-value below `P`")
	flags.StringVar(&cf.delimiter, "delimiter", "\t", "field delimiter")
	flags.StringVar(&cf.tag, "tag", "", "column name prefix (default: input file name)")
	flags.StringVar(&cf.config, "file-config", "", "read the file configuration from JSON `file` instead of the column flags (-tag still applies)")
}

func (cf *columnFlags) FileConfiguration(path string) (codec.FileConfiguration, error) {
	tag := cf.tag
	if tag == "" {
		tag = FileTag(path)
	}
	if cf.config != "" {
		return cf.loadFileConfiguration(tag)
	}
	conf := codec.FileConfiguration{
		Tag:                   tag,
		FileColumnsDefinition: cf.cols,
		PvalThreshold:         cf.threshold,
		Delimiter:             cf.delimiter,
	}
	return conf, conf.Validate()
}

// loadFileConfiguration reads the -file-config file. Fields missing
// from the file take their defaults, and -tag overrides the file.
func (cf *columnFlags) loadFileConfiguration(tag string) (codec.FileConfiguration, error) {
	f, err := open(cf.config)
	if err != nil {
		return codec.FileConfiguration{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return codec.FileConfiguration{}, err
	}
	conf, err := codec.ParseFileConfiguration(data, codec.FileConfiguration{
		Tag:           tag,
		PvalThreshold: DefaultPvalThreshold,
		Delimiter:     "\t",
	})
	if err != nil {
		return conf, fmt.Errorf("%s: %w", cf.config, err)
	}
	if cf.tag != "" {
		conf.Tag = cf.tag
	}
	return conf, nil
}

type variantsCmd struct{}

func (cmd *variantsCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var cf columnFlags
	cf.Flags(flags)
	inputFilename := flags.String("i", "-", "input `file`")
	separator := flags.String("separator", ":", "output field separator for variant keys")
	bufferSize := flags.Int("buffersize", DefaultPipelineConfig.BufferSize, "read input in blocks of `N` bytes")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)
	conf, err := cf.FileConfiguration(*inputFilename)
	if err != nil {
		return 2
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	cl := &Collector{Codec: codec.Codec{}, BufferSize: *bufferSize, Metrics: metrics}
	_, keys, err := cl.Variants(context.Background(), conf.Tag, input, conf)
	if err != nil {
		return 1
	}
	bufw := bufio.NewWriter(stdout)
	for _, key := range keys {
		fmt.Fprintln(bufw, strings.Replace(key, codec.KeySeparator, *separator, -1))
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	return 0
}
