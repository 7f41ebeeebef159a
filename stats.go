// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/finngen/mmpmerge/blockreader"
	"github.com/finngen/mmpmerge/codec"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

type statscmd struct {
	columns    columnFlags
	bufferSize int
}

// FileStats summarizes a summary statistics file.
type FileStats struct {
	Tag              string
	Compressed       bool
	Bytes            int64
	Variants         int
	BelowThreshold   int
	Threshold        float64
	ByChromosome     map[uint32]int
	MinPValue        float64
	GenomicInflation float64 `json:",omitempty"` // median observed chi-square / expected median
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	cmd.columns.Flags(flags)
	pprof := flags.String("pprof", "", "serve Go profile data and metrics at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.IntVar(&cmd.bufferSize, "buffersize", DefaultPipelineConfig.BufferSize, "read input in blocks of `N` bytes")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	serveDebug(*pprof)

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "mmpmerge stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename, &cmd.columns.config)
		if err != nil {
			return 1
		}
		runner.Args = append([]string{"stats", "-local=true", "-o", "/mnt/output/stats.json", "-i", *inputFilename}, cmd.columns.args()...)
		var output string
		output, err = runner.Run(context.Background())
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	conf, err := cmd.columns.FileConfiguration(*inputFilename)
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

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = cmd.doStats(context.Background(), input, conf, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(ctx context.Context, input io.Reader, conf codec.FileConfiguration, output io.Writer) error {
	rdr, err := blockreader.NewReader(input, cmd.bufferSize)
	if err != nil {
		return err
	}
	defer rdr.Close()
	header, err := rdr.Next()
	if err == io.EOF {
		return ErrNoHeader
	} else if err != nil {
		return err
	}
	md, err := codec.CreateColumnIndex(header.Data, conf)
	if err != nil {
		return err
	}
	ret := FileStats{
		Tag:          conf.Tag,
		Compressed:   rdr.Compressed(),
		Bytes:        int64(len(header.Data)),
		Threshold:    conf.PvalThreshold,
		ByChromosome: map[uint32]int{},
		MinPValue:    1,
	}
	var chisq []float64
	expected := distuv.ChiSquared{K: 1, Src: randSource}
	err = rdr.Each(ctx, func(chunk blockreader.Chunk) error {
		ret.Bytes += int64(len(chunk.Data))
		return codec.Scan(chunk.Data, md, func(row *codec.Row) error {
			ret.Variants++
			ret.ByChromosome[row.Variant.Chromosome]++
			if row.PValue < md.PvalThreshold {
				ret.BelowThreshold++
			}
			if row.PValue < ret.MinPValue {
				ret.MinPValue = row.PValue
			}
			if row.PValue > 0 && row.PValue <= 1 {
				chisq = append(chisq, expected.Quantile(1-row.PValue))
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(chisq) > 0 {
		sort.Float64s(chisq)
		ret.GenomicInflation = stat.Quantile(0.5, stat.Empirical, chisq, nil) / expected.Quantile(0.5)
	}
	log.Infof("%s: %d variants, %d below %g, lambda %.4f", conf.Tag, ret.Variants, ret.BelowThreshold, conf.PvalThreshold, ret.GenomicInflation)
	return json.NewEncoder(output).Encode(ret)
}

// args returns command line arguments that reproduce cf.
func (cf *columnFlags) args() []string {
	args := []string{
		"-chrom-column=" + cf.cols.ChromosomeColumn,
		"-pos-column=" + cf.cols.PositionColumn,
		"-ref-column=" + cf.cols.ReferenceColumn,
		"-alt-column=" + cf.cols.AlternativeColumn,
		"-pval-column=" + cf.cols.PValueColumn,
		"-beta-column=" + cf.cols.BetaColumn,
		"-sebeta-column=" + cf.cols.SEBetaColumn,
		"-af-column=" + cf.cols.AFColumn,
		fmt.Sprintf("-threshold=%g", cf.threshold),
		"-delimiter=" + cf.delimiter,
	}
	if cf.tag != "" {
		args = append(args, "-tag="+cf.tag)
	}
	if cf.config != "" {
		args = append(args, "-file-config="+cf.config)
	}
	return args
}
