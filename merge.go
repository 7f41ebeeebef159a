// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/finngen/mmpmerge/codec"
	log "github.com/sirupsen/logrus"
)

type merger struct {
	stdin    io.Reader
	inputs   []string
	config   *Config
	withKey  bool
	meta     bool
	offline  bool
	numpyDir string
	variants []string
}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data and metrics at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	configFilename := flags.String("config", "", "configuration `file` (JSON)")
	outputFilename := flags.String("o", "merged.tsv", "output `file` (with multiple inputs, -TAG is inserted before the extension)")
	variantsFilename := flags.String("variants", "", "use variants listed in `file` (one chrom:pos:ref:alt per line) instead of selecting by p-value")
	flags.BoolVar(&cmd.withKey, "with-key", false, "include chrom, pos, ref and alt columns")
	flags.BoolVar(&cmd.meta, "meta", false, "append inverse-variance meta-analysis columns")
	flags.BoolVar(&cmd.offline, "offline", false, "do not contact the merge service; output local statistics only")
	flags.StringVar(&cmd.numpyDir, "numpy", "", "also write numeric columns as .npy files in `dir`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	cmd.stdin = stdin
	cmd.inputs = flags.Args()
	if len(cmd.inputs) == 0 {
		err = errors.New("no input files specified")
		return 2
	}
	if *configFilename == "" {
		err = errors.New("-config is required")
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)
	serveDebug(*pprof)

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "mmpmerge merge",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         8000000000,
			VCPUs:       2,
			Priority:    *priority,
			APIAccess:   true,
		}
		err = runner.TranslatePaths(configFilename, variantsFilename)
		if err != nil {
			return 1
		}
		for i := range cmd.inputs {
			err = runner.TranslatePaths(&cmd.inputs[i])
			if err != nil {
				return 1
			}
		}
		outname := filepath.Base(*outputFilename)
		runner.Args = []string{"merge", "-local=true",
			"-loglevel=" + *loglevel,
			"-config=" + *configFilename,
			"-o=/mnt/output/" + outname,
			fmt.Sprintf("-with-key=%v", cmd.withKey),
			fmt.Sprintf("-meta=%v", cmd.meta),
			fmt.Sprintf("-offline=%v", cmd.offline),
		}
		if *variantsFilename != "" {
			runner.Args = append(runner.Args, "-variants="+*variantsFilename)
		}
		if cmd.numpyDir != "" {
			runner.Args = append(runner.Args, "-numpy=/mnt/output/numpy")
		}
		runner.Args = append(runner.Args, cmd.inputs...)
		var output string
		output, err = runner.Run(context.Background())
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/"+outname)
		return 0
	}

	cmd.config, err = LoadConfig(*configFilename)
	if err != nil {
		return 1
	}
	if *variantsFilename != "" {
		cmd.variants, err = readVariantsFile(*variantsFilename)
		if err != nil {
			return 1
		}
	}
	err = cmd.doMerge(context.Background(), *outputFilename)
	if err != nil {
		return 1
	}
	return 0
}

func readVariantsFile(fnm string) ([]string, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var variants []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			variants = append(variants, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("%s: no variants found", fnm)
	}
	return variants, nil
}

func (cmd *merger) doMerge(ctx context.Context, outputFilename string) error {
	arts, err := cmd.config.Artifacts()
	if err != nil {
		return err
	}
	pipeline := &Pipeline{
		Codec:             codec.Codec{},
		Inputs:            arts,
		Config:            *cmd.config.PipelineConfig,
		VariantsDelimiter: cmd.config.VariantsDelimiter,
		WithKey:           cmd.withKey,
		Metrics:           metrics,
		Callback: &StepCallback{
			Processing: func(step string) { log.Debugf("processing: %s", step) },
			Success:    func(step string) { log.Debugf("success: %s", step) },
			Error:      func(step string, err error) { log.Errorf("error in %s: %s", step, err) },
		},
	}
	if !cmd.offline {
		pipeline.Remote = cmd.config.RemoteClient(metrics)
	}
	for _, infile := range cmd.inputs {
		conf, err := cmd.config.LocalFileConfig.FileConfiguration(infile)
		if err != nil {
			return err
		}
		infile := infile
		result, err := pipeline.Run(ctx, LocalFile{
			Name:     conf.Tag,
			Open:     func() (io.ReadCloser, error) { return open(infile) },
			Config:   conf,
			Variants: cmd.variants,
		})
		if err != nil {
			return fmt.Errorf("%s: %w", infile, err)
		}
		if cmd.meta {
			result, err = MetaAnalysis(result, conf.Delimiter)
			if err != nil {
				return fmt.Errorf("%s: %w", infile, err)
			}
		}
		out := outputFilename
		if len(cmd.inputs) > 1 {
			out = outputPath(outputFilename, conf.Tag)
		}
		err = writeFileAtomic(out, func(w io.Writer) error {
			_, err := io.WriteString(w, result.String())
			return err
		})
		if err != nil {
			return err
		}
		rows := 0
		if result.Data != "" {
			rows = strings.Count(result.Data, "\n") + 1
		}
		log.Infof("wrote %d rows to %s", rows, out)
		if cmd.numpyDir != "" {
			err = writeNumpy(result, conf.Delimiter, cmd.numpyDir, conf.Tag)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
