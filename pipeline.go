// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/finngen/mmpmerge/codec"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// LocalFile is a summary statistics file to merge.
type LocalFile struct {
	Name   string
	Open   func() (io.ReadCloser, error)
	Config codec.FileConfiguration

	// If not nil, these variant keys are used instead of the
	// variants below the p-value threshold.
	Variants []string
}

// Pipeline merges local files with the results of the merge
// service. With a nil Remote, only the local file's own statistics
// are output.
type Pipeline struct {
	Codec  Codec
	Remote *RemoteClient
	Inputs []FileArtifact
	Config PipelineConfig

	// Field separator used in LocalFile.Variants (default ":").
	VariantsDelimiter string
	// Prefix output rows with chrom, pos, ref and alt columns.
	WithKey bool

	Callback *StepCallback
	Metrics  *Metrics
}

// Run returns the merged table for lf. On failure it reports the
// failing step to the callback and returns an empty result with the
// error.
func (p *Pipeline) Run(ctx context.Context, lf LocalFile) (result DelimitedResult, err error) {
	step := "pipeline: " + lf.Name
	p.Callback.processing(step)
	defer p.Metrics.timeStage("pipeline")()
	defer func() {
		if err != nil {
			p.Callback.error(step, err)
			result = DelimitedResult{}
		} else {
			p.Callback.success(step)
		}
	}()

	cl := &Collector{
		Codec:      p.Codec,
		BufferSize: p.Config.BufferSize,
		Callback:   p.Callback,
		Metrics:    p.Metrics,
	}
	md, keys, err := p.variants(ctx, cl, lf)
	if err != nil {
		return
	}

	var acc PassAccumulator
	var partitions VariantPartitionSet
	if p.Remote == nil {
		partitions = VariantPartitionSet{keys}
	} else {
		var remotePass SummaryPass
		partitions, remotePass, err = p.remote(ctx, keys)
		if err != nil {
			return
		}
		acc = append(acc, remotePass)
	}

	acc, err = p.rows(ctx, cl, lf, md, partitions, acc)
	if err != nil {
		return
	}

	mergeStep := "merge: " + lf.Name
	p.Callback.processing(mergeStep)
	done := p.Metrics.timeStage("merge")
	result, err = MergeStatistics(p.Codec, md.Delimiter, acc, p.WithKey)
	done()
	if err != nil {
		p.Callback.error(mergeStep, err)
		return
	}
	p.Callback.success(mergeStep)
	return
}

func (p *Pipeline) variants(ctx context.Context, cl *Collector, lf LocalFile) (codec.BlockMetadata, []string, error) {
	f, err := lf.Open()
	if err != nil {
		return codec.BlockMetadata{}, nil, err
	}
	defer f.Close()
	if lf.Variants == nil {
		return cl.Variants(ctx, lf.Name, f, lf.Config)
	}
	md, err := cl.Metadata(f, lf.Config)
	if err != nil {
		return md, nil, err
	}
	sep := p.VariantsDelimiter
	if sep == "" {
		sep = ":"
	}
	keys, err := NormalizeVariantKeys(lf.Variants, sep)
	if err != nil {
		return md, nil, err
	}
	log.Infof("%s: using %d supplied variants", lf.Name, len(keys))
	return md, keys, nil
}

func (p *Pipeline) rows(ctx context.Context, cl *Collector, lf LocalFile, md codec.BlockMetadata, partitions VariantPartitionSet, acc PassAccumulator) (PassAccumulator, error) {
	f, err := lf.Open()
	if err != nil {
		return acc, err
	}
	defer f.Close()
	return cl.Rows(ctx, lf.Name, f, md, partitions, acc)
}

// remote submits keys to the merge service, and returns the
// partitions to use for the local pass along with the service's
// pass.
func (p *Pipeline) remote(ctx context.Context, keys []string) (VariantPartitionSet, SummaryPass, error) {
	jr := JobRequest{Inputs: p.Inputs, Variants: keys, BlockSize: p.Config.BlockSize}
	if jr.Variants == nil {
		jr.Variants = []string{}
	}
	if buf, err := json.Marshal(jr); err == nil {
		log.Debugf("job request fingerprint %x", blake2b.Sum256(buf))
	}

	var jobID string
	err := p.step("create job", func() (err error) {
		jobID, err = p.Remote.CreateJob(ctx, jr)
		return
	})
	if err != nil {
		return nil, nil, err
	}

	var summary *JobSummary
	err = p.step("wait for job", func() (err error) {
		summary, err = p.Remote.WaitForSummary(ctx, jobID)
		return
	})
	if err != nil {
		return nil, nil, err
	}
	remoteParts, err := NormalizePartitions(summary.Variants, codec.KeySeparator)
	if err != nil {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	if summary.BlockCount != len(remoteParts) {
		log.WithField("job_id", jobID).Warnf("service reported %d blocks but %d variant partitions", summary.BlockCount, len(remoteParts))
	}
	blockSize := p.Config.BlockSize
	if blockSize < 1 {
		blockSize = DefaultPipelineConfig.BlockSize
	}
	partitions := ComputePartitions(keys, remoteParts, blockSize)
	log.WithField("job_id", jobID).Infof("%d partitions (%d from merge service)", len(partitions), len(remoteParts))

	var pass SummaryPass
	err = p.step("fetch blocks", func() (err error) {
		pass, err = p.Remote.FetchBlocks(ctx, jobID, summary.BlockCount)
		return
	})
	if err != nil {
		return nil, nil, err
	}
	return partitions, pass, nil
}

func (p *Pipeline) step(name string, fn func() error) error {
	p.Callback.processing(name)
	defer p.Metrics.timeStage(name)()
	err := fn()
	if err != nil {
		p.Callback.error(name, err)
	} else {
		p.Callback.success(name)
	}
	return err
}
