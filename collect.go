// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"context"
	"fmt"
	"io"

	"github.com/finngen/mmpmerge/blockreader"
	"github.com/finngen/mmpmerge/codec"
	log "github.com/sirupsen/logrus"
)

// Collector reads local summary statistics files and runs them
// through a Codec.
type Collector struct {
	Codec      Codec
	BufferSize int
	Callback   *StepCallback
	Metrics    *Metrics
}

// readHeader opens a chunk reader on r and returns it along with the
// header chunk. If r is empty the returned reader is nil.
func (cl *Collector) readHeader(r io.Reader) (*blockreader.Reader, []byte, error) {
	rdr, err := blockreader.NewReader(r, cl.BufferSize)
	if err != nil {
		return nil, nil, err
	}
	chunk, err := rdr.Next()
	if err == io.EOF {
		rdr.Close()
		return nil, nil, nil
	} else if err != nil {
		rdr.Close()
		return nil, nil, err
	}
	cl.Metrics.chunk(len(chunk.Data))
	return rdr, chunk.Data, nil
}

// Variants reads the header and data rows of r, and returns the
// resolved column metadata and the keys of all variants below the
// p-value threshold, in file order.
func (cl *Collector) Variants(ctx context.Context, name string, r io.Reader, conf codec.FileConfiguration) (md codec.BlockMetadata, keys []string, err error) {
	step := "variants: " + name
	cl.Callback.processing(step)
	defer cl.Metrics.timeStage("variants")()
	defer func() {
		if err != nil {
			cl.Callback.error(step, err)
		} else {
			cl.Callback.success(step)
		}
	}()
	rdr, header, err := cl.readHeader(r)
	if err != nil {
		return
	} else if rdr == nil {
		err = ErrNoHeader
		return
	}
	defer rdr.Close()
	md, err = cl.Codec.CreateColumnIndex(header, conf)
	if err != nil {
		return
	}
	err = rdr.Each(ctx, func(chunk blockreader.Chunk) error {
		cl.Metrics.chunk(len(chunk.Data))
		found, err := cl.Codec.FilterVariants(chunk.Data, md)
		if err != nil {
			return fmt.Errorf("chunk at offset %d: %w", chunk.Offset, err)
		}
		log.Debugf("%s: offset %d: %d bytes, %d variants", name, chunk.Offset, len(chunk.Data), len(found))
		cl.Metrics.variants(len(found))
		keys = append(keys, found...)
		return nil
	})
	if err != nil {
		return
	}
	log.Infof("%s: %d variants below threshold %g", name, len(keys), md.PvalThreshold)
	return
}

// Rows encodes the data rows of r into one block per partition and
// appends the resulting pass to acc. The header line of r is
// skipped; md should come from an earlier call to Variants.
//
// The pass always has len(partitions) blocks. If r has a header but
// no data rows, the pass holds empty blocks. If r is empty, acc is
// returned unchanged.
func (cl *Collector) Rows(ctx context.Context, name string, r io.Reader, md codec.BlockMetadata, partitions VariantPartitionSet, acc PassAccumulator) (_ PassAccumulator, err error) {
	step := "rows: " + name
	cl.Callback.processing(step)
	defer cl.Metrics.timeStage("rows")()
	defer func() {
		if err != nil {
			cl.Callback.error(step, err)
		} else {
			cl.Callback.success(step)
		}
	}()
	rdr, _, err := cl.readHeader(r)
	if err != nil {
		return acc, err
	} else if rdr == nil {
		return acc, nil
	}
	defer rdr.Close()
	var pe codec.PassEncoder
	if pc, ok := cl.Codec.(passEncoderCodec); ok {
		pe = pc.NewPassEncoder(md, partitions)
	} else {
		pe = &foldEncoder{codec: cl.Codec, md: md, partitions: partitions}
	}
	err = rdr.Each(ctx, func(chunk blockreader.Chunk) error {
		cl.Metrics.chunk(len(chunk.Data))
		log.Debugf("%s: encoding %d bytes at offset %d", name, len(chunk.Data), chunk.Offset)
		if err := pe.Add(chunk.Data); err != nil {
			return fmt.Errorf("chunk at offset %d: %w", chunk.Offset, err)
		}
		return nil
	})
	if err != nil {
		return acc, err
	}
	pass, err := pe.Blocks()
	if err != nil {
		return acc, err
	}
	if len(pass) != len(partitions) {
		return acc, &CodecContractError{Op: "Blocks", Detail: fmt.Sprintf("returned %d blocks for %d partitions", len(pass), len(partitions))}
	}
	log.Infof("%s: encoded %d blocks", name, len(pass))
	return append(acc, pass), nil
}

// foldEncoder encodes each chunk separately and merges the result
// into the blocks of the earlier chunks.
type foldEncoder struct {
	codec      Codec
	md         codec.BlockMetadata
	partitions [][]string
	pass       SummaryPass
}

func (fe *foldEncoder) Add(chunk []byte) error {
	blocks, err := fe.codec.EncodeRowsToBlocks(chunk, fe.md, fe.partitions)
	if err != nil {
		return err
	}
	if len(blocks) != len(fe.partitions) {
		return &CodecContractError{Op: "EncodeRowsToBlocks", Detail: fmt.Sprintf("returned %d blocks for %d partitions", len(blocks), len(fe.partitions))}
	}
	if fe.pass == nil {
		fe.pass = blocks
		return nil
	}
	for i, block := range blocks {
		fe.pass[i], err = fe.codec.MergeBlocks(fe.pass[i], block)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	return nil
}

func (fe *foldEncoder) Blocks() ([][]byte, error) {
	if fe.pass == nil {
		if err := fe.Add(nil); err != nil {
			return nil, err
		}
	}
	return fe.pass, nil
}

// Metadata reads only the header of r and resolves the configured
// columns.
func (cl *Collector) Metadata(r io.Reader, conf codec.FileConfiguration) (codec.BlockMetadata, error) {
	rdr, header, err := cl.readHeader(r)
	if err != nil {
		return codec.BlockMetadata{}, err
	} else if rdr == nil {
		return codec.BlockMetadata{}, ErrNoHeader
	}
	defer rdr.Close()
	return cl.Codec.CreateColumnIndex(header, conf)
}
