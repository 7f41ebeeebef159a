// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"github.com/finngen/mmpmerge/codec"
)

// VariantPartition is an ordered list of variant keys. Its index in
// a VariantPartitionSet is the block index used by every source.
type VariantPartition = []string

type VariantPartitionSet = [][]string

// SummaryBlock is an encoded block of statistics rows for one
// partition and one source. Only the codec looks inside.
type SummaryBlock = []byte

// SummaryPass holds one source's blocks, indexed like the
// VariantPartitionSet they were built from.
type SummaryPass = [][]byte

// PassAccumulator collects one pass per source, in the order the
// sources were processed.
type PassAccumulator []SummaryPass

// DelimitedResult is a merged table: a header line and
// newline-joined data rows, neither with a trailing newline.
type DelimitedResult struct {
	Header string
	Data   string
}

// String returns the result as file content: the header and data
// lines, each ending with a newline.
func (r DelimitedResult) String() string {
	if r.Header == "" && r.Data == "" {
		return ""
	} else if r.Data == "" {
		return r.Header + "\n"
	}
	return r.Header + "\n" + r.Data + "\n"
}

// PipelineConfig controls chunking and partitioning.
type PipelineConfig struct {
	BufferSize int `json:"buffersize" validate:"gt=0"`
	BlockSize  int `json:"blocksize" validate:"gt=0"`
}

// DefaultPipelineConfig matches the defaults of the merge service.
var DefaultPipelineConfig = PipelineConfig{
	BufferSize: 1 << 20,
	BlockSize:  1024,
}

// StepCallback receives pipeline progress. Any field may be nil.
type StepCallback struct {
	Processing func(step string)
	Success    func(step string)
	Error      func(step string, err error)
}

func (cb *StepCallback) processing(step string) {
	if cb != nil && cb.Processing != nil {
		cb.Processing(step)
	}
}

func (cb *StepCallback) success(step string) {
	if cb != nil && cb.Success != nil {
		cb.Success(step)
	}
}

func (cb *StepCallback) error(step string, err error) {
	if cb != nil && cb.Error != nil {
		cb.Error(step, err)
	}
}

// Codec is the row encoding used by the pipeline. codec.Codec is the
// standard implementation.
type Codec interface {
	CreateColumnIndex(header []byte, conf codec.FileConfiguration) (codec.BlockMetadata, error)
	FilterVariants(chunk []byte, md codec.BlockMetadata) ([]string, error)
	EncodeRowsToBlocks(chunk []byte, md codec.BlockMetadata, partitions [][]string) ([][]byte, error)
	MergeBlocks(a, b []byte) ([]byte, error)
	BlocksToText(blocks [][]byte, delimiter string, withKey bool) ([]string, error)
	HeaderFromBlocks(blocks [][]byte, delimiter string, withKey bool) (string, error)
	EmptyBlockLike(ref []byte) ([]byte, error)
}

var _ Codec = codec.Codec{}

// passEncoderCodec is implemented by codecs that can encode a whole
// file without re-encoding earlier blocks for every chunk. Other
// codecs are folded chunk by chunk with MergeBlocks.
type passEncoderCodec interface {
	NewPassEncoder(md codec.BlockMetadata, partitions [][]string) codec.PassEncoder
}

var _ passEncoderCodec = codec.Codec{}
