// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package codec parses delimited summary statistics files and
// encodes their rows as opaque summary blocks, one block per variant
// partition.
package codec

// Codec exposes the package functions as methods, so callers can
// depend on an interface and substitute another implementation.
type Codec struct{}

func (Codec) CreateColumnIndex(header []byte, conf FileConfiguration) (BlockMetadata, error) {
	return CreateColumnIndex(header, conf)
}

func (Codec) FilterVariants(chunk []byte, md BlockMetadata) ([]string, error) {
	return FilterVariants(chunk, md)
}

func (Codec) EncodeRowsToBlocks(chunk []byte, md BlockMetadata, partitions [][]string) ([][]byte, error) {
	return EncodeRowsToBlocks(chunk, md, partitions)
}

func (Codec) MergeBlocks(a, b []byte) ([]byte, error) {
	return MergeBlocks(a, b)
}

func (Codec) BlocksToText(blocks [][]byte, delimiter string, withKey bool) ([]string, error) {
	return BlocksToText(blocks, delimiter, withKey)
}

func (Codec) HeaderFromBlocks(blocks [][]byte, delimiter string, withKey bool) (string, error) {
	return HeaderFromBlocks(blocks, delimiter, withKey)
}

func (Codec) EmptyBlockLike(ref []byte) ([]byte, error) {
	return EmptyBlockLike(ref)
}

func (Codec) NewPassEncoder(md BlockMetadata, partitions [][]string) PassEncoder {
	return NewPassBuilder(md, partitions)
}
