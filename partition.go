// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"strconv"
	"strings"

	"github.com/finngen/mmpmerge/codec"
)

// ComputePartitions returns remote followed by the local variants
// that do not appear anywhere in remote, split into groups of at
// most blockSize. Remote partitions are returned as given, including
// any duplicate keys.
func ComputePartitions(local []string, remote VariantPartitionSet, blockSize int) VariantPartitionSet {
	if blockSize < 1 {
		panic("ComputePartitions: blockSize < 1")
	}
	known := map[string]bool{}
	for _, part := range remote {
		for _, key := range part {
			known[key] = true
		}
	}
	var rest []string
	for _, key := range local {
		if !known[key] {
			rest = append(rest, key)
		}
	}
	out := make(VariantPartitionSet, len(remote), len(remote)+(len(rest)+blockSize-1)/blockSize)
	copy(out, remote)
	for len(rest) > 0 {
		n := blockSize
		if n > len(rest) {
			n = len(rest)
		}
		out = append(out, rest[:n:n])
		rest = rest[n:]
	}
	return out
}

// NormalizeVariantKey rewrites a key that uses sep between fields
// (e.g. "X:12345:A:G") into the canonical tab-separated form with a
// numeric chromosome code.
func NormalizeVariantKey(key, sep string) (string, error) {
	if sep == "" {
		sep = codec.KeySeparator
	}
	f := strings.Split(key, sep)
	if len(f) != 4 {
		return "", &KeyFormatError{Key: key}
	}
	chrom, err := codec.ParseChromosome(f[0])
	if err != nil {
		return "", &KeyFormatError{Key: key}
	}
	f[0] = strconv.FormatUint(uint64(chrom), 10)
	v, ok := codec.ParseKey(strings.Join(f, codec.KeySeparator))
	if !ok {
		return "", &KeyFormatError{Key: key}
	}
	return v.Key(), nil
}

// NormalizeVariantKeys applies NormalizeVariantKey to every key,
// returning a new slice.
func NormalizeVariantKeys(keys []string, sep string) ([]string, error) {
	out := make([]string, len(keys))
	for i, key := range keys {
		norm, err := NormalizeVariantKey(key, sep)
		if err != nil {
			return nil, err
		}
		out[i] = norm
	}
	return out, nil
}

// NormalizePartitions applies NormalizeVariantKey to every key of
// every partition, returning a new set.
func NormalizePartitions(parts VariantPartitionSet, sep string) (VariantPartitionSet, error) {
	out := make(VariantPartitionSet, len(parts))
	for i, part := range parts {
		norm, err := NormalizeVariantKeys(part, sep)
		if err != nil {
			return nil, err
		}
		out[i] = norm
	}
	return out, nil
}
