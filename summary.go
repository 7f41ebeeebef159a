// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"fmt"
	"strings"
)

// MergeStatistics joins the passes in acc into one delimited table.
//
// Block i of every pass covers the same partition, so rows are built
// block index by block index. Passes shorter than the longest one
// are padded with empty blocks shaped like their first block; passes
// with no blocks contribute no columns. The header comes from the
// first block of each pass only, so a source's columns appear once
// however many blocks it has.
//
// acc is not modified.
func MergeStatistics(cdc Codec, delimiter string, acc PassAccumulator, withKey bool) (DelimitedResult, error) {
	maxBlocks := 0
	for _, pass := range acc {
		if len(pass) > maxBlocks {
			maxBlocks = len(pass)
		}
	}
	if maxBlocks == 0 {
		return DelimitedResult{}, nil
	}

	passes := make([]SummaryPass, 0, len(acc))
	for p, pass := range acc {
		if len(pass) == 0 {
			continue
		}
		if len(pass) < maxBlocks {
			padded := make(SummaryPass, len(pass), maxBlocks)
			copy(padded, pass)
			empty, err := cdc.EmptyBlockLike(pass[0])
			if err != nil {
				return DelimitedResult{}, fmt.Errorf("pass %d: EmptyBlockLike: %w", p, err)
			} else if empty == nil {
				return DelimitedResult{}, &CodecContractError{Op: "EmptyBlockLike", Detail: "returned nil block"}
			}
			for len(padded) < maxBlocks {
				padded = append(padded, empty)
			}
			pass = padded
		}
		passes = append(passes, pass)
	}

	var rows []string
	column := make([][]byte, len(passes))
	for i := 0; i < maxBlocks; i++ {
		for p, pass := range passes {
			column[p] = pass[i]
		}
		text, err := cdc.BlocksToText(column, delimiter, withKey)
		if err != nil {
			return DelimitedResult{}, fmt.Errorf("block %d: BlocksToText: %w", i, err)
		}
		rows = append(rows, text...)
	}

	for p, pass := range passes {
		column[p] = pass[0]
	}
	header, err := cdc.HeaderFromBlocks(column, delimiter, withKey)
	if err != nil {
		return DelimitedResult{}, fmt.Errorf("HeaderFromBlocks: %w", err)
	}
	if strings.Contains(header, "\n") {
		return DelimitedResult{}, &CodecContractError{Op: "HeaderFromBlocks", Detail: fmt.Sprintf("header is not a single line: %q", header)}
	}
	return DelimitedResult{Header: header, Data: strings.Join(rows, "\n")}, nil
}
