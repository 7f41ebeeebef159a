// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package codec

import (
	"strings"
)

// BlocksToText returns one delimited row for each distinct variant
// in blocks, in the order variants are first seen. Each block
// contributes its values for the variant, or NA in every column if
// the variant is absent. If withKey is true, rows start with the
// chromosome, position, ref and alt fields.
func BlocksToText(blocks [][]byte, delimiter string, withKey bool) ([]string, error) {
	rows, err := unmarshalBlocks(blocks)
	if err != nil {
		return nil, err
	}
	var order []string
	seen := map[string]bool{}
	index := make([]map[string]int, len(rows))
	for i, r := range rows {
		index[i] = make(map[string]int, len(r.Keys))
		for j, key := range r.Keys {
			if _, dup := index[i][key]; dup {
				continue
			}
			index[i][key] = j
			if !seen[key] {
				seen[key] = true
				order = append(order, key)
			}
		}
	}
	result := make([]string, 0, len(order))
	var fields []string
	for _, key := range order {
		fields = fields[:0]
		if withKey {
			fields = append(fields, strings.Split(key, KeySeparator)...)
		}
		for i, r := range rows {
			if j, ok := index[i][key]; ok {
				fields = append(fields, r.Values[j]...)
			} else {
				for range r.Header {
					fields = append(fields, "NA")
				}
			}
		}
		result = append(result, strings.Join(fields, delimiter))
	}
	return result, nil
}

// HeaderFromBlocks returns the delimited concatenation of the block
// headers, or "" if there are no blocks.
func HeaderFromBlocks(blocks [][]byte, delimiter string, withKey bool) (string, error) {
	rows, err := unmarshalBlocks(blocks)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	var cols []string
	if withKey {
		cols = append(cols, KeyHeader...)
	}
	for _, r := range rows {
		cols = append(cols, r.Header...)
	}
	return strings.Join(cols, delimiter), nil
}
