// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package codec

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// SummaryRows is the decoded form of a summary block: for each
// variant key, one formatted value per header column.
//
// On the wire a block is the protobuf message
//
//	message SummaryValues { repeated string values = 1; }
//	message SummaryRows {
//		repeated string header = 1;
//		map<string, SummaryValues> rows = 2;
//	}
//
// Map entries are written in Keys order.
type SummaryRows struct {
	Header []string
	Keys   []string
	Values [][]string
}

const (
	rowsHeaderField protowire.Number = 1
	rowsEntryField  protowire.Number = 2
	entryKeyField   protowire.Number = 1
	entryValueField protowire.Number = 2
	valuesField     protowire.Number = 1
)

// MarshalBlock encodes rows as a summary block.
func MarshalBlock(rows *SummaryRows) ([]byte, error) {
	if len(rows.Keys) != len(rows.Values) {
		return nil, fmt.Errorf("encode summary block: %d keys, %d value rows", len(rows.Keys), len(rows.Values))
	}
	var buf, entry, vals []byte
	for _, name := range rows.Header {
		buf = protowire.AppendTag(buf, rowsHeaderField, protowire.BytesType)
		buf = protowire.AppendString(buf, name)
	}
	for i, key := range rows.Keys {
		vals = vals[:0]
		for _, v := range rows.Values[i] {
			vals = protowire.AppendTag(vals, valuesField, protowire.BytesType)
			vals = protowire.AppendString(vals, v)
		}
		entry = protowire.AppendTag(entry[:0], entryKeyField, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, entryValueField, protowire.BytesType)
		entry = protowire.AppendBytes(entry, vals)
		buf = protowire.AppendTag(buf, rowsEntryField, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	if buf == nil {
		buf = []byte{}
	}
	return buf, nil
}

// UnmarshalBlock decodes a summary block and checks that every row
// has one value per header column. When a key appears in more than
// one map entry, the last entry wins, and the key keeps its first
// position.
func UnmarshalBlock(block []byte) (*SummaryRows, error) {
	rows := &SummaryRows{}
	pos := map[string]int{}
	err := eachField(block, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != rowsHeaderField && num != rowsEntryField) {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if num == rowsHeaderField {
			rows.Header = append(rows.Header, string(v))
			return n, nil
		}
		key, vals, err := unmarshalEntry(v)
		if err != nil {
			return 0, err
		}
		if i, ok := pos[key]; ok {
			rows.Values[i] = vals
		} else {
			pos[key] = len(rows.Keys)
			rows.Keys = append(rows.Keys, key)
			rows.Values = append(rows.Values, vals)
		}
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode summary block: %w", err)
	}
	for i, vals := range rows.Values {
		if len(vals) != len(rows.Header) {
			return nil, fmt.Errorf("decode summary block: row %q has %d values, header has %d", rows.Keys[i], len(vals), len(rows.Header))
		}
	}
	return rows, nil
}

func unmarshalEntry(entry []byte) (key string, vals []string, err error) {
	err = eachField(entry, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType || (num != entryKeyField && num != entryValueField) {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		if num == entryKeyField {
			key = string(v)
			return n, nil
		}
		return n, eachField(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num != valuesField || typ != protowire.BytesType {
				return protowire.ConsumeFieldValue(num, typ, b), nil
			}
			s, n := protowire.ConsumeString(b)
			if n >= 0 {
				vals = append(vals, s)
			}
			return n, nil
		})
	})
	if err != nil {
		return "", nil, fmt.Errorf("rows entry: %w", err)
	}
	return key, vals, nil
}

var errTruncated = errors.New("truncated message")

// eachField calls fn with the number, type and remaining bytes of
// each field in msg. fn returns the length of the field value, or a
// negative protowire error code.
func eachField(msg []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		n, err := fn(num, typ, msg)
		if err != nil {
			return err
		} else if n < 0 {
			return protowire.ParseError(n)
		} else if n > len(msg) {
			return errTruncated
		}
		msg = msg[n:]
	}
	return nil
}

func unmarshalBlocks(blocks [][]byte) ([]*SummaryRows, error) {
	out := make([]*SummaryRows, len(blocks))
	for i, block := range blocks {
		rows, err := UnmarshalBlock(block)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		out[i] = rows
	}
	return out, nil
}

// CreateHeader returns the column names contributed by a source.
func CreateHeader(tag string) []string {
	return []string{tag + "_pval", tag + "_beta", tag + "_sebeta", tag + "_af"}
}

func formatStatistic(verb string, v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return fmt.Sprintf(verb, float32(v))
}

// EncodeRowsToBlocks returns one block per partition. Block i holds
// the formatted statistics of the rows in chunk whose variant is in
// partitions[i], in row order. A variant listed in more than one
// partition belongs to the first; a variant appearing on more than
// one row keeps its first row.
func EncodeRowsToBlocks(chunk []byte, md BlockMetadata, partitions [][]string) ([][]byte, error) {
	pe := NewPassBuilder(md, partitions)
	if err := pe.Add(chunk); err != nil {
		return nil, err
	}
	return pe.Blocks()
}

// PassEncoder accumulates the rows of successive chunks of one file
// and encodes them as one block per partition.
type PassEncoder interface {
	Add(chunk []byte) error
	Blocks() ([][]byte, error)
}

// PassBuilder is a PassEncoder that keeps decoded rows per partition
// until Blocks is called, so each block is encoded exactly once
// however many chunks the file has. Adding chunks one at a time
// gives the same blocks as EncodeRowsToBlocks on their concatenation.
type PassBuilder struct {
	md    BlockMetadata
	where map[string]int
	seen  map[string]bool
	rows  []SummaryRows
}

// NewPassBuilder returns an empty PassBuilder for a file with
// metadata md.
func NewPassBuilder(md BlockMetadata, partitions [][]string) *PassBuilder {
	pb := &PassBuilder{
		md:    md,
		where: map[string]int{},
		seen:  map[string]bool{},
		rows:  make([]SummaryRows, len(partitions)),
	}
	for i, part := range partitions {
		for _, key := range part {
			if _, ok := pb.where[key]; !ok {
				pb.where[key] = i
			}
		}
	}
	header := CreateHeader(md.Tag)
	for i := range pb.rows {
		pb.rows[i].Header = header
	}
	return pb
}

// Add formats the rows of chunk that belong to a partition.
func (pb *PassBuilder) Add(chunk []byte) error {
	need := pb.md.MaxIndex() + 1
	return Scan(chunk, pb.md, func(row *Row) error {
		if len(row.fields) < need {
			return &RowFormatError{Line: row.Line, Want: need, Got: len(row.fields)}
		}
		key := row.Variant.Key()
		i, ok := pb.where[key]
		if !ok || pb.seen[key] {
			return nil
		}
		pb.seen[key] = true
		beta, sebeta, af, err := row.Statistics()
		if err != nil {
			return err
		}
		pb.rows[i].Keys = append(pb.rows[i].Keys, key)
		pb.rows[i].Values = append(pb.rows[i].Values, []string{
			formatStatistic("%e", row.PValue),
			formatStatistic("%f", beta),
			formatStatistic("%f", sebeta),
			formatStatistic("%f", af),
		})
		return nil
	})
}

// Blocks encodes the rows added so far.
func (pb *PassBuilder) Blocks() ([][]byte, error) {
	blocks := make([][]byte, len(pb.rows))
	for i := range pb.rows {
		var err error
		blocks[i], err = MarshalBlock(&pb.rows[i])
		if err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// MergeBlocks returns a block with the rows of a followed by the rows
// of b whose keys are not already in a. Both blocks must have the
// same header.
func MergeBlocks(a, b []byte) ([]byte, error) {
	rows, err := unmarshalBlocks([][]byte{a, b})
	if err != nil {
		return nil, err
	}
	ra, rb := rows[0], rows[1]
	if strings.Join(ra.Header, "\t") != strings.Join(rb.Header, "\t") {
		return nil, fmt.Errorf("merge blocks: header mismatch %q vs %q", ra.Header, rb.Header)
	}
	if len(rb.Keys) == 0 {
		return a, nil
	}
	have := make(map[string]bool, len(ra.Keys))
	for _, key := range ra.Keys {
		have[key] = true
	}
	for i, key := range rb.Keys {
		if !have[key] {
			have[key] = true
			ra.Keys = append(ra.Keys, key)
			ra.Values = append(ra.Values, rb.Values[i])
		}
	}
	return MarshalBlock(ra)
}

// EmptyBlockLike returns a block with the same header as ref and no
// rows.
func EmptyBlockLike(ref []byte) ([]byte, error) {
	rows, err := UnmarshalBlock(ref)
	if err != nil {
		return nil, err
	}
	return MarshalBlock(&SummaryRows{Header: rows.Header})
}
