// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package codec

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// KeySeparator joins the fields of a variant key, whatever the
// delimiter of the file the variant came from.
const KeySeparator = "\t"

// KeyHeader names the key columns emitted when variant keys are
// included in text output.
var KeyHeader = []string{"chrom", "pos", "ref", "alt"}

// ParseChromosome maps a chromosome token to its numeric code:
// 1..22 as-is, X=23, Y=24, MT=25. A leading "chr" is ignored.
func ParseChromosome(s string) (uint32, error) {
	tok := strings.TrimSpace(s)
	if len(tok) > 3 && strings.EqualFold(tok[:3], "chr") {
		tok = tok[3:]
	}
	switch strings.ToUpper(tok) {
	case "X":
		return 23, nil
	case "Y":
		return 24, nil
	case "MT", "M", "MITO", "MITOCHONDRIAL":
		return 25, nil
	}
	v, err := strconv.ParseUint(tok, 10, 32)
	if err != nil || v == 0 {
		return 0, &UnsupportedChromosomeError{Token: s}
	}
	return uint32(v), nil
}

// Variant identifies a variant by chromosome code, position and
// alleles.
type Variant struct {
	Chromosome uint32
	Position   uint64
	Ref        string
	Alt        string
}

// Key returns the normalized variant key.
func (v Variant) Key() string {
	var b strings.Builder
	b.Grow(24 + len(v.Ref) + len(v.Alt))
	b.WriteString(strconv.FormatUint(uint64(v.Chromosome), 10))
	b.WriteString(KeySeparator)
	b.WriteString(strconv.FormatUint(v.Position, 10))
	b.WriteString(KeySeparator)
	b.WriteString(v.Ref)
	b.WriteString(KeySeparator)
	b.WriteString(v.Alt)
	return b.String()
}

// ParseKey splits a normalized variant key. It returns false if key
// does not have exactly four non-empty fields with a known
// chromosome code and a numeric position.
func ParseKey(key string) (Variant, bool) {
	f := strings.Split(key, KeySeparator)
	if len(f) != 4 || f[2] == "" || f[3] == "" {
		return Variant{}, false
	}
	chrom, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil || chrom == 0 {
		return Variant{}, false
	}
	pos, err := strconv.ParseUint(f[1], 10, 64)
	if err != nil {
		return Variant{}, false
	}
	return Variant{Chromosome: uint32(chrom), Position: pos, Ref: f[2], Alt: f[3]}, true
}

// Row is one parsed data line. Rows passed to a Scan callback are
// reused and must not be retained.
type Row struct {
	Line    int
	Variant Variant
	PValue  float64
	fields  []string
	md      *BlockMetadata
}

func (row *Row) float(field string, idx int) (float64, error) {
	s := strings.TrimSpace(row.fields[idx])
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ValueParseError{Line: row.Line, Field: field, Value: s, Err: errors.Unwrap(err)}
	}
	return v, nil
}

// optional parses a statistic that may be NA or empty.
func (row *Row) optional(field string, idx int) (float64, error) {
	if s := strings.TrimSpace(row.fields[idx]); s == "" || s == "NA" {
		return math.NaN(), nil
	}
	return row.float(field, idx)
}

// Statistics parses the beta, sebeta and allele frequency fields.
// NA or empty fields are returned as NaN.
func (row *Row) Statistics() (beta, sebeta, af float64, err error) {
	if need := row.md.MaxIndex() + 1; len(row.fields) < need {
		err = &RowFormatError{Line: row.Line, Want: need, Got: len(row.fields)}
		return
	}
	if beta, err = row.optional("beta", row.md.Beta); err != nil {
		return
	}
	if sebeta, err = row.optional("sebeta", row.md.SEBeta); err != nil {
		return
	}
	af, err = row.optional("allele frequency", row.md.AF)
	return
}

// Scan parses the key and p-value of each data row of chunk and
// calls fn. Blank lines are skipped. Scanning stops at the first
// error.
func Scan(chunk []byte, md BlockMetadata, fn func(*Row) error) error {
	need := md.keyMaxIndex() + 1
	row := &Row{md: &md}
	return eachLine(chunk, md.Delimiter, func(line int, fields []string) error {
		if len(fields) < need {
			return &RowFormatError{Line: line, Want: need, Got: len(fields)}
		}
		row.Line = line
		row.fields = fields
		var err error
		row.PValue, err = row.float("pvalue", md.PValue)
		if err != nil {
			return err
		}
		chrom, err := ParseChromosome(fields[md.Chromosome])
		if err != nil {
			return err
		}
		posField := strings.TrimSpace(fields[md.Position])
		pos, err := strconv.ParseUint(posField, 10, 64)
		if err != nil {
			return &ValueParseError{Line: line, Field: "position", Value: posField, Err: errors.Unwrap(err)}
		}
		row.Variant = Variant{
			Chromosome: chrom,
			Position:   pos,
			Ref:        strings.TrimSpace(fields[md.Reference]),
			Alt:        strings.TrimSpace(fields[md.Alternative]),
		}
		return fn(row)
	})
}

// eachLine splits chunk into lines and fields. Single-rune
// delimiters go through encoding/csv so quoted fields work; longer
// delimiters are split literally.
func eachLine(chunk []byte, delimiter string, fn func(line int, fields []string) error) error {
	if delimiter == "" {
		return ErrEmptyDelimiter
	}
	if r, size := utf8.DecodeRuneInString(delimiter); size == len(delimiter) && r != '"' && r != '\r' && r != '\n' {
		rdr := csv.NewReader(bytes.NewReader(chunk))
		rdr.Comma = r
		rdr.FieldsPerRecord = -1
		rdr.LazyQuotes = true
		rdr.ReuseRecord = true
		for {
			fields, err := rdr.Read()
			if err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
			line, _ := rdr.FieldPos(0)
			if err = fn(line, fields); err != nil {
				return err
			}
		}
	}
	scanner := bufio.NewScanner(bytes.NewReader(chunk))
	scanner.Buffer(nil, len(chunk)+1)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSuffix(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		if err := fn(line, strings.Split(text, delimiter)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// FilterVariants returns, in row order, the keys of variants in
// chunk whose p-value is strictly below the threshold.
func FilterVariants(chunk []byte, md BlockMetadata) ([]string, error) {
	var keys []string
	err := Scan(chunk, md, func(row *Row) error {
		if row.PValue < md.PvalThreshold {
			keys = append(keys, row.Variant.Key())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
