// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package codec

import (
	"errors"
	"fmt"
)

var ErrEmptyDelimiter = errors.New("delimiter must not be empty")

// MissingColumnError means a configured column name does not appear
// in the file header.
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("missing column: %s", e.Column)
}

// RowFormatError means a data row has too few fields to reach every
// configured column.
type RowFormatError struct {
	Line int // 1-based, within the chunk
	Want int
	Got  int
}

func (e *RowFormatError) Error() string {
	return fmt.Sprintf("insufficient columns: line %d: expected at least %d, got %d", e.Line, e.Want, e.Got)
}

// ValueParseError means a field could not be parsed as the expected
// type.
type ValueParseError struct {
	Line  int
	Field string
	Value string
	Err   error
}

func (e *ValueParseError) Error() string {
	return fmt.Sprintf("line %d: invalid %s %q: %s", e.Line, e.Field, e.Value, e.Err)
}

func (e *ValueParseError) Unwrap() error { return e.Err }

// UnsupportedChromosomeError means a chromosome token has no numeric
// code.
type UnsupportedChromosomeError struct {
	Token string
}

func (e *UnsupportedChromosomeError) Error() string {
	return fmt.Sprintf("unsupported chromosome: %q", e.Token)
}
