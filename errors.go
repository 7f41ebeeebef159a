// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"errors"
	"fmt"
)

var ErrPollTimeout = errors.New("timed out waiting for merge job")

// RemoteRequestError reports an unexpected HTTP response from the
// merge service.
type RemoteRequestError struct {
	Op     string
	Status int
	Body   string
}

func (e *RemoteRequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Body)
	}
	return fmt.Sprintf("%s: HTTP %d: %q", e.Op, e.Status, e.Body)
}

// RemoteJobFailedError means the merge service reported a terminal
// status other than success.
type RemoteJobFailedError struct {
	JobID  string
	Status int
}

func (e *RemoteJobFailedError) Error() string {
	return fmt.Sprintf("merge job %s failed: status %d", e.JobID, e.Status)
}

// CodecContractError means a codec operation returned a result of
// the wrong shape.
type CodecContractError struct {
	Op     string
	Detail string
}

func (e *CodecContractError) Error() string {
	return fmt.Sprintf("codec %s: %s", e.Op, e.Detail)
}

// KeyFormatError means a variant key is not in chrom/pos/ref/alt
// form after normalization.
type KeyFormatError struct {
	Key string
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("malformed variant key %q", e.Key)
}

// ErrNoHeader means an input file is empty.
var ErrNoHeader = errors.New("input has no header line")
