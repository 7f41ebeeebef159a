// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// writeFileAtomic calls write with a buffered writer on a temporary
// file in the same directory as path, and renames the temporary file
// to path if write succeeds. Otherwise the temporary file is removed
// and path is left untouched.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	bufw := bufio.NewWriter(f)
	if err = write(bufw); err != nil {
		return err
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	if err = f.Chmod(0644); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// outputPath returns the output file name for one of several
// inputs: "out.tsv" becomes "out-tag.tsv".
func outputPath(path, tag string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + tag + ext
}
