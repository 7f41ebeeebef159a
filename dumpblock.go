// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/finngen/mmpmerge/codec"
)

// dumpBlock prints the content of summary block files as delimited
// text.
type dumpBlock struct{}

func (cmd *dumpBlock) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file` (one summary block)")
	delimiter := flags.String("delimiter", "\t", "output field delimiter")
	withKey := flags.Bool("with-key", true, "include chrom, pos, ref and alt columns")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	var block []byte
	if *inputFilename == "-" {
		block, err = io.ReadAll(stdin)
	} else {
		block, err = os.ReadFile(*inputFilename)
	}
	if err != nil {
		return 1
	}
	blocks := [][]byte{block}
	header, err := codec.HeaderFromBlocks(blocks, *delimiter, *withKey)
	if err != nil {
		return 1
	}
	rows, err := codec.BlocksToText(blocks, *delimiter, *withKey)
	if err != nil {
		return 1
	}
	bufw := bufio.NewWriter(stdout)
	fmt.Fprintln(bufw, header)
	for _, row := range rows {
		fmt.Fprintln(bufw, row)
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	return 0
}
