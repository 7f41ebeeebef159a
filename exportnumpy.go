// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct{}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "merged input `file`")
	outputDir := flags.String("o", ".", "output `directory`")
	delimiter := flags.String("delimiter", "\t", "field delimiter")
	name := flags.String("name", "", "output file `prefix` (default: input file name without extension)")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)
	if *name == "" {
		if *inputFilename == "-" {
			*name = "merged"
		} else {
			*name = strings.TrimSuffix(FileTag(*inputFilename), filepath.Ext(*inputFilename))
		}
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	result, err := readDelimitedResult(input)
	if err != nil {
		return 1
	}
	err = writeNumpy(result, *delimiter, *outputDir, *name)
	if err != nil {
		return 1
	}
	return 0
}

func readDelimitedResult(r io.Reader) (DelimitedResult, error) {
	buf, err := io.ReadAll(bufio.NewReader(r))
	if err != nil {
		return DelimitedResult{}, err
	}
	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return DelimitedResult{}, errors.New("empty input")
	}
	header, data, _ := strings.Cut(text, "\n")
	return DelimitedResult{Header: header, Data: data}, nil
}

// numericMatrix returns the columns of res whose values all parse as
// numbers (or NA) and the row-major matrix of those values, with NA
// as NaN. Key columns are left out and used as row labels if
// present.
func numericMatrix(res DelimitedResult, delimiter string) (cols []string, rowLabels []string, data []float64, err error) {
	header := strings.Split(res.Header, delimiter)
	var rows [][]string
	if res.Data != "" {
		for i, line := range strings.Split(res.Data, "\n") {
			fields := strings.Split(line, delimiter)
			if len(fields) != len(header) {
				return nil, nil, nil, fmt.Errorf("row %d has %d fields, header has %d", i+1, len(fields), len(header))
			}
			rows = append(rows, fields)
		}
	}
	isKey := map[string]bool{"chrom": true, "pos": true, "ref": true, "alt": true}
	var keyCols, numCols []int
	for j, name := range header {
		if isKey[name] {
			keyCols = append(keyCols, j)
			continue
		}
		numeric := true
		for _, row := range rows {
			if row[j] == "NA" {
				continue
			}
			if _, err := strconv.ParseFloat(row[j], 64); err != nil {
				numeric = false
				break
			}
		}
		if numeric {
			numCols = append(numCols, j)
			cols = append(cols, name)
		}
	}
	data = make([]float64, 0, len(rows)*len(numCols))
	for i, row := range rows {
		label := strconv.Itoa(i)
		if len(keyCols) == 4 {
			label = strings.Join([]string{row[keyCols[0]], row[keyCols[1]], row[keyCols[2]], row[keyCols[3]]}, ":")
		}
		rowLabels = append(rowLabels, label)
		for _, j := range numCols {
			v := math.NaN()
			if row[j] != "NA" {
				v, _ = strconv.ParseFloat(row[j], 64)
			}
			data = append(data, v)
		}
	}
	return cols, rowLabels, data, nil
}

// writeNumpy writes the numeric columns of res to dir/name.npy,
// with column names in dir/name.columns.txt and row labels in
// dir/name.rows.txt.
func writeNumpy(res DelimitedResult, delimiter, dir, name string) error {
	cols, labels, data, err := numericMatrix(res, delimiter)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return err
	}
	base := filepath.Join(dir, name)
	err = writeFileAtomic(base+".npy", func(w io.Writer) error {
		npw, err := gonpy.NewWriter(nopCloser{w})
		if err != nil {
			return err
		}
		npw.Shape = []int{len(labels), len(cols)}
		return npw.WriteFloat64(data)
	})
	if err != nil {
		return err
	}
	for fnm, lines := range map[string][]string{
		base + ".columns.txt": cols,
		base + ".rows.txt":    labels,
	} {
		lines := lines
		err = writeFileAtomic(fnm, func(w io.Writer) error {
			for _, line := range lines {
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	log.Infof("wrote %d x %d matrix to %s.npy", len(labels), len(cols), base)
	return nil
}
