// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type exportNumpySuite struct{}

var _ = check.Suite(&exportNumpySuite{})

func readNpy(c *check.C, fnm string) ([]int, []float64) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	data, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	return npy.Shape, data
}

func (s *exportNumpySuite) TestExport(c *check.C) {
	tmpdir := c.MkDir()
	merged := "chrom\tpos\tref\talt\ta_pval\ta_beta\tnote\n" +
		"1\t100\tA\tG\t1.000000e-03\tNA\tx\n" +
		"2\t5\tC\tT\t5.000000e-01\t0.200000\ty\n"
	err := os.WriteFile(filepath.Join(tmpdir, "merged.tsv"), []byte(merged), 0644)
	c.Assert(err, check.IsNil)

	var stderr bytes.Buffer
	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-i", filepath.Join(tmpdir, "merged.tsv"), "-o", filepath.Join(tmpdir, "npy")}, nil, os.Stdout, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	shape, data := readNpy(c, filepath.Join(tmpdir, "npy", "merged.npy"))
	c.Check(shape, check.DeepEquals, []int{2, 2})
	c.Assert(data, check.HasLen, 4)
	c.Check(data[0], check.Equals, 0.001)
	c.Check(math.IsNaN(data[1]), check.Equals, true)
	c.Check(data[2:], check.DeepEquals, []float64{0.5, 0.2})

	cols, err := os.ReadFile(filepath.Join(tmpdir, "npy", "merged.columns.txt"))
	c.Check(err, check.IsNil)
	c.Check(string(cols), check.Equals, "a_pval\na_beta\n")
	rows, err := os.ReadFile(filepath.Join(tmpdir, "npy", "merged.rows.txt"))
	c.Check(err, check.IsNil)
	c.Check(string(rows), check.Equals, "1:100:A:G\n2:5:C:T\n")
}

func (s *exportNumpySuite) TestStdin(c *check.C) {
	tmpdir := c.MkDir()
	merged := "a_pval,a_beta\n0.1,1\n0.2,2\n0.3,3\n"
	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-delimiter=,", "-name=x", "-o", tmpdir}, strings.NewReader(merged), os.Stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)
	shape, data := readNpy(c, filepath.Join(tmpdir, "x.npy"))
	c.Check(shape, check.DeepEquals, []int{3, 2})
	c.Check(data, check.DeepEquals, []float64{0.1, 1, 0.2, 2, 0.3, 3})
	rows, err := os.ReadFile(filepath.Join(tmpdir, "x.rows.txt"))
	c.Check(err, check.IsNil)
	c.Check(string(rows), check.Equals, "0\n1\n2\n")
}

func (s *exportNumpySuite) TestErrors(c *check.C) {
	var stderr bytes.Buffer
	exited := (&exportNumpy{}).RunCommand("export-numpy", []string{"-o", c.MkDir()}, strings.NewReader(""), os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Equals, "empty input\n")

	stderr.Reset()
	exited = (&exportNumpy{}).RunCommand("export-numpy", []string{"-o", c.MkDir()}, strings.NewReader("a\tb\n1\n"), os.Stdout, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Equals, "row 1 has 1 fields, header has 2\n")

	exited = (&exportNumpy{}).RunCommand("export-numpy", []string{"-bogus"}, nil, os.Stdout, &stderr)
	c.Check(exited, check.Equals, 2)
}
