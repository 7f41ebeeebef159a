// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"math"
	"strconv"
	"strings"

	"gopkg.in/check.v1"
)

type metaSuite struct{}

var _ = check.Suite(&metaSuite{})

func (s *metaSuite) TestInverseVariance(c *check.C) {
	mbeta, mse, p, hetp := inverseVariance([]float64{0.1, 0.3}, []float64{0.1, 0.1})
	c.Check(math.Abs(mbeta-0.2) < 1e-12, check.Equals, true)
	c.Check(math.Abs(mse-math.Sqrt(0.005)) < 1e-12, check.Equals, true)
	// z = 0.2/sqrt(0.005) = 2.828
	c.Check(math.Abs(p-0.004677735) < 1e-8, check.Equals, true, check.Commentf("p=%g", p))
	// Q = 2 with 1 degree of freedom
	c.Check(math.Abs(hetp-0.1572992) < 1e-6, check.Equals, true, check.Commentf("hetp=%g", hetp))

	mbeta, _, _, hetp = inverseVariance([]float64{0.5, math.NaN(), 0.1}, []float64{0.1, 0.1, 0})
	c.Check(mbeta, check.Equals, 0.5)
	c.Check(math.IsNaN(hetp), check.Equals, true)

	mbeta, mse, p, hetp = inverseVariance([]float64{math.NaN()}, []float64{0.1})
	for _, v := range []float64{mbeta, mse, p, hetp} {
		c.Check(math.IsNaN(v), check.Equals, true)
	}
}

func (s *metaSuite) TestMetaAnalysis(c *check.C) {
	res := DelimitedResult{
		Header: "fg_pval\tfg_beta\tfg_sebeta\tfg_af\tmine_pval\tmine_beta\tmine_sebeta\tmine_af",
		Data: "1e-3\t0.1\t0.1\t0.2\t1e-2\t0.3\t0.1\t0.3\n" +
			"NA\tNA\tNA\tNA\t1e-2\t-0.4\t0.2\t0.3\n" +
			"NA\tNA\tNA\tNA\tNA\tNA\tNA\tNA",
	}
	out, err := MetaAnalysis(res, "\t")
	c.Assert(err, check.IsNil)
	c.Check(out.Header, check.Equals, res.Header+"\tmeta_beta\tmeta_sebeta\tmeta_pval\tmeta_hetpval")
	lines := strings.Split(out.Data, "\n")
	c.Assert(lines, check.HasLen, 3)

	f := strings.Split(lines[0], "\t")
	c.Assert(f, check.HasLen, 12)
	c.Check(f[8], check.Equals, "0.200000")
	c.Check(f[9], check.Equals, "0.070711")
	hetp, err := strconv.ParseFloat(f[11], 64)
	c.Check(err, check.IsNil)
	c.Check(math.Abs(hetp-0.1572992) < 1e-5, check.Equals, true)

	f = strings.Split(lines[1], "\t")
	c.Check(f[8:10], check.DeepEquals, []string{"-0.400000", "0.200000"})
	c.Check(f[11], check.Equals, "NA")

	c.Check(lines[2], check.Equals, "NA\tNA\tNA\tNA\tNA\tNA\tNA\tNA\tNA\tNA\tNA\tNA")
}

func (s *metaSuite) TestMetaAnalysisErrors(c *check.C) {
	_, err := MetaAnalysis(DelimitedResult{Header: "a_pval\ta_af", Data: "1\t2"}, "\t")
	c.Check(err, check.ErrorMatches, `meta-analysis: no beta/sebeta column pairs in header`)

	_, err = MetaAnalysis(DelimitedResult{Header: "a_beta\ta_sebeta", Data: "1\t2\n3"}, "\t")
	c.Check(err, check.ErrorMatches, `meta-analysis: row 2 has 1 fields, header has 2`)

	out, err := MetaAnalysis(DelimitedResult{}, "\t")
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, DelimitedResult{})

	out, err = MetaAnalysis(DelimitedResult{Header: "a_beta,a_sebeta"}, ",")
	c.Check(err, check.IsNil)
	c.Check(out.Header, check.Equals, "a_beta,a_sebeta,meta_beta,meta_sebeta,meta_pval,meta_hetpval")
	c.Check(out.Data, check.Equals, "")
}
