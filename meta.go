// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mmpmerge

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var randSource = rand.NewSource(rand.Uint64())

// MetaHeader names the columns added by MetaAnalysis.
var MetaHeader = []string{"meta_beta", "meta_sebeta", "meta_pval", "meta_hetpval"}

// effectColumns returns the indices of each source's beta and sebeta
// columns, found by their _beta and _sebeta suffixes.
func effectColumns(header []string) (beta, sebeta []int) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[name] = i
	}
	for i, name := range header {
		if !strings.HasSuffix(name, "_beta") {
			continue
		}
		if j, ok := pos[strings.TrimSuffix(name, "_beta")+"_sebeta"]; ok {
			beta = append(beta, i)
			sebeta = append(sebeta, j)
		}
	}
	return
}

func parseNA(s string) float64 {
	if s == "NA" || s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// inverseVariance returns the fixed-effect meta-analysis of the given
// effect sizes: pooled beta, its standard error, the two-sided
// p-value of the pooled beta, and the Cochran's Q heterogeneity
// p-value. Pairs with a missing value or non-positive standard error
// are ignored. Results are NaN when there is nothing to pool, and
// hetp is NaN with fewer than two usable pairs.
func inverseVariance(beta, sebeta []float64) (mbeta, mse, p, hetp float64) {
	var sw, swb float64
	n := 0
	for i, b := range beta {
		se := sebeta[i]
		if math.IsNaN(b) || math.IsNaN(se) || se <= 0 {
			continue
		}
		w := 1 / (se * se)
		sw += w
		swb += w * b
		n++
	}
	if n == 0 {
		nan := math.NaN()
		return nan, nan, nan, nan
	}
	mbeta = swb / sw
	mse = math.Sqrt(1 / sw)
	p = 2 * distuv.UnitNormal.Survival(math.Abs(swb)/math.Sqrt(sw))
	if n < 2 {
		return mbeta, mse, p, math.NaN()
	}
	var q float64
	for i, b := range beta {
		se := sebeta[i]
		if math.IsNaN(b) || math.IsNaN(se) || se <= 0 {
			continue
		}
		q += (b - mbeta) * (b - mbeta) / (se * se)
	}
	hetp = 1 - distuv.ChiSquared{K: float64(n - 1), Src: randSource}.CDF(q)
	return
}

func formatNA(verb string, v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return fmt.Sprintf(verb, v)
}

// MetaAnalysis appends inverse-variance meta-analysis columns to a
// merged table, pooling the beta/sebeta columns of every source.
func MetaAnalysis(res DelimitedResult, delimiter string) (DelimitedResult, error) {
	if res.Header == "" {
		return res, nil
	}
	header := strings.Split(res.Header, delimiter)
	betaCols, seCols := effectColumns(header)
	if len(betaCols) == 0 {
		return res, errors.New("meta-analysis: no beta/sebeta column pairs in header")
	}
	out := DelimitedResult{Header: strings.Join(append(header, MetaHeader...), delimiter)}
	if res.Data == "" {
		return out, nil
	}
	lines := strings.Split(res.Data, "\n")
	beta := make([]float64, len(betaCols))
	sebeta := make([]float64, len(seCols))
	for n, line := range lines {
		fields := strings.Split(line, delimiter)
		if len(fields) != len(header) {
			return res, fmt.Errorf("meta-analysis: row %d has %d fields, header has %d", n+1, len(fields), len(header))
		}
		for i := range betaCols {
			beta[i] = parseNA(fields[betaCols[i]])
			sebeta[i] = parseNA(fields[seCols[i]])
		}
		mbeta, mse, p, hetp := inverseVariance(beta, sebeta)
		lines[n] = strings.Join(append(fields,
			formatNA("%f", mbeta),
			formatNA("%f", mse),
			formatNA("%e", p),
			formatNA("%e", hetp),
		), delimiter)
	}
	out.Data = strings.Join(lines, "\n")
	return out, nil
}
