// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// guideWeights computes the reliability weight for each sgRNA of one
// target from the pairwise Pearson correlation of fold-change
// vectors. Each vector spans the same observation axis (one entry
// per distinct condition/timepoint, NaN where unobserved). A guide's
// raw score is the median of its finite correlations to the other
// guides, rescaled from [-1,1] to [0,1]. With no siblings, or no
// finite correlation to any sibling, the guide is assumed reliable
// and gets weight 1.
func guideWeights(vectors map[int][]float64) map[int]float64 {
	idxs := make([]int, 0, len(vectors))
	for idx := range vectors {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	ret := make(map[int]float64, len(idxs))
	for _, i := range idxs {
		var rr []float64
		for _, j := range idxs {
			if j == i {
				continue
			}
			if r := pearson(vectors[i], vectors[j]); !math.IsNaN(r) {
				rr = append(rr, r)
			}
		}
		m := median(rr)
		if math.IsNaN(m) {
			ret[i] = 1
		} else {
			ret[i] = (1 + m) / 2
		}
	}
	return ret
}

// guideEfficiencies computes the repression-efficiency score for
// each sgRNA of one target: median |fitness| over all observations,
// normalized by the strongest guide of the target. If no guide shows
// any fitness effect, all scores are 0.
func guideEfficiencies(fitness map[int][]float64) map[int]float64 {
	med := map[int]float64{}
	max := 0.0
	for idx, vv := range fitness {
		var abs []float64
		for _, v := range vv {
			if !math.IsNaN(v) {
				abs = append(abs, math.Abs(v))
			}
		}
		m := median(abs)
		if math.IsNaN(m) {
			m = 0
		}
		med[idx] = m
		if m > max {
			max = m
		}
	}
	ret := make(map[int]float64, len(med))
	for idx, m := range med {
		if max == 0 {
			ret[idx] = 0
		} else {
			ret[idx] = m / max
		}
	}
	return ret
}

// pearson is the correlation over pairwise-complete observations.
// NaN if fewer than two complete pairs remain, or if either side is
// constant.
func pearson(x, y []float64) float64 {
	var xs, ys []float64
	for i := range x {
		if !math.IsNaN(x[i]) && !math.IsNaN(y[i]) {
			xs = append(xs, x[i])
			ys = append(ys, y[i])
		}
	}
	if len(xs) < 2 {
		return math.NaN()
	}
	return stat.Correlation(xs, ys, nil)
}

func median(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}

type weightscmd struct {
	filter guideFilter
}

func (cmd *weightscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	maxprocs := flags.Int("max-procs", runtime.NumCPU(), "number of targets to process concurrently")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	cmd.filter.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	var input io.ReadCloser
	if *inputFilename == "-" {
		input = io.NopCloser(stdin)
	} else {
		input, err = os.Open(*inputFilename)
		if err != nil {
			return 1
		}
		defer input.Close()
	}
	log.Info("reading")
	snap, err := ReadSnapshot(input, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = input.Close()
	if err != nil {
		return 1
	}
	snap.Guides = cmd.filter.Apply(snap.Guides)

	log.Infof("computing weights for %d guide rows", len(snap.Guides))
	snap.Weights, err = computeGuideWeights(snap.Guides, *maxprocs)
	if err != nil {
		return 1
	}
	log.Infof("computed weights for %d guide identities", len(snap.Weights))

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	err = WriteSnapshot(output, strings.HasSuffix(*outputFilename, ".gz"), snap)
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

// computeGuideWeights evaluates the weighting and efficiency engines
// for every target, fanning out across targets. Each target's
// computation reads only its own rows.
func computeGuideWeights(guides []GuideRecord, maxprocs int) ([]GuideWeight, error) {
	byTarget := map[string][]GuideRecord{}
	for _, g := range guides {
		byTarget[g.Target] = append(byTarget[g.Target], g)
	}
	targets := make([]string, 0, len(byTarget))
	for target := range byTarget {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	results := make([][]GuideWeight, len(targets))
	throttle := throttle{Max: maxprocs}
	for i, target := range targets {
		i, target := i, target
		throttle.Go(func() error {
			fc, fit := observationVectors(byTarget[target])
			ww := guideWeights(fc)
			ee := guideEfficiencies(fit)
			var out []GuideWeight
			for idx := range fc {
				out = append(out, GuideWeight{
					Target:     target,
					Index:      idx,
					Weight:     ww[idx],
					Efficiency: ee[idx],
				})
			}
			sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
			results[i] = out
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	var ret []GuideWeight
	for _, out := range results {
		ret = append(ret, out...)
	}
	return ret, nil
}

// observationVectors arranges one target's rows into per-guide
// vectors over a shared (condition, timepoint) observation axis,
// with NaN at unobserved positions.
func observationVectors(rows []GuideRecord) (fc, fit map[int][]float64) {
	type obs struct {
		condition string
		timepoint float64
	}
	seen := map[obs]int{}
	var axis []obs
	for _, g := range rows {
		o := obs{g.Condition, g.Timepoint}
		if _, ok := seen[o]; !ok {
			seen[o] = 0
			axis = append(axis, o)
		}
	}
	sort.Slice(axis, func(a, b int) bool {
		if axis[a].condition != axis[b].condition {
			return axis[a].condition < axis[b].condition
		}
		return axis[a].timepoint < axis[b].timepoint
	})
	for i, o := range axis {
		seen[o] = i
	}

	fc = map[int][]float64{}
	fit = map[int][]float64{}
	for _, g := range rows {
		if _, ok := fc[g.Index]; !ok {
			fc[g.Index] = nanVector(len(axis))
			fit[g.Index] = nanVector(len(axis))
		}
		i := seen[obs{g.Condition, g.Timepoint}]
		fc[g.Index][i] = g.Log2FC
		fit[g.Index][i] = g.Fitness
	}
	return fc, fit
}

func nanVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}
