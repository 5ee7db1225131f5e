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
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// aggMember is one sgRNA's contribution to a (target, condition,
// timepoint) group, in original row order. Weight and Efficiency are
// 0 when the weights table has no entry for the guide.
type aggMember struct {
	log2FC     float64
	fitness    float64
	weight     float64
	efficiency float64
}

// The four competing gene-level estimates, applied uniformly to both
// metrics. Tie-break and short-group policy live here, once.
var aggStrategies = []struct {
	name string
	fn   func(values []float64, members []aggMember) float64
}{
	{"mean", aggMean},
	{"wmean", aggWMean},
	{"top1", aggTop1},
	{"top2", aggTop2},
}

func aggMean(values []float64, _ []aggMember) float64 {
	return stat.Mean(values, nil)
}

// aggWMean weights each value by weight×efficiency, unnormalized.
// NaN when the group carries no weight at all.
func aggWMean(values []float64, members []aggMember) float64 {
	weights := make([]float64, len(members))
	for i, m := range members {
		weights[i] = m.weight * m.efficiency
	}
	return stat.Mean(values, weights)
}

// aggTop1 returns the value of the most efficient guide. Ties go to
// the earliest row, so the choice is stable across reruns.
func aggTop1(values []float64, members []aggMember) float64 {
	return values[topByEfficiency(members)[0]]
}

// aggTop2 averages the two most efficient guides, or returns the
// sole value of a single-member group.
func aggTop2(values []float64, members []aggMember) float64 {
	top := topByEfficiency(members)
	if len(top) < 2 {
		return values[top[0]]
	}
	return (values[top[0]] + values[top[1]]) / 2
}

func topByEfficiency(members []aggMember) []int {
	idx := make([]int, len(members))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return members[idx[a]].efficiency > members[idx[b]].efficiency
	})
	return idx
}

// aggregateGroup collapses one group's members into a GeneFitness
// record. SD fields stay NaN for single-guide groups.
func aggregateGroup(members []aggMember) (ret GeneFitness) {
	log2fc := make([]float64, len(members))
	fitness := make([]float64, len(members))
	for i, m := range members {
		log2fc[i] = m.log2FC
		fitness[i] = m.fitness
	}
	for _, strategy := range aggStrategies {
		fc := strategy.fn(log2fc, members)
		fit := strategy.fn(fitness, members)
		switch strategy.name {
		case "mean":
			ret.MeanLog2FC, ret.MeanFitness = fc, fit
		case "wmean":
			ret.WMeanLog2FC, ret.WMeanFitness = fc, fit
		case "top1":
			ret.Top1Log2FC, ret.Top1Fitness = fc, fit
		case "top2":
			ret.Top2Log2FC, ret.Top2Fitness = fc, fit
		}
	}
	if len(members) > 1 {
		ret.SDLog2FC = stat.StdDev(log2fc, nil)
		ret.SDFitness = stat.StdDev(fitness, nil)
	} else {
		ret.SDLog2FC = math.NaN()
		ret.SDFitness = math.NaN()
	}
	ret.NGuides = len(members)
	return ret
}

type aggregatecmd struct{}

func (cmd *aggregatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	maxprocs := flags.Int("max-procs", runtime.NumCPU(), "number of groups to process concurrently")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
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
	if len(snap.Weights) == 0 {
		log.Warn("input has no weights table; weighted means will be undefined (run the weights command first)")
	}

	snap.Genes, err = aggregateGenes(snap.Guides, snap.Weights, *maxprocs)
	if err != nil {
		return 1
	}
	log.Infof("aggregated %d guide rows into %d gene rows", len(snap.Guides), len(snap.Genes))

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

type groupKey struct {
	target    string
	condition string
	timepoint float64
}

func aggregateGenes(guides []GuideRecord, weights []GuideWeight, maxprocs int) ([]GeneFitness, error) {
	type weightKey struct {
		target string
		index  int
	}
	lookup := make(map[weightKey]GuideWeight, len(weights))
	for _, w := range weights {
		lookup[weightKey{w.Target, w.Index}] = w
	}

	groups := map[groupKey][]GuideRecord{}
	var order []groupKey
	for _, g := range guides {
		key := groupKey{g.Target, g.Condition, g.Timepoint}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], g)
	}
	sort.Slice(order, func(a, b int) bool {
		if order[a].target != order[b].target {
			return order[a].target < order[b].target
		}
		if order[a].condition != order[b].condition {
			return order[a].condition < order[b].condition
		}
		return order[a].timepoint < order[b].timepoint
	})

	var nmissing int64
	ret := make([]GeneFitness, len(order))
	throttle := throttle{Max: maxprocs}
	for i, key := range order {
		i, key := i, key
		throttle.Go(func() error {
			rows := groups[key]
			members := make([]aggMember, len(rows))
			for j, g := range rows {
				m := aggMember{log2FC: g.Log2FC, fitness: g.Fitness}
				if w, ok := lookup[weightKey{g.Target, g.Index}]; ok {
					m.weight, m.efficiency = w.Weight, w.Efficiency
				} else {
					atomic.AddInt64(&nmissing, 1)
				}
				members[j] = m
			}
			gene := aggregateGroup(members)
			gene.Target = key.target
			gene.Condition = key.condition
			gene.Timepoint = key.timepoint
			// Annotations are constant within a group by
			// construction; take them from the first row.
			gene.Locus = rows[0].Locus
			gene.Pathway = rows[0].Pathway
			gene.Process = rows[0].Process
			ret[i] = gene
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	if nmissing > 0 {
		log.Warnf("%d guide rows had no weights entry and contributed zero weight", nmissing)
	}
	return ret, nil
}
