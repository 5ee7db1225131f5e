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
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// fitnessMatrix is the condition-by-gene view of weighted-mean
// fitness at one reference timepoint. Rows are loci, columns are
// conditions, both sorted.
type fitnessMatrix struct {
	loci       []string
	conditions []string
	cells      [][]float64 // cells[row][col]
}

// buildFitnessMatrix restricts the gene table to one timepoint and
// pivots it. The weighted mean is the canonical fitness value for
// clustering and ordination. Rows with no locus are dropped; cells
// with no measurement stay 0.
func buildFitnessMatrix(genes []GeneFitness, timepoint float64) *fitnessMatrix {
	condSet := map[string]bool{}
	byLocus := map[string]map[string]float64{}
	ndropped := 0
	for _, g := range genes {
		if g.Timepoint != timepoint {
			continue
		}
		if g.Locus == "" {
			ndropped++
			continue
		}
		condSet[g.Condition] = true
		if byLocus[g.Locus] == nil {
			byLocus[g.Locus] = map[string]float64{}
		}
		byLocus[g.Locus][g.Condition] = g.WMeanFitness
	}
	if ndropped > 0 {
		log.Warnf("fitness matrix: dropped %d rows with unresolved locus", ndropped)
	}
	m := &fitnessMatrix{}
	for c := range condSet {
		m.conditions = append(m.conditions, c)
	}
	sort.Strings(m.conditions)
	for locus := range byLocus {
		m.loci = append(m.loci, locus)
	}
	sort.Strings(m.loci)
	m.cells = make([][]float64, len(m.loci))
	for i, locus := range m.loci {
		row := make([]float64, len(m.conditions))
		for j, c := range m.conditions {
			row[j] = byLocus[locus][c]
		}
		m.cells[i] = row
	}
	return m
}

// clip saturates every cell into [-limit, limit]. Winsorization, not
// removal: in-range values pass through unchanged.
func (m *fitnessMatrix) clip(limit float64) {
	for _, row := range m.cells {
		for j, v := range row {
			if v > limit {
				row[j] = limit
			} else if v < -limit {
				row[j] = -limit
			}
		}
	}
}

// subset keeps only rows for which keep returns true.
func (m *fitnessMatrix) subset(keep func(row []float64) bool) *fitnessMatrix {
	ret := &fitnessMatrix{conditions: m.conditions}
	for i, row := range m.cells {
		if keep(row) {
			ret.loci = append(ret.loci, m.loci[i])
			ret.cells = append(ret.cells, row)
		}
	}
	return ret
}

// clusterRows runs Ward clustering on the matrix rows and returns
// per-row cluster labels plus the dendrogram leaf order rank of each
// row.
func (m *fitnessMatrix) clusterRows(k int) (labels, order []int) {
	n := len(m.cells)
	if n == 0 {
		return nil, nil
	}
	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dist := floats.Distance(m.cells[i], m.cells[j], 2)
			d[i][j] = dist * dist
			d[j][i] = d[i][j]
		}
	}
	merges := wardLinkage(d)
	labels = cutTree(merges, n, k)
	order = make([]int, n)
	for rank, leaf := range leafOrder(merges, n) {
		order[leaf] = rank
	}
	return labels, order
}

type clustercmd struct {
	clusters  int
	timepoint float64
	clipLimit float64
	noEffect  float64
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.clusters, "k", 5, "number of clusters")
	flags.Float64Var(&cmd.timepoint, "timepoint", 0, "reference `timepoint` for the fitness matrix")
	flags.Float64Var(&cmd.clipLimit, "clip", 4, "clip fitness values to ±`limit` before distance computation")
	flags.Float64Var(&cmd.noEffect, "no-effect-band", 2, "second pass keeps genes with some |fitness| above `band`")
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
	if len(snap.Genes) == 0 {
		err = fmt.Errorf("input has no gene fitness table (run the aggregate command first)")
		return 1
	}

	m := buildFitnessMatrix(snap.Genes, cmd.timepoint)
	m.clip(cmd.clipLimit)
	log.Infof("fitness matrix: %d loci × %d conditions", len(m.loci), len(m.conditions))

	snap.Clusters = nil
	snap.Clusters = append(snap.Clusters, assignClusters(m, cmd.clusters, false)...)

	changed := m.subset(func(row []float64) bool {
		for _, v := range row {
			if math.Abs(v) > cmd.noEffect {
				return true
			}
		}
		return false
	})
	log.Infof("second pass: %d of %d loci outside the ±%v no-effect band", len(changed.loci), len(m.loci), cmd.noEffect)
	snap.Clusters = append(snap.Clusters, assignClusters(changed, cmd.clusters, true)...)

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

func assignClusters(m *fitnessMatrix, k int, changed bool) []ClusterAssignment {
	labels, order := m.clusterRows(k)
	ret := make([]ClusterAssignment, len(m.loci))
	for i, locus := range m.loci {
		ret[i] = ClusterAssignment{
			Locus:   locus,
			Cluster: labels[i],
			Order:   order[i],
			Changed: changed,
		}
	}
	return ret
}
