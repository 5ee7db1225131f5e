// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// statscmd summarizes a snapshot as JSON: table sizes, per-condition
// row counts, the guides-per-target histogram, weight quartiles, and
// a content fingerprint for tracking which snapshot produced which
// report.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
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

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(input, bufw, strings.HasSuffix(*inputFilename, ".gz"))
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(input io.Reader, output io.Writer, gz bool) error {
	var ret struct {
		Fingerprint     string
		Guides          int
		Targets         int
		Conditions      map[string]int
		GuidesPerTarget []int // a[x]==y means y targets have x guides
		Weights         int
		WeightQuartiles []float64 `json:",omitempty"`
		Genes           int
		Clusters        int
		ClusterSizes    map[int]int `json:",omitempty"`
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	snap, err := ReadSnapshot(io.TeeReader(input, hasher), gz)
	if err != nil {
		return err
	}
	ret.Fingerprint = fmt.Sprintf("%x", hasher.Sum(nil))

	ret.Guides = len(snap.Guides)
	ret.Conditions = map[string]int{}
	guidesPerTarget := map[string]map[int]bool{}
	for _, g := range snap.Guides {
		ret.Conditions[g.Condition]++
		if guidesPerTarget[g.Target] == nil {
			guidesPerTarget[g.Target] = map[int]bool{}
		}
		guidesPerTarget[g.Target][g.Index] = true
	}
	ret.Targets = len(guidesPerTarget)
	for _, idxs := range guidesPerTarget {
		for len(ret.GuidesPerTarget) <= len(idxs) {
			ret.GuidesPerTarget = append(ret.GuidesPerTarget, 0)
		}
		ret.GuidesPerTarget[len(idxs)]++
	}

	ret.Weights = len(snap.Weights)
	if len(snap.Weights) > 0 {
		ww := make([]float64, len(snap.Weights))
		for i, w := range snap.Weights {
			ww[i] = w.Weight
		}
		sort.Float64s(ww)
		ret.WeightQuartiles = []float64{
			ww[len(ww)/4],
			ww[len(ww)/2],
			ww[len(ww)*3/4],
		}
	}

	ret.Genes = len(snap.Genes)
	ret.Clusters = len(snap.Clusters)
	if len(snap.Clusters) > 0 {
		ret.ClusterSizes = map[int]int{}
		for _, c := range snap.Clusters {
			if !c.Changed {
				ret.ClusterSizes[c.Cluster]++
			}
		}
	}

	return json.NewEncoder(output).Encode(ret)
}
