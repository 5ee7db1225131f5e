// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

// exportNumpy writes the condition-by-gene fitness matrix as a .npy
// file plus row and column annotation CSVs, for plotting from
// Python.
type exportNumpy struct {
	timepoint float64
	clipLimit float64
	outputDir string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	inputFilename := flags.String("i", "-", "input `file`")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.Float64Var(&cmd.timepoint, "timepoint", 0, "reference `timepoint` for the fitness matrix")
	flags.Float64Var(&cmd.clipLimit, "clip", 0, "clip fitness values to ±`limit` (0 = no clipping)")
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
	if cmd.clipLimit > 0 {
		m.clip(cmd.clipLimit)
	}

	f, err := os.OpenFile(cmd.outputDir+"/matrix.npy", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return 1
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{len(m.loci), len(m.conditions)}
	out := make([]float64, 0, len(m.loci)*len(m.conditions))
	for _, row := range m.cells {
		out = append(out, row...)
	}
	log.Infof("writing matrix.npy: %d rows, %d cols", len(m.loci), len(m.conditions))
	err = npw.WriteFloat64(out)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = f.Close()
	if err != nil {
		return 1
	}

	err = writeList(cmd.outputDir+"/rows.csv", "locus", m.loci)
	if err != nil {
		return 1
	}
	err = writeList(cmd.outputDir+"/cols.csv", "condition", m.conditions)
	if err != nil {
		return 1
	}
	return 0
}

func writeList(filename, header string, values []string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	csvw := csv.NewWriter(f)
	err = csvw.Write([]string{header})
	if err != nil {
		return err
	}
	for _, v := range values {
		err = csvw.Write([]string{v})
		if err != nil {
			return err
		}
	}
	csvw.Flush()
	if err := csvw.Error(); err != nil {
		return err
	}
	return f.Close()
}
