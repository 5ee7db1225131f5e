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
	"math"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// exporter renders one snapshot table as CSV. NaN becomes "NA" so R
// and pandas read undefined values as missing, not as zero.
type exporter struct {
	table  string
	filter guideFilter
}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.table, "table", "genes", "`table` to export (guides, weights, genes, or clusters)")
	cmd.filter.Flags(flags)
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
	bufw := bufio.NewWriterSize(output, 1<<20)
	csvw := csv.NewWriter(bufw)
	switch cmd.table {
	case "guides":
		err = writeGuideCSV(csvw, cmd.filter.Apply(snap.Guides))
	case "weights":
		err = writeWeightCSV(csvw, snap.Weights)
	case "genes":
		err = writeGeneCSV(csvw, snap.Genes)
	case "clusters":
		err = writeClusterCSV(csvw, snap.Clusters)
	default:
		err = fmt.Errorf("unknown table %q", cmd.table)
	}
	if err != nil {
		return 1
	}
	csvw.Flush()
	if err = csvw.Error(); err != nil {
		return 1
	}
	if err = bufw.Flush(); err != nil {
		return 1
	}
	if err = output.Close(); err != nil {
		return 1
	}
	return 0
}

func writeGuideCSV(w *csv.Writer, guides []GuideRecord) error {
	err := w.Write([]string{"sgRNA", "target", "position", "index", "type", "condition", "time", "log2FoldChange", "fitness", "padj", "locus", "pathway", "process"})
	if err != nil {
		return err
	}
	for _, g := range guides {
		err = w.Write([]string{
			g.SgRNAID, g.Target, strconv.Itoa(g.Position), strconv.Itoa(g.Index), g.Type.String(),
			g.Condition, num(g.Timepoint), num(g.Log2FC), num(g.Fitness), num(g.PAdj),
			g.Locus, g.Pathway, g.Process,
		})
		if err != nil {
			return err
		}
	}
	log.Infof("exported %d guide rows", len(guides))
	return nil
}

func writeWeightCSV(w *csv.Writer, weights []GuideWeight) error {
	err := w.Write([]string{"target", "index", "weight", "efficiency"})
	if err != nil {
		return err
	}
	for _, gw := range weights {
		err = w.Write([]string{gw.Target, strconv.Itoa(gw.Index), num(gw.Weight), num(gw.Efficiency)})
		if err != nil {
			return err
		}
	}
	log.Infof("exported %d weight rows", len(weights))
	return nil
}

func writeGeneCSV(w *csv.Writer, genes []GeneFitness) error {
	err := w.Write([]string{
		"target", "condition", "time", "n_sgRNAs",
		"mean_log2FoldChange", "wmean_log2FoldChange", "top1_log2FoldChange", "top2_log2FoldChange", "sd_log2FoldChange",
		"mean_fitness", "wmean_fitness", "top1_fitness", "top2_fitness", "sd_fitness",
		"locus", "pathway", "process",
	})
	if err != nil {
		return err
	}
	for _, g := range genes {
		err = w.Write([]string{
			g.Target, g.Condition, num(g.Timepoint), strconv.Itoa(g.NGuides),
			num(g.MeanLog2FC), num(g.WMeanLog2FC), num(g.Top1Log2FC), num(g.Top2Log2FC), num(g.SDLog2FC),
			num(g.MeanFitness), num(g.WMeanFitness), num(g.Top1Fitness), num(g.Top2Fitness), num(g.SDFitness),
			g.Locus, g.Pathway, g.Process,
		})
		if err != nil {
			return err
		}
	}
	log.Infof("exported %d gene rows", len(genes))
	return nil
}

func writeClusterCSV(w *csv.Writer, clusters []ClusterAssignment) error {
	err := w.Write([]string{"locus", "cluster", "order", "subset"})
	if err != nil {
		return err
	}
	for _, c := range clusters {
		subset := "all"
		if c.Changed {
			subset = "changed"
		}
		err = w.Write([]string{c.Locus, strconv.Itoa(c.Cluster), strconv.Itoa(c.Order), subset})
		if err != nil {
			return err
		}
	}
	log.Infof("exported %d cluster rows", len(clusters))
	return nil
}

func num(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
