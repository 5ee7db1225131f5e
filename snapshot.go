// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bufio"
	"encoding/gob"
	"io"

	"github.com/klauspost/pgzip"
)

type TargetType int8

const (
	TargetGene TargetType = iota
	TargetNCRNA
	TargetControl
)

func (t TargetType) String() string {
	switch t {
	case TargetNCRNA:
		return "ncRNA"
	case TargetControl:
		return "control"
	default:
		return "gene"
	}
}

// GuideRecord is one sgRNA measurement in one condition at one
// timepoint. PAdj is NaN when the upstream contrast engine reported
// no adjusted p-value; NaN means "undefined" for all float fields.
type GuideRecord struct {
	SgRNAID   string
	Target    string
	Position  int
	Index     int
	Type      TargetType
	Condition string
	Timepoint float64
	Log2FC    float64
	Fitness   float64
	PAdj      float64
	Locus     string
	Pathway   string
	Process   string
}

// GuideWeight carries the condition-independent reliability weight
// and repression-efficiency score for one (target, index) identity.
type GuideWeight struct {
	Target     string
	Index      int
	Weight     float64
	Efficiency float64
}

// GeneFitness is the gene-level aggregate of all sgRNAs sharing
// (target, condition, timepoint). SD fields are NaN when the group
// has fewer than two members.
type GeneFitness struct {
	Target    string
	Condition string
	Timepoint float64
	NGuides   int

	MeanLog2FC  float64
	WMeanLog2FC float64
	Top1Log2FC  float64
	Top2Log2FC  float64
	SDLog2FC    float64

	MeanFitness  float64
	WMeanFitness float64
	Top1Fitness  float64
	Top2Fitness  float64
	SDFitness    float64

	Locus   string
	Pathway string
	Process string
}

// ClusterAssignment maps a locus to its cluster and its dendrogram
// leaf position. Order exists for display contiguity only. Changed
// marks assignments from the second clustering pass, which is
// restricted to genes responding in at least one condition.
type ClusterAssignment struct {
	Locus   string
	Cluster int
	Order   int
	Changed bool
}

// SnapshotEntry is the unit of gob-encoded data passed between
// pipeline stages. Each stage decodes every entry on its input,
// appends or replaces the tables it owns, and encodes the result.
type SnapshotEntry struct {
	Guides   []GuideRecord
	Weights  []GuideWeight
	Genes    []GeneFitness
	Clusters []ClusterAssignment
}

func ReadSnapshot(rdr io.Reader, gz bool) (*SnapshotEntry, error) {
	if gz {
		in, err := pgzip.NewReader(rdr)
		if err != nil {
			return nil, err
		}
		defer in.Close()
		rdr = in
	}
	var ret SnapshotEntry
	dec := gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<22))
	for {
		var ent SnapshotEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return &ret, nil
		} else if err != nil {
			return nil, err
		}
		ret.Guides = append(ret.Guides, ent.Guides...)
		ret.Weights = append(ret.Weights, ent.Weights...)
		ret.Genes = append(ret.Genes, ent.Genes...)
		ret.Clusters = append(ret.Clusters, ent.Clusters...)
	}
}

func WriteSnapshot(w io.Writer, gz bool, ent *SnapshotEntry) error {
	bufw := bufio.NewWriterSize(w, 1<<22)
	var out io.Writer = bufw
	var gzw *pgzip.Writer
	if gz {
		gzw = pgzip.NewWriter(bufw)
		out = gzw
	}
	err := gob.NewEncoder(out).Encode(ent)
	if err != nil {
		return err
	}
	if gzw != nil {
		err = gzw.Close()
		if err != nil {
			return err
		}
	}
	return bufw.Flush()
}
