// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bytes"
	"encoding/gob"
	"math"

	"gopkg.in/check.v1"
)

type snapshotSuite struct{}

var _ = check.Suite(&snapshotSuite{})

func (s *snapshotSuite) TestRoundTrip(c *check.C) {
	ent := &SnapshotEntry{
		Guides: []GuideRecord{{
			SgRNAID: "pgr5|-54", Target: "pgr5", Position: -54, Index: 1,
			Condition: "high light", Timepoint: 4, Log2FC: -2, Fitness: -1.5,
			PAdj: math.NaN(), Locus: "sll0550",
		}},
		Weights: []GuideWeight{{Target: "pgr5", Index: 1, Weight: 0.75, Efficiency: 1}},
		Genes: []GeneFitness{{
			Target: "pgr5", Condition: "high light", Timepoint: 4, NGuides: 1,
			MeanLog2FC: -2, SDLog2FC: math.NaN(), SDFitness: math.NaN(),
		}},
		Clusters: []ClusterAssignment{{Locus: "sll0550", Cluster: 2, Order: 7, Changed: true}},
	}
	for _, gz := range []bool{false, true} {
		var buf bytes.Buffer
		err := WriteSnapshot(&buf, gz, ent)
		c.Assert(err, check.IsNil)
		got, err := ReadSnapshot(&buf, gz)
		c.Assert(err, check.IsNil)
		c.Check(got.Guides, check.HasLen, 1)
		c.Check(got.Guides[0].SgRNAID, check.Equals, "pgr5|-54")
		// NaN must survive the round trip as NaN, not as zero
		c.Check(math.IsNaN(got.Guides[0].PAdj), check.Equals, true)
		c.Check(math.IsNaN(got.Genes[0].SDLog2FC), check.Equals, true)
		c.Check(got.Weights, check.DeepEquals, ent.Weights)
		c.Check(got.Clusters, check.DeepEquals, ent.Clusters)
	}
}

func (s *snapshotSuite) TestMultipleEntries(c *check.C) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(SnapshotEntry{Guides: []GuideRecord{{SgRNAID: "a|1"}}})
	c.Assert(err, check.IsNil)
	err = enc.Encode(SnapshotEntry{Guides: []GuideRecord{{SgRNAID: "b|2"}}, Weights: []GuideWeight{{Target: "b", Index: 1, Weight: 1}}})
	c.Assert(err, check.IsNil)
	got, err := ReadSnapshot(&buf, false)
	c.Assert(err, check.IsNil)
	c.Check(got.Guides, check.HasLen, 2)
	c.Check(got.Weights, check.HasLen, 1)
}
