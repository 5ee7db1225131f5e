// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"bytes"
	"math"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type importSuite struct{}

var _ = check.Suite(&importSuite{})

func (s *importSuite) TestSplitGuideID(c *check.C) {
	target, pos, ok := splitGuideID("pgr5|-54")
	c.Check(ok, check.Equals, true)
	c.Check(target, check.Equals, "pgr5")
	c.Check(pos, check.Equals, -54)

	_, _, ok = splitGuideID("nodelimiter")
	c.Check(ok, check.Equals, false)
	_, _, ok = splitGuideID("gene|notanumber")
	c.Check(ok, check.Equals, false)
}

func (s *importSuite) TestNormalizeGuideID(c *check.C) {
	// "º" is a mangled zero in a few library entries
	c.Check(normalizeGuideID("psbA2|-1º4"), check.Equals, "psbA2|-104")
	c.Check(normalizeGuideID("pgr5|-54"), check.Equals, "pgr5|-54")
}

func (s *importSuite) TestClassifyTarget(c *check.C) {
	c.Check(classifyTarget("pgr5"), check.Equals, TargetGene)
	c.Check(classifyTarget("ncr0700"), check.Equals, TargetNCRNA)
	c.Check(classifyTarget("ctrl12"), check.Equals, TargetControl)
	c.Check(classifyTarget("Ctrl3"), check.Equals, TargetControl)
}

const testContrastCSV = `sgRNA,condition,time,log2FoldChange,padj,fitness
pgr5|-54,HL,0,0,1,0
pgr5|-54,HL,4,-2,0.001,-1.5
pgr5|12,HL,0,0,1,0
pgr5|12,HL,4,-2.2,0.002,-1.7
pgr5|-54,reference,0,0,,0
petE|3,HL,0,0,1,0
petE|3,HL,4,0.5,0.4,0.3
nonsense|5,HL,4,1,0.9,0.8
ncr0700|8,HL,4,-1,0.1,-0.9
`

func importTestGuides(c *check.C) []GuideRecord {
	cmd := &importer{excludeCondition: "reference"}
	guides, err := cmd.readContrastTable(strings.NewReader(testContrastCSV), nil)
	c.Assert(err, check.IsNil)
	locus := map[string]string{"pgr5": "sll0550", "petE": "sll0199"}
	anno := map[string][2]string{"sll0550": {"photosynthesis", "cyclic electron flow"}}
	return cmd.join(guides, locus, anno)
}

func (s *importSuite) TestJoin(c *check.C) {
	guides := importTestGuides(c)
	// "nonsense" resolves to no locus and is dropped; the
	// excluded sentinel condition never appears.
	for _, g := range guides {
		c.Check(g.Target == "nonsense", check.Equals, false)
		c.Check(g.Condition == "reference", check.Equals, false)
		c.Check(g.Condition, check.Equals, "high light")
	}
	c.Check(guides, check.HasLen, 7)

	byID := map[string]GuideRecord{}
	for _, g := range guides {
		byID[g.SgRNAID+"/"+g.Condition+"/"+num(g.Timepoint)] = g
	}
	g := byID["pgr5|-54/high light/4"]
	c.Check(g.Locus, check.Equals, "sll0550")
	c.Check(g.Pathway, check.Equals, "photosynthesis")
	c.Check(g.Process, check.Equals, "cyclic electron flow")
	c.Check(g.Index, check.Equals, 1) // position -54 ranks before 12
	c.Check(byID["pgr5|12/high light/4"].Index, check.Equals, 2)
	c.Check(byID["petE|3/high light/4"].Index, check.Equals, 1)
	// ncRNA targets keep their own name as locus when it looks
	// like a locus tag
	c.Check(byID["ncr0700|8/high light/4"].Type, check.Equals, TargetNCRNA)
	c.Check(byID["ncr0700|8/high light/4"].Locus, check.Equals, "ncr0700")
}

func (s *importSuite) TestJoinIdempotent(c *check.C) {
	guides := importTestGuides(c)
	locus := map[string]string{"pgr5": "sll0550", "petE": "sll0199"}
	anno := map[string][2]string{"sll0550": {"photosynthesis", "cyclic electron flow"}}
	again := (&importer{}).join(append([]GuideRecord(nil), guides...), locus, anno)
	c.Check(again, check.DeepEquals, guides)
}

func (s *importSuite) TestPAdjMissing(c *check.C) {
	cmd := &importer{excludeCondition: "reference"}
	guides, err := cmd.readContrastTable(strings.NewReader("sgRNA,condition,time,log2FoldChange,padj,fitness\npgr5|1,HL,0,0,,0\n"), nil)
	c.Assert(err, check.IsNil)
	c.Assert(guides, check.HasLen, 1)
	c.Check(math.IsNaN(guides[0].PAdj), check.Equals, true)
}

func (s *importSuite) TestIndexCap(c *check.C) {
	var rows []GuideRecord
	for pos := 1; pos <= 7; pos++ {
		rows = append(rows, GuideRecord{Target: "slr1834", Position: pos * 10, Type: TargetGene})
	}
	joined := (&importer{}).join(rows, nil, nil)
	c.Check(joined, check.HasLen, maxGuidesPerTarget)
	for _, g := range joined {
		c.Check(g.Index >= 1 && g.Index <= maxGuidesPerTarget, check.Equals, true)
	}
}

func (s *importSuite) TestRunCommand(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/de.csv", []byte(testContrastCSV), 0644)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/genes.tsv", []byte("pgr5\tsll0550\npetE\tsll0199\n"), 0644)
	c.Assert(err, check.IsNil)
	err = os.WriteFile(tmpdir+"/anno.tsv", []byte("locus\tpathway\tprocess\nsll0550\tphotosynthesis\tcyclic electron flow\n"), 0644)
	c.Assert(err, check.IsNil)

	var stdout bytes.Buffer
	exited := (&importer{}).RunCommand("import", []string{
		"-gene-locus", tmpdir + "/genes.tsv",
		"-annotation", tmpdir + "/anno.tsv",
		"-o", tmpdir + "/screen.gob.gz",
		tmpdir + "/de.csv",
	}, &bytes.Buffer{}, &stdout, os.Stderr)
	c.Assert(exited, check.Equals, 0)

	f, err := os.Open(tmpdir + "/screen.gob.gz")
	c.Assert(err, check.IsNil)
	defer f.Close()
	snap, err := ReadSnapshot(f, true)
	c.Assert(err, check.IsNil)
	c.Check(snap.Guides, check.HasLen, 7)
	c.Check(snap.Weights, check.HasLen, 0)
}
