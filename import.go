// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// maxGuidesPerTarget caps the sgRNA index range: the library carries
// up to five guides per target, ranked by position on the gene.
const maxGuidesPerTarget = 5

// guideIDSep separates target name and position in an sgRNA
// identifier, e.g. "pgr5|-54".
const guideIDSep = "|"

var (
	ncRNAPrefix  = "ncr"
	controlLabel = "ctrl"
	locusLikeRe  = regexp.MustCompile(`^[a-z]{3}[0-9]{4}[a-z]?$`)
)

// The library table was exported once with U+00BA (masculine
// ordinal, "º") in place of the digit zero in a handful of guide
// positions. Known-bad-data fix, applied before parsing and nowhere
// else.
func normalizeGuideID(id string) string {
	return strings.ReplaceAll(id, "º", "0")
}

// Condition labels as they should appear in downstream tables.
var conditionRename = map[string]string{
	"HL": "high light",
	"LL": "low light",
	"ML": "medium light",
	"HC": "high CO2",
	"LC": "low CO2",
	"DK": "dark",
	"Fe": "iron limitation",
}

type importer struct {
	geneLocusFile    string
	annotationFile   string
	outputFile       string
	excludeCondition string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.geneLocusFile, "gene-locus", "", "gene-name-to-locus mapping `file` (TSV)")
	flags.StringVar(&cmd.annotationFile, "annotation", "", "locus annotation `file` (TSV)")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	flags.StringVar(&cmd.excludeCondition, "exclude-condition", "reference", "drop all rows with this `condition`")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}
	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	locus := map[string]string{}
	if cmd.geneLocusFile != "" {
		locus, err = readTSVMap(cmd.geneLocusFile, 2)
		if err != nil {
			return 1
		}
		log.Infof("loaded %d gene-to-locus mappings", len(locus))
	}
	anno := map[string][2]string{}
	if cmd.annotationFile != "" {
		anno, err = readAnnotationTable(cmd.annotationFile)
		if err != nil {
			return 1
		}
		log.Infof("loaded %d locus annotations", len(anno))
	}

	var guides []GuideRecord
	for _, infile := range flags.Args() {
		var in io.ReadCloser
		if infile == "-" {
			in = io.NopCloser(stdin)
		} else {
			in, err = os.Open(infile)
			if err != nil {
				return 1
			}
		}
		guides, err = cmd.readContrastTable(in, guides)
		in.Close()
		if err != nil {
			return 1
		}
	}

	guides = cmd.join(guides, locus, anno)

	var output io.WriteCloser
	if cmd.outputFile == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(cmd.outputFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	err = WriteSnapshot(output, strings.HasSuffix(cmd.outputFile, ".gz"), &SnapshotEntry{Guides: guides})
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

// readContrastTable parses the differential-abundance table produced
// by the upstream contrast engine. Columns are resolved by header
// name so the upstream tool can reorder or add columns freely.
func (cmd *importer) readContrastTable(in io.Reader, guides []GuideRecord) ([]GuideRecord, error) {
	csvr := csv.NewReader(in)
	csvr.ReuseRecord = true
	hdr, err := csvr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, name := range hdr {
		col[strings.TrimSpace(name)] = i
	}
	for _, need := range []string{"sgRNA", "condition", "time", "log2FoldChange", "fitness"} {
		if _, ok := col[need]; !ok {
			return nil, fmt.Errorf("input table has no %q column", need)
		}
	}
	nbad := 0
	nexcluded := 0
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		id := normalizeGuideID(rec[col["sgRNA"]])
		target, pos, ok := splitGuideID(id)
		if !ok {
			nbad++
			continue
		}
		condition := rec[col["condition"]]
		if condition == cmd.excludeCondition {
			nexcluded++
			continue
		}
		if r, ok := conditionRename[condition]; ok {
			condition = r
		}
		g := GuideRecord{
			SgRNAID:   id,
			Target:    target,
			Position:  pos,
			Type:      classifyTarget(target),
			Condition: condition,
			PAdj:      math.NaN(),
		}
		g.Timepoint, err = strconv.ParseFloat(rec[col["time"]], 64)
		if err != nil {
			return nil, fmt.Errorf("sgRNA %s: bad timepoint %q", id, rec[col["time"]])
		}
		g.Log2FC, err = strconv.ParseFloat(rec[col["log2FoldChange"]], 64)
		if err != nil {
			return nil, fmt.Errorf("sgRNA %s: bad log2FoldChange %q", id, rec[col["log2FoldChange"]])
		}
		g.Fitness, err = strconv.ParseFloat(rec[col["fitness"]], 64)
		if err != nil {
			return nil, fmt.Errorf("sgRNA %s: bad fitness %q", id, rec[col["fitness"]])
		}
		if c, ok := col["padj"]; ok {
			if p, err := strconv.ParseFloat(rec[c], 64); err == nil {
				g.PAdj = p
			}
		}
		guides = append(guides, g)
	}
	if nbad > 0 {
		log.Warnf("dropped %d rows with unparseable sgRNA identifiers", nbad)
	}
	if nexcluded > 0 {
		log.Infof("dropped %d rows with excluded condition %q", nexcluded, cmd.excludeCondition)
	}
	return guides, nil
}

func splitGuideID(id string) (target string, pos int, ok bool) {
	i := strings.LastIndex(id, guideIDSep)
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	pos, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:i], pos, true
}

func classifyTarget(target string) TargetType {
	switch {
	case strings.Contains(strings.ToLower(target), controlLabel):
		return TargetControl
	case strings.HasPrefix(target, ncRNAPrefix):
		return TargetNCRNA
	default:
		return TargetGene
	}
}

// join resolves loci and annotations, assigns dense per-target sgRNA
// indexes, and drops rows whose target cannot be resolved. Running
// join again on its own output is a no-op.
func (cmd *importer) join(guides []GuideRecord, locus map[string]string, anno map[string][2]string) []GuideRecord {
	positions := map[string][]int{}
	for _, g := range guides {
		positions[g.Target] = appendUniqueInt(positions[g.Target], g.Position)
	}
	rank := map[string]map[int]int{}
	for target, pp := range positions {
		sort.Ints(pp)
		m := make(map[int]int, len(pp))
		for i, p := range pp {
			m[p] = i + 1
		}
		rank[target] = m
	}

	out := guides[:0]
	nunresolved := 0
	noverflow := 0
	for _, g := range guides {
		idx := rank[g.Target][g.Position]
		if idx > maxGuidesPerTarget {
			noverflow++
			continue
		}
		g.Index = idx
		g.Locus = locus[g.Target]
		if g.Locus == "" && locusLikeRe.MatchString(g.Target) {
			// Some library entries target a locus tag
			// directly instead of a trivial name.
			g.Locus = g.Target
		}
		if g.Locus == "" && g.Type == TargetGene {
			nunresolved++
			continue
		}
		if a, ok := anno[g.Locus]; ok {
			g.Pathway, g.Process = a[0], a[1]
		}
		out = append(out, g)
	}
	if nunresolved > 0 {
		log.Warnf("dropped %d rows with unresolved target locus", nunresolved)
	}
	if noverflow > 0 {
		log.Warnf("dropped %d rows beyond %d guides per target", noverflow, maxGuidesPerTarget)
	}
	log.Infof("joined table has %d rows", len(out))
	return out
}

func appendUniqueInt(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

func readTSVMap(filename string, ncol int) (map[string]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tsv := csv.NewReader(f)
	tsv.Comma = '\t'
	tsv.FieldsPerRecord = -1
	ret := map[string]string{}
	for {
		rec, err := tsv.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if len(rec) < ncol || rec[0] == "" {
			continue
		}
		ret[rec[0]] = rec[1]
	}
	return ret, nil
}

func readAnnotationTable(filename string) (map[string][2]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tsv := csv.NewReader(f)
	tsv.Comma = '\t'
	tsv.FieldsPerRecord = -1
	ret := map[string][2]string{}
	for {
		rec, err := tsv.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		if len(rec) < 2 || rec[0] == "" || rec[0] == "locus" {
			continue
		}
		var a [2]string
		a[0] = rec[1]
		if len(rec) > 2 {
			a[1] = rec[2]
		}
		ret[rec[0]] = a
	}
	return ret, nil
}
