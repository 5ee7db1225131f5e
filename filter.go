// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"flag"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"
)

// guideFilter is a reusable flag group for restricting the guide
// table. Zero values disable each criterion.
type guideFilter struct {
	MinAbsFitness float64
	MaxPAdj       float64
	Conditions    string
	DropControls  bool
}

func (f *guideFilter) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&f.MinAbsFitness, "min-abs-fitness", 0, "drop guides whose |fitness| is below `X` in every row")
	flags.Float64Var(&f.MaxPAdj, "max-padj", 0, "drop rows with adjusted p-value above `P` (rows without a p-value are kept)")
	flags.StringVar(&f.Conditions, "conditions", "", "keep only the named `conditions` (comma-separated)")
	flags.BoolVar(&f.DropControls, "drop-controls", false, "drop control guides")
}

func (f *guideFilter) Apply(guides []GuideRecord) []GuideRecord {
	if f.MinAbsFitness == 0 && f.MaxPAdj == 0 && f.Conditions == "" && !f.DropControls {
		return guides
	}
	keepCondition := map[string]bool{}
	for _, c := range strings.Split(f.Conditions, ",") {
		if c != "" {
			keepCondition[c] = true
		}
	}
	// A guide identity passes the fitness criterion if any of its
	// rows does: the criterion selects guides, not observations.
	strongEnough := map[string]map[int]bool{}
	if f.MinAbsFitness > 0 {
		for _, g := range guides {
			if math.Abs(g.Fitness) >= f.MinAbsFitness {
				if strongEnough[g.Target] == nil {
					strongEnough[g.Target] = map[int]bool{}
				}
				strongEnough[g.Target][g.Index] = true
			}
		}
	}
	out := guides[:0]
	for _, g := range guides {
		if f.DropControls && g.Type == TargetControl {
			continue
		}
		if len(keepCondition) > 0 && !keepCondition[g.Condition] {
			continue
		}
		if f.MaxPAdj > 0 && !math.IsNaN(g.PAdj) && g.PAdj > f.MaxPAdj {
			continue
		}
		if f.MinAbsFitness > 0 && !strongEnough[g.Target][g.Index] {
			continue
		}
		out = append(out, g)
	}
	if len(out) < len(guides) {
		log.Infof("filter kept %d of %d guide rows", len(out), len(guides))
	}
	return out
}
