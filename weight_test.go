// Copyright (C) The CRISPRi Screen Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package screen

import (
	"fmt"
	"math"

	"gopkg.in/check.v1"
)

type weightSuite struct{}

var _ = check.Suite(&weightSuite{})

func (s *weightSuite) TestPerfectSiblings(c *check.C) {
	// Three guides with identical depletion trajectories are
	// perfectly correlated and fully trusted.
	ww := guideWeights(map[int][]float64{
		1: {0, -1, -2, -3},
		2: {0, -1, -2, -3},
		3: {0, -1, -2, -3},
	})
	for idx := 1; idx <= 3; idx++ {
		c.Check(fmt.Sprintf("%.7f", ww[idx]), check.Equals, "1.0000000")
	}
}

func (s *weightSuite) TestAntiCorrelatedGuide(c *check.C) {
	// Four declining guides and one slightly enriching guide: the
	// odd one out is anti-correlated with every sibling and loses
	// all weight; the siblings keep theirs (median of {1,1,1,-1}
	// is still 1).
	ww := guideWeights(map[int][]float64{
		1: {0, -1, -2, -3},
		2: {0, -1.1, -2.2, -3.1},
		3: {0, -0.9, -1.8, -2.9},
		4: {0, -1, -2.1, -3},
		5: {0, 0.05, 0.1, 0.15},
	})
	c.Check(ww[5] < 0.05, check.Equals, true, check.Commentf("w=%v", ww[5]))
	for idx := 1; idx <= 4; idx++ {
		c.Check(ww[idx] > 0.5, check.Equals, true, check.Commentf("idx=%d w=%v", idx, ww[idx]))
	}
}

func (s *weightSuite) TestWeightRange(c *check.C) {
	ww := guideWeights(map[int][]float64{
		1: {0, -2, -4, -6},
		2: {0, 1, -3, -2},
		3: {0, 0.5, 0.2, -1},
		4: {0, -1, 2, -3},
	})
	for idx, w := range ww {
		c.Check(w >= 0 && w <= 1, check.Equals, true, check.Commentf("idx=%d w=%v", idx, w))
	}
}

func (s *weightSuite) TestSingleGuideTarget(c *check.C) {
	ww := guideWeights(map[int][]float64{
		1: {0, -1, -2, -3},
	})
	c.Check(ww[1], check.Equals, 1.0)
}

func (s *weightSuite) TestDegenerateSibling(c *check.C) {
	// The only sibling is constant, so every correlation is
	// undefined and both guides fall back to full weight.
	ww := guideWeights(map[int][]float64{
		1: {0, -1, -2, -3},
		2: {0, 0, 0, 0},
	})
	c.Check(ww[1], check.Equals, 1.0)
	c.Check(ww[2], check.Equals, 1.0)
}

func (s *weightSuite) TestPearsonPairwiseComplete(c *check.C) {
	nan := math.NaN()
	r := pearson([]float64{0, nan, -2, -3, nan}, []float64{0, -1, nan, -3, -4})
	// Only observations 0 and 3 are complete in both vectors.
	c.Check(fmt.Sprintf("%.7f", r), check.Equals, "1.0000000")
	c.Check(math.IsNaN(pearson([]float64{1, nan}, []float64{nan, 1})), check.Equals, true)
}

func (s *weightSuite) TestMedian(c *check.C) {
	c.Check(median([]float64{3, 1, 2}), check.Equals, 2.0)
	c.Check(median([]float64{4, 1, 2, 3}), check.Equals, 2.5)
	c.Check(math.IsNaN(median(nil)), check.Equals, true)
}

func (s *weightSuite) TestEfficiencyNormalization(c *check.C) {
	ee := guideEfficiencies(map[int][]float64{
		1: {-2, -2, 2},  // median |fitness| 2
		2: {-1, 1, -1},  // median |fitness| 1
		3: {0, 0.5, -4}, // median |fitness| 0.5
	})
	c.Check(ee[1], check.Equals, 1.0)
	c.Check(ee[2], check.Equals, 0.5)
	c.Check(ee[3], check.Equals, 0.25)
}

func (s *weightSuite) TestEfficiencyMaxAlwaysOne(c *check.C) {
	ee := guideEfficiencies(map[int][]float64{
		1: {-0.1, 0.2},
		2: {3, -2.5},
	})
	max := 0.0
	for _, e := range ee {
		c.Check(e >= 0 && e <= 1, check.Equals, true)
		if e > max {
			max = e
		}
	}
	c.Check(max, check.Equals, 1.0)
}

func (s *weightSuite) TestEfficiencyAllZero(c *check.C) {
	ee := guideEfficiencies(map[int][]float64{
		1: {0, 0, 0},
		2: {0, 0},
	})
	c.Check(ee[1], check.Equals, 0.0)
	c.Check(ee[2], check.Equals, 0.0)
}

func (s *weightSuite) TestComputeGuideWeights(c *check.C) {
	var guides []GuideRecord
	for t := 0; t < 4; t++ {
		for idx, slope := range []float64{-1, -1, 0.05} {
			guides = append(guides, GuideRecord{
				Target:    "pgr5",
				Index:     idx + 1,
				Condition: "high light",
				Timepoint: float64(t),
				Log2FC:    slope * float64(t),
				Fitness:   slope * float64(t) * 2,
			})
		}
		guides = append(guides, GuideRecord{
			Target:    "petE",
			Index:     1,
			Condition: "high light",
			Timepoint: float64(t),
			Log2FC:    -0.5 * float64(t),
			Fitness:   -0.5 * float64(t),
		})
	}
	weights, err := computeGuideWeights(guides, 2)
	c.Assert(err, check.IsNil)
	byKey := map[string]GuideWeight{}
	for _, w := range weights {
		byKey[fmt.Sprintf("%s/%d", w.Target, w.Index)] = w
	}
	// every (target, index) identity gets exactly one entry
	c.Check(weights, check.HasLen, 4)
	// pgr5 guide 1 agrees with guide 2 (r=1) and disagrees with
	// guide 3 (r=-1): median 0, weight 0.5.
	c.Check(byKey["pgr5/1"].Weight, check.Equals, 0.5)
	c.Check(byKey["pgr5/3"].Weight, check.Equals, 0.0)
	c.Check(byKey["petE/1"].Weight, check.Equals, 1.0)
	c.Check(byKey["petE/1"].Efficiency, check.Equals, 1.0)
	c.Check(byKey["pgr5/1"].Efficiency, check.Equals, 1.0)
}
