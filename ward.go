package screen

import "sort"

// Agglomerative hierarchical clustering with Ward's minimum-variance
// criterion, via Lance-Williams updates on squared Euclidean
// distances. Cluster ids follow the usual linkage convention: leaves
// are 0..n-1, the i'th merge creates cluster n+i.

type linkageMerge struct {
	a, b int
	dist float64 // squared-distance merge height
	size int
}

// wardLinkage consumes a condensed squared-distance matrix, given as
// a full n×n symmetric slice-of-slices, and returns n-1 merges.
// Tie-breaks take the lexicographically smallest (a, b) pair, so the
// dendrogram is deterministic for fixed input.
func wardLinkage(d [][]float64) []linkageMerge {
	n := len(d)
	if n < 2 {
		return nil
	}
	// work is indexed by cluster id; entries for merged-away
	// clusters stay allocated but inactive.
	work := make([][]float64, n, 2*n-1)
	size := make([]int, n, 2*n-1)
	active := make([]int, n)
	for i := range work {
		work[i] = append([]float64(nil), d[i]...)
		size[i] = 1
		active[i] = i
	}
	lookup := func(a, b int) float64 {
		if a < b {
			return work[b][a]
		}
		return work[a][b]
	}

	merges := make([]linkageMerge, 0, n-1)
	for len(active) > 1 {
		besti, bestj := 0, 1
		best := lookup(active[0], active[1])
		for i := 0; i < len(active); i++ {
			for j := i + 1; j < len(active); j++ {
				if dd := lookup(active[i], active[j]); dd < best {
					best, besti, bestj = dd, i, j
				}
			}
		}
		a, b := active[besti], active[bestj]
		id := len(work)
		na, nb := size[a], size[b]

		// Distances from the new cluster to every other
		// active cluster.
		row := make([]float64, id)
		for _, k := range active {
			if k == a || k == b {
				continue
			}
			nk := size[k]
			row[k] = (float64(na+nk)*lookup(a, k) +
				float64(nb+nk)*lookup(b, k) -
				float64(nk)*best) / float64(na+nb+nk)
		}
		work = append(work, row)
		size = append(size, na+nb)
		merges = append(merges, linkageMerge{a: a, b: b, dist: best, size: na + nb})

		active = append(active[:bestj], active[bestj+1:]...)
		active[besti] = id
	}
	return merges
}

// cutTree stops the merge sequence when k clusters remain and
// assigns labels 1..k in order of each cluster's smallest leaf.
// Labels are arbitrary: callers must compare membership partitions,
// not label values.
func cutTree(merges []linkageMerge, n, k int) []int {
	if k < 1 {
		k = 1
	}
	parent := make([]int, n+len(merges))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	stop := n - k
	if stop > len(merges) {
		stop = len(merges)
	}
	for i := 0; i < stop; i++ {
		m := merges[i]
		id := n + i
		parent[find(m.a)] = id
		parent[find(m.b)] = id
	}
	label := map[int]int{}
	ret := make([]int, n)
	for leaf := 0; leaf < n; leaf++ {
		root := find(leaf)
		if _, ok := label[root]; !ok {
			label[root] = len(label) + 1
		}
		ret[leaf] = label[root]
	}
	return ret
}

// leafOrder returns the leaves of the full dendrogram in display
// order, walking each merge's earlier-created child first.
func leafOrder(merges []linkageMerge, n int) []int {
	if n == 0 {
		return nil
	}
	if len(merges) == 0 {
		ret := make([]int, n)
		for i := range ret {
			ret[i] = i
		}
		return ret
	}
	children := map[int][2]int{}
	isChild := make([]bool, n+len(merges))
	for i, m := range merges {
		children[n+i] = [2]int{m.a, m.b}
		isChild[m.a] = true
		isChild[m.b] = true
	}
	var roots []int
	for id := 0; id < n+len(merges); id++ {
		if !isChild[id] {
			roots = append(roots, id)
		}
	}
	sort.Ints(roots)

	var ret []int
	var walk func(int)
	walk = func(id int) {
		if id < n {
			ret = append(ret, id)
			return
		}
		c := children[id]
		if c[0] > c[1] {
			c[0], c[1] = c[1], c[0]
		}
		walk(c[0])
		walk(c[1])
	}
	for _, root := range roots {
		walk(root)
	}
	return ret
}
