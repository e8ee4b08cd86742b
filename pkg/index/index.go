// Package index provides an immutable R-tree over a geometry column.
package index

import (
	"cmp"
	"container/heap"
	"math"
	"slices"

	"geocol/pkg/column"
	"geocol/pkg/geometry"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-geom"
)

const nodeCapacity = 16

// Entry is one indexed row and its bounding box.
type Entry struct {
	Row   int
	Bound orb.Bound
}

// Neighbor is a nearest-neighbour hit.
type Neighbor struct {
	Row      int
	Distance float64
}

type node struct {
	bound    orb.Bound
	children []*node
	items    []int // positions in SpatialIndex.entries, leaves only
}

// SpatialIndex is a bulk-loaded (STR) R-tree. It never changes after Build,
// so any number of goroutines may query it without locking.
type SpatialIndex struct {
	entries []Entry
	shapes  []orb.Geometry
	root    *node
}

// Build decodes every non-null row once and packs the bounding boxes.
// Null and empty rows are left out; malformed rows are left out and
// reported.
func Build(c *column.Column, opts ...column.Option) (*SpatialIndex, []column.RowError) {
	n := c.Len()
	shapes := make([]orb.Geometry, n)
	bounds := make([]orb.Bound, n)
	ok := make([]bool, n)

	errs := column.Parallel(n, func(lo, hi int) []column.RowError {
		var rowErrs []column.RowError
		for i := lo; i < hi; i++ {
			g, err := c.Decode(i)
			if err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: i, Err: err})
				continue
			}
			if g == nil {
				continue
			}
			b, nonEmpty := geometry.Bound(g)
			if !nonEmpty {
				continue
			}
			o, err := geometry.ToOrb(g)
			if err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: i, Err: err})
				continue
			}
			shapes[i], bounds[i], ok[i] = o, b, true
		}
		return rowErrs
	}, opts...)

	idx := &SpatialIndex{}
	for i := range n {
		if ok[i] {
			idx.entries = append(idx.entries, Entry{Row: i, Bound: bounds[i]})
			idx.shapes = append(idx.shapes, shapes[i])
		}
	}
	idx.root = idx.pack()
	return idx, errs
}

// Len returns the number of indexed rows.
func (idx *SpatialIndex) Len() int {
	return len(idx.entries)
}

// Entries returns the indexed (row, bbox) pairs in row order.
func (idx *SpatialIndex) Entries() []Entry {
	return slices.Clone(idx.entries)
}

// QueryEnvelope returns, in ascending order, the rows whose bounding box
// intersects b. It is a coarse filter.
func (idx *SpatialIndex) QueryEnvelope(b orb.Bound) []int {
	if idx.root == nil {
		return nil
	}
	var rows []int
	stack := []*node{idx.root}
	for len(stack) > 0 {
		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !nd.bound.Intersects(b) {
			continue
		}
		for _, pos := range nd.items {
			if idx.entries[pos].Bound.Intersects(b) {
				rows = append(rows, idx.entries[pos].Row)
			}
		}
		stack = append(stack, nd.children...)
	}
	slices.Sort(rows)
	return rows
}

// QueryGeometry runs QueryEnvelope with g's bounding box.
func (idx *SpatialIndex) QueryGeometry(g geom.T) []int {
	b, ok := geometry.Bound(g)
	if !ok {
		return nil
	}
	return idx.QueryEnvelope(b)
}

// Nearest returns up to k rows ordered by exact planar distance from p to
// the geometry (zero inside polygons), ties broken by ascending row.
func (idx *SpatialIndex) Nearest(p orb.Point, k int) []Neighbor {
	if k <= 0 || idx.root == nil {
		return nil
	}

	q := &queue{}
	heap.Push(q, candidate{dist: boundDistance(idx.root.bound, p), node: idx.root})

	out := make([]Neighbor, 0, min(k, len(idx.entries)))
	for q.Len() > 0 && len(out) < k {
		c := heap.Pop(q).(candidate)
		if c.node == nil {
			out = append(out, Neighbor{Row: c.row, Distance: c.dist})
			continue
		}
		for _, child := range c.node.children {
			heap.Push(q, candidate{dist: boundDistance(child.bound, p), node: child})
		}
		for _, pos := range c.node.items {
			heap.Push(q, candidate{
				dist: geometry.DistanceFrom(idx.shapes[pos], p),
				row:  idx.entries[pos].Row,
			})
		}
	}
	return out
}

// pack builds the tree bottom-up with sort-tile-recursive grouping.
func (idx *SpatialIndex) pack() *node {
	if len(idx.entries) == 0 {
		return nil
	}

	level := make([]*node, 0, len(idx.entries)/nodeCapacity+1)
	positions := make([]int, len(idx.entries))
	for i := range positions {
		positions[i] = i
	}
	for _, group := range tile(positions, func(pos int) orb.Point { return idx.entries[pos].Bound.Center() }) {
		nd := &node{items: group, bound: idx.entries[group[0]].Bound}
		for _, pos := range group[1:] {
			nd.bound = nd.bound.Union(idx.entries[pos].Bound)
		}
		level = append(level, nd)
	}

	for len(level) > 1 {
		nodes := level
		order := make([]int, len(nodes))
		for i := range order {
			order[i] = i
		}
		next := make([]*node, 0, len(nodes)/nodeCapacity+1)
		for _, group := range tile(order, func(i int) orb.Point { return nodes[i].bound.Center() }) {
			parent := &node{bound: nodes[group[0]].bound}
			for _, i := range group {
				parent.children = append(parent.children, nodes[i])
				parent.bound = parent.bound.Union(nodes[i].bound)
			}
			next = append(next, parent)
		}
		level = next
	}
	return level[0]
}

// tile sorts items into vertical slices by x, then each slice by y, and
// cuts the result into groups of at most nodeCapacity.
func tile(items []int, center func(int) orb.Point) [][]int {
	leaves := (len(items) + nodeCapacity - 1) / nodeCapacity
	slabs := int(math.Ceil(math.Sqrt(float64(leaves))))
	slabSize := slabs * nodeCapacity

	byAxis := func(axis int) func(a, b int) int {
		return func(a, b int) int {
			if c := cmp.Compare(center(a)[axis], center(b)[axis]); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		}
	}

	slices.SortFunc(items, byAxis(0))
	var groups [][]int
	for lo := 0; lo < len(items); lo += slabSize {
		slab := items[lo:min(lo+slabSize, len(items))]
		slices.SortFunc(slab, byAxis(1))
		for g := 0; g < len(slab); g += nodeCapacity {
			groups = append(groups, slab[g:min(g+nodeCapacity, len(slab))])
		}
	}
	return groups
}

func boundDistance(b orb.Bound, p orb.Point) float64 {
	dx := max(b.Min[0]-p[0], 0, p[0]-b.Max[0])
	dy := max(b.Min[1]-p[1], 0, p[1]-b.Max[1])
	return math.Hypot(dx, dy)
}

// candidate is either a node (node != nil) keyed by its bbox distance or an
// indexed row keyed by its exact distance.
type candidate struct {
	dist float64
	node *node
	row  int
}

type queue []candidate

func (q queue) Len() int { return len(q) }

// Nodes sort before rows at equal distance so that every row at that
// distance is in the queue before the first one is emitted.
func (q queue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	if (a.node == nil) != (b.node == nil) {
		return a.node != nil
	}
	return a.row < b.row
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(candidate)) }

func (q *queue) Pop() any {
	old := *q
	c := old[len(old)-1]
	*q = old[:len(old)-1]
	return c
}
