// Package explode turns multi-part geometries into one row per part.
package explode

import (
	"geocol/pkg/column"
	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
)

// Mapping holds, for every output row, the input row it came from. It is
// non-decreasing.
type Mapping []int

// Array returns the mapping as an Arrow Int64 array, the form a take
// kernel accepts.
func (m Mapping) Array(mem memory.Allocator) *array.Int64 {
	return column.Int64Array(m, mem)
}

// Counts returns how many output rows each of n input rows produced.
func (m Mapping) Counts(n int) []int {
	counts := make([]int, n)
	for _, src := range m {
		counts[src]++
	}
	return counts
}

type chunk struct {
	values  [][]byte
	mapping []int
	errs    []column.RowError
}

// Explode emits one row per part of each multi-part geometry, parts in
// their original order. Single-part, null and empty rows emit one row each;
// a malformed row emits one null row and a row error. Collections are split
// one level deep.
func Explode(c *column.Column, opts ...column.Option) (*column.Column, Mapping, []column.RowError) {
	ranges := column.Ranges(c.Len(), column.Workers(opts...))
	chunks := make([]chunk, len(ranges))

	var g errgroup.Group
	for i, r := range ranges {
		g.Go(func() error {
			chunks[i] = explodeRange(c, r[0], r[1])
			return nil
		})
	}
	_ = g.Wait()

	var (
		values  [][]byte
		mapping Mapping
		errs    []column.RowError
	)
	for _, ch := range chunks {
		values = append(values, ch.values...)
		mapping = append(mapping, ch.mapping...)
		errs = append(errs, ch.errs...)
	}
	return column.FromWKB(values), mapping, errs
}

func explodeRange(c *column.Column, lo, hi int) chunk {
	var out chunk
	emit := func(row int, b []byte) {
		out.values = append(out.values, b)
		out.mapping = append(out.mapping, row)
	}

	for i := lo; i < hi; i++ {
		b, ok, _ := c.Get(i)
		if !ok {
			emit(i, nil)
			continue
		}
		g, err := geometry.Decode(b)
		if err != nil {
			out.errs = append(out.errs, column.RowError{Row: i, Err: err})
			emit(i, nil)
			continue
		}
		if !geometry.IsMulti(g) {
			emit(i, b)
			continue
		}

		order := geometry.ByteOrderOf(b)
		for _, part := range geometry.Parts(g) {
			pb, err := geometry.EncodeOrder(part, order)
			if err != nil {
				out.errs = append(out.errs, column.RowError{Row: i, Err: err})
				pb = nil
			}
			emit(i, pb)
		}
	}
	return out
}
