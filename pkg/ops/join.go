package ops

import (
	"context"

	"geocol/pkg/column"
	"geocol/pkg/geometry"
	"geocol/pkg/index"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom"
)

// JoinResult lists the (left, right) row pairs for which the predicate
// holds, ordered by left row then right row.
type JoinResult struct {
	Left        *array.Int64
	Right       *array.Int64
	LeftErrors  []column.RowError
	RightErrors []column.RowError
}

// Release frees both index arrays.
func (r *JoinResult) Release() {
	if r == nil {
		return
	}
	r.Left.Release()
	r.Right.Release()
}

// SpatialJoin pairs every row of left with the rows of right satisfying
// op. Candidates come from an R-tree over right and are then tested with
// the predicate. Null, empty and malformed rows never match.
func (d *Dispatcher) SpatialJoin(ctx context.Context, left, right *column.Column, op Op) (*JoinResult, error) {
	h, err := d.binaryHandler(op)
	if err != nil {
		return nil, err
	}
	if !op.IsPredicate() || op == Disjoint {
		return nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "cannot join on %s", op)
	}

	idx, rightErrs := index.Build(right, d.Options()...)

	n := left.Len()
	leftGeoms := make([]geom.T, n)
	candidates := make([][]int, n)
	leftErrs := column.Parallel(n, func(lo, hi int) []column.RowError {
		var rowErrs []column.RowError
		for i := lo; i < hi; i++ {
			g, err := left.Decode(i)
			if err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: i, Err: err})
				continue
			}
			if g == nil {
				continue
			}
			leftGeoms[i] = g
			candidates[i] = idx.QueryGeometry(g)
		}
		return rowErrs
	}, d.Options()...)

	var pairLeft, pairRight []int
	for i, cand := range candidates {
		for _, j := range cand {
			pairLeft = append(pairLeft, i)
			pairRight = append(pairRight, j)
		}
	}

	leftSide := func(k int) operand {
		i := pairLeft[k]
		raw, _, _ := left.Get(i)
		return operand{raw: raw, g: leftGeoms[i]}
	}
	rightSide := columnSide(right)
	rightPairs := func(k int) operand {
		return rightSide(pairRight[k])
	}

	out, err := d.run(ctx, op, h, len(pairLeft), leftSide, rightPairs)
	if err != nil {
		return nil, err
	}
	defer out.Release()

	var matchLeft, matchRight []int
	for k := range len(pairLeft) {
		if out.Bool.IsValid(k) && out.Bool.Value(k) {
			matchLeft = append(matchLeft, pairLeft[k])
			matchRight = append(matchRight, pairRight[k])
		}
	}

	mem := d.cfg.Allocator
	return &JoinResult{
		Left:        column.Int64Array(matchLeft, mem),
		Right:       column.Int64Array(matchRight, mem),
		LeftErrors:  leftErrs,
		RightErrors: rightErrs,
	}, nil
}
