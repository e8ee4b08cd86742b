package column

import (
	"fmt"
	"runtime"

	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/twpayne/go-geom"
	"golang.org/x/sync/errgroup"
)

// RowError records a row-local failure.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// Kind names the error category of the failure.
func (e RowError) Kind() string {
	return geometry.KindOf(e.Err)
}

// Result pairs an output column with the rows that failed while producing
// it. Failed rows are null in Column; Errors is sorted by row.
type Result struct {
	Column *Column
	Errors []RowError
}

// Release frees the output column.
func (r *Result) Release() {
	if r != nil && r.Column != nil {
		r.Column.Release()
	}
}

type options struct {
	workers int
	mem     memory.Allocator
}

// Option configures column-wide operations.
type Option func(*options)

// WithWorkers sets the number of row ranges processed concurrently. Zero or
// less means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithAllocator sets the allocator used for output arrays.
func WithAllocator(mem memory.Allocator) Option {
	return func(o *options) {
		o.mem = mem
	}
}

func resolve(opts []Option) options {
	o := options{mem: memory.NewGoAllocator()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers <= 0 {
		o.workers = runtime.GOMAXPROCS(0)
	}
	return o
}

// Workers returns the number of row ranges the options resolve to.
func Workers(opts ...Option) int {
	return resolve(opts).workers
}

// Allocator returns the allocator the options resolve to.
func Allocator(opts ...Option) memory.Allocator {
	return resolve(opts).mem
}

// Ranges splits [0, n) into at most workers contiguous, ordered ranges.
func Ranges(n, workers int) [][2]int {
	if n == 0 {
		return nil
	}
	workers = max(1, min(workers, n))
	size := (n + workers - 1) / workers
	out := make([][2]int, 0, workers)
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// Parallel runs fn over contiguous row ranges of [0, n). fn must only write
// output slots inside its own range. Row errors are collected per range and
// merged in row order once every range is done.
func Parallel(n int, fn func(lo, hi int) []RowError, opts ...Option) []RowError {
	ranges := Ranges(n, resolve(opts).workers)
	perRange := make([][]RowError, len(ranges))

	var g errgroup.Group
	for i, r := range ranges {
		g.Go(func() error {
			perRange[i] = fn(r[0], r[1])
			return nil
		})
	}
	_ = g.Wait()

	var merged []RowError
	for _, errs := range perRange {
		merged = append(merged, errs...)
	}
	return merged
}

// TryMap decodes every non-null row, applies fn and re-encodes the result
// with the row's original byte order. A row whose decode or fn fails becomes
// null and is reported in Result.Errors. fn returning a nil geometry yields
// a null slot without an error.
func (c *Column) TryMap(fn func(geom.T) (geom.T, error), opts ...Option) *Result {
	n := c.Len()
	out := make([][]byte, n)

	errs := Parallel(n, func(lo, hi int) []RowError {
		var rowErrs []RowError
		for i := lo; i < hi; i++ {
			if c.arr.IsNull(i) {
				continue
			}
			src := c.arr.Value(i)
			g, err := geometry.Decode(src)
			if err != nil {
				rowErrs = append(rowErrs, RowError{Row: i, Err: err})
				continue
			}
			res, err := fn(g)
			if err != nil {
				rowErrs = append(rowErrs, RowError{Row: i, Err: err})
				continue
			}
			if res == nil {
				continue
			}
			b, err := geometry.EncodeOrder(res, geometry.ByteOrderOf(src))
			if err != nil {
				rowErrs = append(rowErrs, RowError{Row: i, Err: err})
				continue
			}
			out[i] = b
		}
		return rowErrs
	}, opts...)

	return &Result{Column: fromSlots(out, resolve(opts).mem), Errors: errs}
}

// Map is TryMap for functions that cannot fail. Malformed rows still become
// null with a row error.
func (c *Column) Map(fn func(geom.T) geom.T, opts ...Option) *Result {
	return c.TryMap(func(g geom.T) (geom.T, error) {
		return fn(g), nil
	}, opts...)
}

// MapFloat64 computes one float per row. fn reports ok=false for a null
// result; null and failed rows are null.
func (c *Column) MapFloat64(fn func(geom.T) (float64, bool, error), opts ...Option) (*array.Float64, []RowError) {
	values, valid, errs := mapScalar(c, fn, opts)
	b := array.NewFloat64Builder(resolve(opts).mem)
	defer b.Release()
	b.AppendValues(values, valid)
	return b.NewFloat64Array(), errs
}

// MapBool computes one boolean per row with the same null rules as
// MapFloat64.
func (c *Column) MapBool(fn func(geom.T) (bool, bool, error), opts ...Option) (*array.Boolean, []RowError) {
	values, valid, errs := mapScalar(c, fn, opts)
	b := array.NewBooleanBuilder(resolve(opts).mem)
	defer b.Release()
	b.AppendValues(values, valid)
	return b.NewBooleanArray(), errs
}

// MapInt8 computes one int8 per row with the same null rules as MapFloat64.
func (c *Column) MapInt8(fn func(geom.T) (int8, bool, error), opts ...Option) (*array.Int8, []RowError) {
	values, valid, errs := mapScalar(c, fn, opts)
	b := array.NewInt8Builder(resolve(opts).mem)
	defer b.Release()
	b.AppendValues(values, valid)
	return b.NewInt8Array(), errs
}

func mapScalar[T any](c *Column, fn func(geom.T) (T, bool, error), opts []Option) ([]T, []bool, []RowError) {
	n := c.Len()
	values := make([]T, n)
	valid := make([]bool, n)

	errs := Parallel(n, func(lo, hi int) []RowError {
		var rowErrs []RowError
		for i := lo; i < hi; i++ {
			if c.arr.IsNull(i) {
				continue
			}
			g, err := geometry.Decode(c.arr.Value(i))
			if err != nil {
				rowErrs = append(rowErrs, RowError{Row: i, Err: err})
				continue
			}
			v, ok, err := fn(g)
			if err != nil {
				rowErrs = append(rowErrs, RowError{Row: i, Err: err})
				continue
			}
			values[i], valid[i] = v, ok
		}
		return rowErrs
	}, opts...)

	return values, valid, errs
}

// Concat joins columns end to end.
func Concat(cols ...*Column) *Column {
	var values [][]byte
	for _, c := range cols {
		for i := range c.Len() {
			if c.arr.IsNull(i) {
				values = append(values, nil)
				continue
			}
			values = append(values, c.arr.Value(i))
		}
	}
	return FromWKB(values)
}

// Int64Array builds an Arrow Int64 array from row indices.
func Int64Array(rows []int, mem memory.Allocator) *array.Int64 {
	b := array.NewInt64Builder(mem)
	defer b.Release()
	b.Reserve(len(rows))
	for _, r := range rows {
		b.Append(int64(r))
	}
	return b.NewInt64Array()
}
