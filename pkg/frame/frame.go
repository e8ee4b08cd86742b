// Package frame keeps a geometry column together with its sibling
// attribute columns as a list of Arrow record batches.
package frame

import (
	"context"
	"os"

	"geocol/pkg/affine"
	"geocol/pkg/column"
	"geocol/pkg/explode"
	"geocol/pkg/ops"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom"
)

// DefaultGeometryColumn is the geometry column name used by FromGeoJSON.
const DefaultGeometryColumn = "geometry"

// ErrMissingColumn is returned when a batch lacks the geometry column or
// carries it with a non-binary type.
var ErrMissingColumn = errors.New("missing geometry column")

// GeoFrame is a table whose rows each carry one geometry plus attributes.
// Row numbers run across batches in order.
type GeoFrame struct {
	geomCol    string
	crs        string
	records    []arrow.RecordBatch
	mem        memory.Allocator
	tempDir    string
	sourceFile *string
}

// New wraps records. The frame takes over the caller's references.
func New(records []arrow.RecordBatch, geomCol, crs string) (*GeoFrame, error) {
	out := &GeoFrame{
		geomCol: geomCol,
		crs:     crs,
		records: records,
		mem:     memory.NewGoAllocator(),
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *GeoFrame) validate() error {
	for i, rec := range f.records {
		idx := rec.Schema().FieldIndices(f.geomCol)
		if len(idx) == 0 {
			return errors.Wrapf(ErrMissingColumn, "batch %d has no column %q", i, f.geomCol)
		}
		switch rec.Column(idx[0]).DataType().ID() {
		case arrow.BINARY, arrow.LARGE_BINARY, arrow.BINARY_VIEW:
		default:
			return errors.Wrapf(ErrMissingColumn, "column %q is %s, not binary", f.geomCol, rec.Column(idx[0]).DataType())
		}
	}
	return nil
}

// CRS returns the coordinate reference system of the geometry column.
func (f *GeoFrame) CRS() string {
	return f.crs
}

// GeometryColumn returns the name of the geometry column.
func (f *GeoFrame) GeometryColumn() string {
	return f.geomCol
}

// Records returns the record batches without transferring ownership.
func (f *GeoFrame) Records() []arrow.RecordBatch {
	return f.records
}

// NumRows returns the total row count over all batches.
func (f *GeoFrame) NumRows() int {
	n := 0
	for _, rec := range f.records {
		n += int(rec.NumRows())
	}
	return n
}

// Geometry returns the geometry column of every batch concatenated. The
// caller releases it.
func (f *GeoFrame) Geometry() (*column.Column, error) {
	cols := make([]*column.Column, 0, len(f.records))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i := range f.records {
		c, err := f.batchGeometry(i)
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return column.Concat(cols...), nil
}

func (f *GeoFrame) batchGeometry(i int) (*column.Column, error) {
	rec := f.records[i]
	return column.FromArray(rec.Column(rec.Schema().FieldIndices(f.geomCol)[0]))
}

// Release releases the record batches and removes any sink directory.
func (f *GeoFrame) Release() {
	for _, rec := range f.records {
		rec.Release()
	}
	f.records = nil

	if f.tempDir != "" {
		os.RemoveAll(f.tempDir)
		f.tempDir = ""
	}
}

// batchStep transforms one batch given its geometry column.
type batchStep func(rec arrow.RecordBatch, c *column.Column) (arrow.RecordBatch, []column.RowError, error)

// each runs step over every batch and collects the new batches into a frame
// with the given CRS. Row errors are renumbered to frame rows.
func (f *GeoFrame) each(crs string, step batchStep) (*GeoFrame, []column.RowError, error) {
	var (
		out     []arrow.RecordBatch
		rowErrs []column.RowError
		offset  int
	)
	fail := func(err error) (*GeoFrame, []column.RowError, error) {
		for _, rec := range out {
			rec.Release()
		}
		return nil, nil, err
	}

	for i, rec := range f.records {
		c, err := f.batchGeometry(i)
		if err != nil {
			return fail(err)
		}
		next, errs, err := step(rec, c)
		c.Release()
		if err != nil {
			return fail(err)
		}
		for _, e := range errs {
			rowErrs = append(rowErrs, column.RowError{Row: e.Row + offset, Err: e.Err})
		}
		out = append(out, next)
		offset += int(rec.NumRows())
	}

	return &GeoFrame{
		geomCol: f.geomCol,
		crs:     crs,
		records: out,
		mem:     f.mem,
	}, rowErrs, nil
}

// Apply runs a one-operand operation over the geometry column. Geometry
// results replace the geometry column; other results are stored in a
// column named after the operation.
func (f *GeoFrame) Apply(ctx context.Context, d *ops.Dispatcher, op ops.Op) (*GeoFrame, []column.RowError, error) {
	return f.each(f.crs, func(rec arrow.RecordBatch, c *column.Column) (arrow.RecordBatch, []column.RowError, error) {
		out, err := d.Unary(ctx, op, c)
		if err != nil {
			return nil, nil, err
		}
		defer out.Release()
		return f.store(rec, op, out), out.Errors, nil
	})
}

// ApplyWith runs a two-operand operation with g as the right operand of
// every row.
func (f *GeoFrame) ApplyWith(ctx context.Context, d *ops.Dispatcher, op ops.Op, g geom.T) (*GeoFrame, []column.RowError, error) {
	return f.each(f.crs, func(rec arrow.RecordBatch, c *column.Column) (arrow.RecordBatch, []column.RowError, error) {
		out, err := d.BinaryWith(ctx, op, c, g)
		if err != nil {
			return nil, nil, err
		}
		defer out.Release()
		return f.store(rec, op, out), out.Errors, nil
	})
}

func (f *GeoFrame) store(rec arrow.RecordBatch, op ops.Op, out *ops.Output) arrow.RecordBatch {
	if out.Kind == ops.KindGeometry {
		return withColumn(rec, out.Geometry.Field(f.geomCol), out.Array())
	}
	field := arrow.Field{Name: string(op), Type: out.Array().DataType(), Nullable: true}
	return withColumn(rec, field, out.Array())
}

// Affine applies m to every geometry.
func (f *GeoFrame) Affine(m affine.Matrix, opts ...column.Option) (*GeoFrame, []column.RowError, error) {
	return f.Transform(func(c *column.Column) *column.Result {
		return affine.Column(c, m, opts...)
	})
}

// Transform replaces the geometry column with fn applied to it.
func (f *GeoFrame) Transform(fn func(*column.Column) *column.Result) (*GeoFrame, []column.RowError, error) {
	return f.mapGeometry(f.crs, func(c *column.Column) (*column.Result, error) {
		return fn(c), nil
	})
}

// ToCRS reprojects the geometry column into target. An unsupported CRS
// pair fails the whole call.
func (f *GeoFrame) ToCRS(ctx context.Context, d *ops.Dispatcher, target string) (*GeoFrame, []column.RowError, error) {
	return f.mapGeometry(target, func(c *column.Column) (*column.Result, error) {
		return d.Reproject(ctx, c, f.crs, target)
	})
}

func (f *GeoFrame) mapGeometry(crs string, fn func(*column.Column) (*column.Result, error)) (*GeoFrame, []column.RowError, error) {
	return f.each(crs, func(rec arrow.RecordBatch, c *column.Column) (arrow.RecordBatch, []column.RowError, error) {
		res, err := fn(c)
		if err != nil {
			return nil, nil, err
		}
		defer res.Release()
		return withColumn(rec, res.Column.Field(f.geomCol), res.Column.Array()), res.Errors, nil
	})
}

// Explode splits multi-part geometries into one row per part and repeats
// every sibling column through the explode mapping.
func (f *GeoFrame) Explode(ctx context.Context, opts ...column.Option) (*GeoFrame, []column.RowError, error) {
	return f.each(f.crs, func(rec arrow.RecordBatch, c *column.Column) (arrow.RecordBatch, []column.RowError, error) {
		parts, mapping, errs := explode.Explode(c, opts...)
		defer parts.Release()

		indices := mapping.Array(f.mem)
		defer indices.Release()

		schema := rec.Schema()
		cols := make([]arrow.Array, rec.NumCols())
		defer func() {
			for _, col := range cols {
				if col != nil {
					col.Release()
				}
			}
		}()

		fields := schema.Fields()
		for i := range cols {
			if fields[i].Name == f.geomCol {
				parts.Retain()
				cols[i] = parts.Array()
				fields[i] = parts.Field(f.geomCol)
				continue
			}
			taken, err := compute.TakeArray(ctx, rec.Column(i), indices)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "replicate column %q", fields[i].Name)
			}
			cols[i] = taken
		}

		md := schema.Metadata()
		return array.NewRecordBatch(arrow.NewSchema(fields, &md), cols, int64(len(mapping))), errs, nil
	})
}

// withColumn returns rec with the column named field.Name replaced by arr,
// or arr appended when no such column exists.
func withColumn(rec arrow.RecordBatch, field arrow.Field, arr arrow.Array) arrow.RecordBatch {
	schema := rec.Schema()
	fields := schema.Fields()
	cols := append([]arrow.Array{}, rec.Columns()...)

	if idx := schema.FieldIndices(field.Name); len(idx) > 0 {
		fields[idx[0]] = field
		cols[idx[0]] = arr
	} else {
		fields = append(fields, field)
		cols = append(cols, arr)
	}

	md := schema.Metadata()
	return array.NewRecordBatch(arrow.NewSchema(fields, &md), cols, rec.NumRows())
}
