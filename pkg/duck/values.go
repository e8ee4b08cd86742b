package duck

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"
)

// Columns returns the named column of every batch in order.
func Columns(recs []arrow.RecordBatch, name string) ([]arrow.Array, error) {
	out := make([]arrow.Array, 0, len(recs))
	for _, rec := range recs {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, errors.Newf("result has no column %q", name)
		}
		out = append(out, rec.Column(idx[0]))
	}
	return out, nil
}

// Int64s flattens an integer result column.
func Int64s(recs []arrow.RecordBatch, name string) ([]int64, error) {
	cols, err := Columns(recs, name)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, col := range cols {
		switch col := col.(type) {
		case *array.Int64:
			out = append(out, col.Int64Values()...)
		case *array.Int32:
			for _, v := range col.Int32Values() {
				out = append(out, int64(v))
			}
		default:
			return nil, errors.Newf("column %q has type %s, want integer", name, col.DataType())
		}
	}
	return out, nil
}

// Float64s flattens a DOUBLE result column. Null slots read as zero and are
// flagged in valid.
func Float64s(recs []arrow.RecordBatch, name string) (values []float64, valid []bool, err error) {
	cols, err := Columns(recs, name)
	if err != nil {
		return nil, nil, err
	}
	for _, col := range cols {
		f, ok := col.(*array.Float64)
		if !ok {
			return nil, nil, errors.Newf("column %q has type %s, want double", name, col.DataType())
		}
		for i := range f.Len() {
			values = append(values, f.Value(i))
			valid = append(valid, f.IsValid(i))
		}
	}
	return values, valid, nil
}

// Bools flattens a BOOLEAN result column; null reads as false.
func Bools(recs []arrow.RecordBatch, name string) ([]bool, error) {
	cols, err := Columns(recs, name)
	if err != nil {
		return nil, err
	}
	var out []bool
	for _, col := range cols {
		b, ok := col.(*array.Boolean)
		if !ok {
			return nil, errors.Newf("column %q has type %s, want boolean", name, col.DataType())
		}
		for i := range b.Len() {
			out = append(out, b.IsValid(i) && b.Value(i))
		}
	}
	return out, nil
}

// Blobs flattens a BLOB result column; null slots are nil. DuckDB may hand
// back any of the binary layouts depending on version and settings.
func Blobs(recs []arrow.RecordBatch, name string) ([][]byte, error) {
	cols, err := Columns(recs, name)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, col := range cols {
		switch col := col.(type) {
		case *array.Binary:
			for i := range col.Len() {
				out = append(out, blob(col.IsNull(i), col.Value(i)))
			}
		case *array.LargeBinary:
			for i := range col.Len() {
				out = append(out, blob(col.IsNull(i), col.Value(i)))
			}
		case *array.BinaryView:
			for i := range col.Len() {
				out = append(out, blob(col.IsNull(i), col.Value(i)))
			}
		default:
			return nil, errors.Newf("column %q has type %s, want blob", name, col.DataType())
		}
	}
	return out, nil
}

func blob(null bool, v []byte) []byte {
	if null {
		return nil
	}
	return append([]byte{}, v...)
}
