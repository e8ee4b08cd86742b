// Package column implements the geometry column: a null-aware sequence of
// WKB values backed by an Arrow binary array.
package column

import (
	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom"
)

// ExtensionName tags geometry fields so readers of the Arrow/Parquet output
// recognise the WKB payload.
const ExtensionName = "geoarrow.wkb"

// Column is an ordered, null-aware sequence of serialized geometries.
type Column struct {
	arr *array.Binary
}

// New wraps an existing Arrow binary array. The column takes over the
// caller's reference.
func New(arr *array.Binary) *Column {
	return &Column{arr: arr}
}

// FromArray wraps any binary-like Arrow array, copying into a Binary array
// when the layout differs (LargeBinary, BinaryView, String).
func FromArray(arr arrow.Array) (*Column, error) {
	if b, ok := arr.(*array.Binary); ok {
		b.Retain()
		return New(b), nil
	}

	values := make([][]byte, arr.Len())
	switch a := arr.(type) {
	case *array.LargeBinary:
		for i := range values {
			if a.IsValid(i) {
				values[i] = a.Value(i)
			}
		}
	case *array.BinaryView:
		for i := range values {
			if a.IsValid(i) {
				values[i] = a.Value(i)
			}
		}
	case *array.String:
		for i := range values {
			if a.IsValid(i) {
				values[i] = []byte(a.Value(i))
			}
		}
	default:
		return nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "geometry column of type %s", arr.DataType())
	}
	return FromWKB(values), nil
}

// FromBuffers builds a column from the host engine's native layout: n+1
// offsets into data and an optional validity bitmap (nil means no nulls).
func FromBuffers(n int, offsets []int32, data, validity []byte) (*Column, error) {
	if len(offsets) != n+1 {
		return nil, errors.Wrapf(geometry.ErrShapeMismatch, "%d offsets for %d rows", len(offsets), n)
	}
	for i := range n {
		if offsets[i] < 0 || offsets[i] > offsets[i+1] {
			return nil, errors.Wrapf(geometry.ErrShapeMismatch, "offsets not monotonic at row %d", i)
		}
	}
	if int(offsets[n]) > len(data) {
		return nil, errors.Wrapf(geometry.ErrShapeMismatch, "offsets reach %d past %d data bytes", offsets[n], len(data))
	}

	nulls := 0
	var validityBuf *memory.Buffer
	if validity != nil {
		if len(validity) < int(bitutil.BytesForBits(int64(n))) {
			return nil, errors.Wrapf(geometry.ErrShapeMismatch, "validity bitmap of %d bytes for %d rows", len(validity), n)
		}
		nulls = n - bitutil.CountSetBits(validity, 0, n)
		validityBuf = memory.NewBufferBytes(validity)
	}

	data32 := array.NewData(
		arrow.BinaryTypes.Binary,
		n,
		[]*memory.Buffer{
			validityBuf,
			memory.NewBufferBytes(arrow.Int32Traits.CastToBytes(offsets)),
			memory.NewBufferBytes(data),
		},
		nil,
		nulls,
		0,
	)
	defer data32.Release()

	return New(array.NewBinaryData(data32)), nil
}

// FromWKB builds a column from encoded values; a nil entry is a null slot.
func FromWKB(values [][]byte) *Column {
	return fromSlots(values, memory.NewGoAllocator())
}

// FromGeoms encodes each geometry (nil is null) into a new column.
func FromGeoms(gs []geom.T) (*Column, error) {
	values := make([][]byte, len(gs))
	for i, g := range gs {
		if g == nil {
			continue
		}
		b, err := geometry.Encode(g)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i)
		}
		values[i] = b
	}
	return FromWKB(values), nil
}

func fromSlots(values [][]byte, mem memory.Allocator) *Column {
	builder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer builder.Release()

	builder.Reserve(len(values))
	for _, v := range values {
		if v == nil {
			builder.AppendNull()
			continue
		}
		builder.Append(v)
	}
	return New(builder.NewBinaryArray())
}

// Len returns the number of rows.
func (c *Column) Len() int {
	return c.arr.Len()
}

// NullCount returns the number of null rows.
func (c *Column) NullCount() int {
	return c.arr.NullN()
}

// IsNull reports whether row i is null. i must be in range.
func (c *Column) IsNull(i int) bool {
	return c.arr.IsNull(i)
}

// Get returns the serialized geometry at row i. ok is false for a null
// slot. The returned bytes alias the column buffer and must not be modified.
func (c *Column) Get(i int) (b []byte, ok bool, err error) {
	if i < 0 || i >= c.Len() {
		return nil, false, errors.Wrapf(geometry.ErrIndexOutOfBounds, "row %d of %d", i, c.Len())
	}
	if c.arr.IsNull(i) {
		return nil, false, nil
	}
	return c.arr.Value(i), true, nil
}

// Decode returns the decoded geometry at row i, nil for a null slot.
func (c *Column) Decode(i int) (geom.T, error) {
	b, ok, err := c.Get(i)
	if err != nil || !ok {
		return nil, err
	}
	return geometry.Decode(b)
}

// Array exposes the backing Arrow array without transferring ownership.
func (c *Column) Array() *array.Binary {
	return c.arr
}

// Buffers returns the offsets, data and validity bitmap (nil when the
// column has no nulls) in the host engine's layout: offsets[0] is 0 and bit
// 0 of validity is row 0. Sliced columns are rebased into fresh buffers.
func (c *Column) Buffers() (offsets []int32, data, validity []byte) {
	offsets = c.arr.ValueOffsets()
	data = c.arr.ValueBytes()
	if len(offsets) > 0 && offsets[0] != 0 {
		base := offsets[0]
		rebased := make([]int32, len(offsets))
		for i, o := range offsets {
			rebased[i] = o - base
		}
		offsets = rebased
	}
	if c.arr.NullN() > 0 {
		n := c.arr.Len()
		validity = c.arr.NullBitmapBytes()
		if shift := c.arr.Data().Offset(); shift != 0 {
			out := make([]byte, bitutil.BytesForBits(int64(n)))
			bitutil.CopyBitmap(validity, shift, n, out, 0)
			validity = out
		}
	}
	return offsets, data, validity
}

// Field describes the column as an Arrow field tagged with the geoarrow
// extension name.
func (c *Column) Field(name string) arrow.Field {
	return GeometryField(name)
}

// GeometryField is the Arrow field for a WKB geometry column called name.
func GeometryField(name string) arrow.Field {
	return arrow.Field{
		Name:     name,
		Type:     arrow.BinaryTypes.Binary,
		Nullable: true,
		Metadata: arrow.NewMetadata([]string{"ARROW:extension:name"}, []string{ExtensionName}),
	}
}

// Retain increments the reference count of the backing array.
func (c *Column) Retain() {
	c.arr.Retain()
}

// Release drops the column's reference to the backing array.
func (c *Column) Release() {
	if c.arr != nil {
		c.arr.Release()
	}
}
