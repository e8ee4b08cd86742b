package geometry

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkb"
	"github.com/twpayne/go-geom/encoding/wkbcommon"
)

const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	headerSize = 5
	countSize  = 4

	// maxNesting bounds collection recursion on hostile input.
	maxNesting = 32
)

var (
	// NDR is little endian, the encoding used for newly produced values.
	NDR binary.ByteOrder = wkb.NDR
	// XDR is big endian.
	XDR binary.ByteOrder = wkb.XDR

	emptyPointAsNaN = wkbcommon.WKBOptionEmptyPointHandling(wkbcommon.EmptyPointHandlingNaN)

	layoutByDim = [4]geom.Layout{geom.XY, geom.XYZ, geom.XYM, geom.XYZM}
)

// Decode parses one ISO WKB geometry. The buffer is fully validated before
// any geometry is allocated, so a malformed value never yields a partial
// result.
func Decode(b []byte) (geom.T, error) {
	if err := Validate(b); err != nil {
		return nil, err
	}
	g, err := wkb.Unmarshal(b, emptyPointAsNaN)
	if err != nil {
		return nil, MarkMalformed(err, "decode wkb")
	}
	return g, nil
}

// Encode writes g as little-endian ISO WKB.
func Encode(g geom.T) ([]byte, error) {
	return EncodeOrder(g, NDR)
}

// EncodeOrder writes g as ISO WKB in the given byte order.
func EncodeOrder(g geom.T, order binary.ByteOrder) ([]byte, error) {
	if g == nil {
		return nil, errors.AssertionFailedf("encode: nil geometry")
	}
	b, err := wkb.Marshal(g, order, emptyPointAsNaN)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %T", g)
	}
	return b, nil
}

// ByteOrderOf reports the byte order flag of an encoded value, defaulting
// to NDR.
func ByteOrderOf(b []byte) binary.ByteOrder {
	if len(b) > 0 && b[0] == wkbcommon.XDRID {
		return XDR
	}
	return NDR
}

// Validate walks the WKB structure and checks every count against the bytes
// that remain. It never reads past the end of b and rejects trailing bytes.
func Validate(b []byte) error {
	end, err := scan(b, 0, 0, 0, geom.NoLayout)
	if err != nil {
		return err
	}
	if end != len(b) {
		return Malformedf("%d trailing bytes", len(b)-end)
	}
	return nil
}

// scan validates the geometry starting at off. want restricts the base type
// (0 accepts any) and layout restricts the dimension (NoLayout accepts any).
func scan(b []byte, off, depth int, want uint32, layout geom.Layout) (int, error) {
	if depth > maxNesting {
		return 0, Malformedf("nesting deeper than %d", maxNesting)
	}
	if len(b)-off < headerSize {
		return 0, Malformedf("truncated header at offset %d", off)
	}

	var order binary.ByteOrder
	switch b[off] {
	case wkbcommon.NDRID:
		order = NDR
	case wkbcommon.XDRID:
		order = XDR
	default:
		return 0, Malformedf("unknown byte order %#x at offset %d", b[off], off)
	}

	code := order.Uint32(b[off+1:])
	dim, base := code/1000, code%1000
	if dim > 3 || base < wkbPoint || base > wkbGeometryCollection {
		return 0, Malformedf("unknown type code %d at offset %d", code, off)
	}
	l := layoutByDim[dim]
	if layout != geom.NoLayout && l != layout {
		return 0, Malformedf("member layout %s does not match parent %s", l, layout)
	}
	if want != 0 && base != want {
		return 0, Malformedf("unexpected member type %d, want %d", base, want)
	}
	off += headerSize

	coordSize := 8 * l.Stride()
	switch base {
	case wkbPoint:
		return need(b, off, coordSize)
	case wkbLineString:
		return scanCoords(b, off, coordSize, order)
	case wkbPolygon:
		n, off, err := count(b, off, countSize, order)
		if err != nil {
			return 0, err
		}
		for range n {
			if off, err = scanCoords(b, off, coordSize, order); err != nil {
				return 0, err
			}
		}
		return off, nil
	case wkbMultiPoint, wkbMultiLineString, wkbMultiPolygon:
		n, off, err := count(b, off, headerSize, order)
		if err != nil {
			return 0, err
		}
		member := base - 3
		for range n {
			if off, err = scan(b, off, depth+1, member, l); err != nil {
				return 0, err
			}
		}
		return off, nil
	default:
		n, off, err := count(b, off, headerSize, order)
		if err != nil {
			return 0, err
		}
		for range n {
			if off, err = scan(b, off, depth+1, 0, geom.NoLayout); err != nil {
				return 0, err
			}
		}
		return off, nil
	}
}

// count reads an element count and checks that n elements of at least
// minSize bytes each could still fit.
func count(b []byte, off, minSize int, order binary.ByteOrder) (uint32, int, error) {
	if len(b)-off < countSize {
		return 0, 0, Malformedf("truncated count at offset %d", off)
	}
	n := order.Uint32(b[off:])
	off += countSize
	if uint64(n)*uint64(minSize) > uint64(len(b)-off) {
		return 0, 0, Malformedf("count %d exceeds remaining %d bytes", n, len(b)-off)
	}
	return n, off, nil
}

func scanCoords(b []byte, off, coordSize int, order binary.ByteOrder) (int, error) {
	n, off, err := count(b, off, coordSize, order)
	if err != nil {
		return 0, err
	}
	return off + int(n)*coordSize, nil
}

func need(b []byte, off, size int) (int, error) {
	if len(b)-off < size {
		return 0, Malformedf("truncated coordinate at offset %d", off)
	}
	return off + size, nil
}
