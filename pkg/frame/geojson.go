package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"geocol/pkg/column"
	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom/encoding/geojson"
)

// FeatureCollection is a GeoJSON FeatureCollection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is a GeoJSON Feature. A nil Geometry is a null geometry.
type Feature struct {
	Type       string            `json:"type"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties map[string]any    `json:"properties"`
}

// FromGeoJSON builds a single-batch frame from a FeatureCollection. The
// geometry lands in DefaultGeometryColumn as WKB; property columns are typed
// from the first non-null value of each key. A geometry that fails to
// decode is an error for the whole document.
func FromGeoJSON(data []byte, crs string) (*GeoFrame, error) {
	var fc FeatureCollection
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fc); err != nil {
		return nil, geometry.MarkMalformed(err, "failed to unmarshal geojson")
	}

	pool := memory.NewGoAllocator()

	propKeys := make(map[string]struct{})
	for _, f := range fc.Features {
		for k := range f.Properties {
			if k == DefaultGeometryColumn {
				continue
			}
			propKeys[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(propKeys))
	for k := range propKeys {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	fields := []arrow.Field{column.GeometryField(DefaultGeometryColumn)}
	for _, k := range keys {
		fields = append(fields, arrow.Field{Name: k, Type: inferType(fc.Features, k), Nullable: true})
	}

	schema := arrow.NewSchema(fields, nil)
	builder := array.NewRecordBuilder(pool, schema)
	defer builder.Release()

	geoms := builder.Field(0).(*array.BinaryBuilder)
	for i, f := range fc.Features {
		if f.Geometry == nil {
			geoms.AppendNull()
		} else {
			g, err := f.Geometry.Decode()
			if err != nil {
				return nil, geometry.MarkMalformed(err, fmt.Sprintf("decode feature %d", i))
			}
			wkb, err := geometry.Encode(g)
			if err != nil {
				return nil, errors.Wrapf(err, "feature %d", i)
			}
			geoms.Append(wkb)
		}

		for j, k := range keys {
			if err := appendProperty(builder.Field(j+1), f.Properties[k]); err != nil {
				return nil, errors.Wrapf(err, "feature %d property %q", i, k)
			}
		}
	}

	rec := builder.NewRecordBatch()
	return New([]arrow.RecordBatch{rec}, DefaultGeometryColumn, crs)
}

// inferType picks the Arrow type of a property from its first non-null
// value. Integral numbers become Int64; objects and arrays are kept as JSON
// text.
func inferType(features []Feature, key string) arrow.DataType {
	for _, f := range features {
		v, ok := f.Properties[key]
		if !ok || v == nil {
			continue
		}
		switch v := v.(type) {
		case json.Number:
			if _, err := v.Int64(); err == nil {
				return arrow.PrimitiveTypes.Int64
			}
			return arrow.PrimitiveTypes.Float64
		case bool:
			return arrow.FixedWidthTypes.Boolean
		}
		return arrow.BinaryTypes.String
	}
	return arrow.BinaryTypes.String
}

func appendProperty(b array.Builder, val any) error {
	if val == nil {
		b.AppendNull()
		return nil
	}

	switch b := b.(type) {
	case *array.Int64Builder:
		n, ok := val.(json.Number)
		if !ok {
			return errors.Newf("expected a number, got %T", val)
		}
		iv, err := n.Int64()
		if err != nil {
			// A later row may widen an integral column.
			fv, ferr := n.Float64()
			if ferr != nil {
				return errors.Wrap(err, "parse integer")
			}
			iv = int64(fv)
		}
		b.Append(iv)
	case *array.Float64Builder:
		n, ok := val.(json.Number)
		if !ok {
			return errors.Newf("expected a number, got %T", val)
		}
		fv, err := n.Float64()
		if err != nil {
			return errors.Wrap(err, "parse float")
		}
		b.Append(fv)
	case *array.BooleanBuilder:
		bv, ok := val.(bool)
		if !ok {
			return errors.Newf("expected a boolean, got %T", val)
		}
		b.Append(bv)
	case *array.StringBuilder:
		switch v := val.(type) {
		case string:
			b.Append(v)
		case map[string]any, []any:
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			b.Append(string(raw))
		default:
			b.Append(fmt.Sprint(v))
		}
	default:
		b.AppendNull()
	}
	return nil
}

// ToGeoJSON renders the frame as FeatureCollection bytes.
func (f *GeoFrame) ToGeoJSON() ([]byte, error) {
	fc, err := f.ToFeatureCollection()
	if err != nil {
		return nil, err
	}
	return json.Marshal(fc)
}

// ToFeatureCollection converts the frame to GeoJSON features. Every column
// other than the geometry column becomes a property; null values are
// omitted.
func (f *GeoFrame) ToFeatureCollection() (*FeatureCollection, error) {
	fc := &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]Feature, 0, f.NumRows()),
	}

	for b, batch := range f.records {
		schema := batch.Schema()
		geomIdx := schema.FieldIndices(f.geomCol)[0]

		geoms, err := f.batchGeometry(b)
		if err != nil {
			return nil, err
		}

		for rowIdx := range int(batch.NumRows()) {
			feature := Feature{Type: "Feature", Properties: make(map[string]any)}

			g, err := geoms.Decode(rowIdx)
			if err != nil {
				geoms.Release()
				return nil, errors.Wrapf(err, "row %d", rowIdx)
			}
			if g != nil {
				if feature.Geometry, err = geojson.Encode(g); err != nil {
					geoms.Release()
					return nil, errors.Wrapf(err, "encode row %d", rowIdx)
				}
			}

			for colIdx := range int(batch.NumCols()) {
				if colIdx == geomIdx {
					continue
				}
				val, err := getColumnValue(batch.Column(colIdx), rowIdx)
				if err == nil && val != nil {
					feature.Properties[schema.Field(colIdx).Name] = val
				}
			}
			fc.Features = append(fc.Features, feature)
		}
		geoms.Release()
	}

	return fc, nil
}

// getColumnValue extracts a JSON-ready value from an Arrow column.
func getColumnValue(col arrow.Array, idx int) (any, error) {
	if col.IsNull(idx) {
		return nil, nil
	}
	switch c := col.(type) {
	case *array.Float64:
		return c.Value(idx), nil
	case *array.Float32:
		return float64(c.Value(idx)), nil
	case *array.Int64:
		return c.Value(idx), nil
	case *array.Int32:
		return int64(c.Value(idx)), nil
	case *array.Int8:
		return int64(c.Value(idx)), nil
	case *array.String:
		return c.Value(idx), nil
	case *array.LargeString:
		return c.Value(idx), nil
	case *array.Boolean:
		return c.Value(idx), nil
	case *array.Binary:
		return string(c.Value(idx)), nil
	case *array.LargeBinary:
		return string(c.Value(idx)), nil
	default:
		return nil, errors.Newf("unsupported column type: %s", col.DataType())
	}
}
