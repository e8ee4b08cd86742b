package ops

import (
	"context"
	"slices"

	"geocol/pkg/column"
	"geocol/pkg/geometry"
	"geocol/pkg/topology"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom"
)

// TopologyEngine evaluates operations the local kernels leave open.
// *topology.Engine implements it.
type TopologyEngine interface {
	Predicate(ctx context.Context, op string, pairs []topology.Pair) ([]bool, error)
	Scalar(ctx context.Context, op string, pairs []topology.Pair) ([]float64, []bool, error)
	Binary(ctx context.Context, op string, pairs []topology.Pair) ([][]byte, error)
	Unary(ctx context.Context, op string, wkbs [][]byte) ([][]byte, error)
	Measure(ctx context.Context, op string, wkbs [][]byte) ([]float64, []bool, error)
}

// Reprojector moves a column between coordinate reference systems.
// *projection.Engine implements it.
type Reprojector interface {
	Reproject(ctx context.Context, c *column.Column, source, target string, opts ...column.Option) (*column.Result, error)
}

// Config fixes the dispatcher's capabilities.
type Config struct {
	Workers          int
	EnableTopology   bool
	EnableProjection bool
	Topology         TopologyEngine
	Projection       Reprojector
	Allocator        memory.Allocator
}

type handler struct {
	kind     Kind
	unary    unaryKernel
	binary   binaryKernel
	delegate bool
}

// Dispatcher maps operation names onto kernels. The handler table is fixed
// at construction; a Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	handlers map[Op]handler
}

// NewDispatcher resolves the operations available under cfg.
func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.Allocator == nil {
		cfg.Allocator = memory.NewGoAllocator()
	}
	topo := cfg.EnableTopology && cfg.Topology != nil

	handlers := make(map[Op]handler, len(catalog))
	for op, info := range catalog {
		h := handler{
			kind:     info.kind,
			unary:    unaryKernels[op],
			binary:   binaryKernels[op],
			delegate: topo && topology.Supports(string(op)),
		}
		if h.unary == nil && h.binary == nil && !h.delegate {
			continue
		}
		handlers[op] = h
	}
	return &Dispatcher{cfg: cfg, handlers: handlers}
}

// Supports reports whether op has at least one backend.
func (d *Dispatcher) Supports(op Op) bool {
	_, ok := d.handlers[op]
	return ok
}

// Ops lists the available operations, sorted by name.
func (d *Dispatcher) Ops() []Op {
	out := make([]Op, 0, len(d.handlers))
	for op := range d.handlers {
		out = append(out, op)
	}
	slices.Sort(out)
	return out
}

// Output is a column produced by a dispatched operation plus the rows that
// failed. Exactly one of the array fields is set, matching Kind.
type Output struct {
	Kind     Kind
	Geometry *column.Column
	Float64  *array.Float64
	Bool     *array.Boolean
	Int8     *array.Int8
	Errors   []column.RowError
}

// Array returns the output as a generic Arrow array.
func (o *Output) Array() arrow.Array {
	switch o.Kind {
	case KindGeometry:
		return o.Geometry.Array()
	case KindBool:
		return o.Bool
	case KindInt8:
		return o.Int8
	default:
		return o.Float64
	}
}

// Len returns the number of output rows.
func (o *Output) Len() int {
	return o.Array().Len()
}

// Release frees the output array.
func (o *Output) Release() {
	if o == nil {
		return
	}
	switch o.Kind {
	case KindGeometry:
		o.Geometry.Release()
	default:
		o.Array().Release()
	}
}

// Unary applies a one-operand operation to every row.
func (d *Dispatcher) Unary(ctx context.Context, op Op, c *column.Column) (*Output, error) {
	h, err := d.handler(op)
	if err != nil {
		return nil, err
	}
	if op.IsBinary() {
		return nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "%s needs two operands", op)
	}
	return d.run(ctx, op, h, c.Len(), columnSide(c), nil)
}

// Binary applies a two-operand operation row by row. The columns must have
// the same length.
func (d *Dispatcher) Binary(ctx context.Context, op Op, a, b *column.Column) (*Output, error) {
	if a.Len() != b.Len() {
		return nil, errors.Wrapf(geometry.ErrShapeMismatch, "%s: %d rows against %d", op, a.Len(), b.Len())
	}
	h, err := d.binaryHandler(op)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, op, h, a.Len(), columnSide(a), columnSide(b))
}

// BinaryWith applies a two-operand operation between every row of a and
// the single geometry g. A nil g acts as a null on every row.
func (d *Dispatcher) BinaryWith(ctx context.Context, op Op, a *column.Column, g geom.T) (*Output, error) {
	h, err := d.binaryHandler(op)
	if err != nil {
		return nil, err
	}
	right, err := fixedSide(g)
	if err != nil {
		return nil, err
	}
	return d.run(ctx, op, h, a.Len(), columnSide(a), right)
}

// Reproject forwards to the projection engine when that capability is on.
func (d *Dispatcher) Reproject(ctx context.Context, c *column.Column, source, target string) (*column.Result, error) {
	if !d.cfg.EnableProjection || d.cfg.Projection == nil {
		return nil, errors.Wrap(geometry.ErrUnsupportedOperation, "reprojection is disabled")
	}
	return d.cfg.Projection.Reproject(ctx, c, source, target, d.Options()...)
}

// Options returns the worker and allocator settings as column options.
func (d *Dispatcher) Options() []column.Option {
	return []column.Option{column.WithWorkers(d.cfg.Workers), column.WithAllocator(d.cfg.Allocator)}
}

func (d *Dispatcher) handler(op Op) (handler, error) {
	h, ok := d.handlers[op]
	if !ok {
		return handler{}, errors.Wrapf(geometry.ErrUnsupportedOperation, "operation %q", op)
	}
	return h, nil
}

func (d *Dispatcher) binaryHandler(op Op) (handler, error) {
	h, err := d.handler(op)
	if err != nil {
		return h, err
	}
	if !op.IsBinary() {
		return h, errors.Wrapf(geometry.ErrUnsupportedOperation, "%s takes one operand", op)
	}
	return h, nil
}

// operand is one decoded input slot. raw is nil for null.
type operand struct {
	raw []byte
	g   geom.T
	err error
}

type side func(k int) operand

func columnSide(c *column.Column) side {
	return func(k int) operand {
		b, ok, _ := c.Get(k)
		if !ok {
			return operand{}
		}
		g, err := geometry.Decode(b)
		return operand{raw: b, g: g, err: err}
	}
}

func fixedSide(g geom.T) (side, error) {
	if g == nil {
		return func(int) operand { return operand{} }, nil
	}
	raw, err := geometry.Encode(g)
	if err != nil {
		return nil, err
	}
	// Decode our own copy so callers may keep mutating g.
	own, err := geometry.Decode(raw)
	if err != nil {
		return nil, err
	}
	return func(int) operand { return operand{raw: raw, g: own} }, nil
}

// run evaluates h over n rows. b is nil for unary operations. Rows the
// local kernel leaves open are collected and sent to the topology engine
// in one batch; without that engine the call fails and nothing is
// returned.
func (d *Dispatcher) run(ctx context.Context, op Op, h handler, n int, a, b side) (*Output, error) {
	if h.unary == nil && h.binary == nil {
		// Only the topology engine serves op.
		h.unary = func(geom.T) (value, error) { return value{}, errDelegate }
		h.binary = func(geom.T, geom.T) (value, error) { return value{}, errDelegate }
	}

	predicate := op.IsPredicate()
	empty := value{valid: predicate}

	slots := make([]value, n)
	pendingA := make([][]byte, n)
	pendingB := make([][]byte, n)

	errs := column.Parallel(n, func(lo, hi int) []column.RowError {
		var rowErrs []column.RowError
		for k := lo; k < hi; k++ {
			x := a(k)
			var y operand
			if b != nil {
				y = b(k)
			}
			if err := errors.CombineErrors(x.err, y.err); err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: k, Err: err})
				slots[k] = empty
				continue
			}
			if x.raw == nil || (b != nil && y.raw == nil) {
				slots[k] = empty
				continue
			}

			var (
				v   value
				err error
			)
			if b == nil {
				v, err = h.unary(x.g)
			} else {
				v, err = h.binary(x.g, y.g)
			}
			if errors.Is(err, errDelegate) {
				pendingA[k], pendingB[k] = x.raw, y.raw
				continue
			}
			if err == nil && v.valid && v.g != nil {
				v.wkb, err = geometry.EncodeOrder(v.g, geometry.ByteOrderOf(x.raw))
				v.g = nil
			}
			if err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: k, Err: err})
				v = empty
			}
			slots[k] = v
		}
		return rowErrs
	}, d.Options()...)

	var rows []int
	for k, raw := range pendingA {
		if raw != nil {
			rows = append(rows, k)
		}
	}
	if len(rows) > 0 {
		if !h.delegate {
			return nil, errors.Wrapf(geometry.ErrUnsupportedOperation,
				"%s has no local kernel for row %d and the topology engine is disabled", op, rows[0])
		}
		delegated, err := d.delegate(ctx, op, h.kind, b == nil, rows, pendingA, pendingB, slots)
		if err != nil {
			return nil, err
		}
		errs = mergeRowErrors(errs, delegated)
	}

	return d.build(h.kind, slots, errs), nil
}

func (d *Dispatcher) delegate(ctx context.Context, op Op, kind Kind, unary bool, rows []int, rawA, rawB [][]byte, slots []value) ([]column.RowError, error) {
	engine := d.cfg.Topology
	name := string(op)

	pairs := make([]topology.Pair, len(rows))
	for i, k := range rows {
		pairs[i] = topology.Pair{A: rawA[k], B: rawB[k]}
	}

	var (
		geoms [][]byte
		err   error
	)
	switch {
	case unary && kind == KindGeometry:
		wkbs := make([][]byte, len(rows))
		for i, k := range rows {
			wkbs[i] = rawA[k]
		}
		geoms, err = engine.Unary(ctx, name, wkbs)
	case kind == KindGeometry:
		geoms, err = engine.Binary(ctx, name, pairs)
	case kind == KindBool && !unary:
		var res []bool
		if res, err = engine.Predicate(ctx, name, pairs); err == nil {
			for i, k := range rows {
				slots[k] = boolValue(res[i])
			}
		}
	case kind == KindFloat64 && unary:
		wkbs := make([][]byte, len(rows))
		for i, k := range rows {
			wkbs[i] = rawA[k]
		}
		var (
			res   []float64
			valid []bool
		)
		if res, valid, err = engine.Measure(ctx, name, wkbs); err == nil {
			for i, k := range rows {
				slots[k] = value{f: res[i], valid: valid[i]}
			}
		}
	case kind == KindFloat64 && !unary:
		var (
			res   []float64
			valid []bool
		)
		if res, valid, err = engine.Scalar(ctx, name, pairs); err == nil {
			for i, k := range rows {
				slots[k] = value{f: res[i], valid: valid[i]}
			}
		}
	default:
		return nil, errors.AssertionFailedf("no topology route for %s", op)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "topology %s", op)
	}

	if kind != KindGeometry {
		return nil, nil
	}
	var rowErrs []column.RowError
	for i, k := range rows {
		out := geoms[i]
		if out == nil {
			continue
		}
		g, err := geometry.Decode(out)
		if err == nil {
			out, err = geometry.EncodeOrder(g, geometry.ByteOrderOf(rawA[k]))
		}
		if err != nil {
			rowErrs = append(rowErrs, column.RowError{Row: k, Err: err})
			continue
		}
		slots[k] = value{wkb: out, valid: true}
	}
	return rowErrs, nil
}

func (d *Dispatcher) build(kind Kind, slots []value, errs []column.RowError) *Output {
	mem := d.cfg.Allocator
	out := &Output{Kind: kind, Errors: errs}
	valid := make([]bool, len(slots))
	for i, v := range slots {
		valid[i] = v.valid
	}

	switch kind {
	case KindGeometry:
		values := make([][]byte, len(slots))
		for i, v := range slots {
			if v.valid {
				values[i] = v.wkb
			}
		}
		out.Geometry = column.FromWKB(values)
	case KindBool:
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		values := make([]bool, len(slots))
		for i, v := range slots {
			values[i] = v.b
		}
		b.AppendValues(values, valid)
		out.Bool = b.NewBooleanArray()
	case KindInt8:
		b := array.NewInt8Builder(mem)
		defer b.Release()
		values := make([]int8, len(slots))
		for i, v := range slots {
			values[i] = v.i
		}
		b.AppendValues(values, valid)
		out.Int8 = b.NewInt8Array()
	default:
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		values := make([]float64, len(slots))
		for i, v := range slots {
			values[i] = v.f
		}
		b.AppendValues(values, valid)
		out.Float64 = b.NewFloat64Array()
	}
	return out
}

func mergeRowErrors(a, b []column.RowError) []column.RowError {
	out := append(a, b...)
	slices.SortStableFunc(out, func(x, y column.RowError) int {
		return x.Row - y.Row
	})
	return out
}
