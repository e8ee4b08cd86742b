package index

import (
	"math"
	"math/rand/v2"
	"sort"
	"testing"

	"geocol/pkg/column"
	"geocol/pkg/geometry"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func encode(t *testing.T, g geom.T) []byte {
	t.Helper()
	b, err := geometry.Encode(g)
	require.NoError(t, err)
	return b
}

func pointWKB(t *testing.T, x, y float64) []byte {
	return encode(t, geom.NewPointFlat(geom.XY, []float64{x, y}))
}

func TestNearestPrefersLowerRowOnTies(t *testing.T) {
	c := column.FromWKB([][]byte{pointWKB(t, 0, 0), nil, pointWKB(t, 3, 4)})
	defer c.Release()

	idx, errs := Build(c)
	require.Empty(t, errs)
	assert.Equal(t, 2, idx.Len())

	assert.Equal(t, []Neighbor{{Row: 0, Distance: 0}}, idx.Nearest(orb.Point{0, 0}, 1))
	assert.Equal(t, []Neighbor{{Row: 0, Distance: 1}}, idx.Nearest(orb.Point{0, 1}, 1))
	assert.Equal(t, []Neighbor{{Row: 0, Distance: 0}, {Row: 2, Distance: 5}}, idx.Nearest(orb.Point{0, 0}, 10))

	tie := column.FromWKB([][]byte{pointWKB(t, 2, 0), pointWKB(t, -2, 0), pointWKB(t, 0, 2)})
	defer tie.Release()
	tidx, _ := Build(tie)
	assert.Equal(t, []Neighbor{{Row: 0, Distance: 2}, {Row: 1, Distance: 2}}, tidx.Nearest(orb.Point{0, 0}, 2))
}

func TestNearestUsesExactDistance(t *testing.T) {
	// The diagonal line's bbox contains the query point, but the line itself
	// is farther away than the small square.
	c := column.FromWKB([][]byte{
		encode(t, geom.NewLineStringFlat(geom.XY, []float64{0, 0, 10, 10})),
		encode(t, geom.NewPolygonFlat(geom.XY, []float64{8, 1, 9, 1, 9, 2, 8, 2, 8, 1}, []int{10})),
		encode(t, geom.NewPolygonFlat(geom.XY, []float64{20, 20, 30, 20, 30, 30, 20, 30, 20, 20}, []int{10})),
	})
	defer c.Release()

	idx, errs := Build(c)
	require.Empty(t, errs)

	got := idx.Nearest(orb.Point{9, 0}, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Row)
	assert.InDelta(t, 1.0, got[0].Distance, 1e-12)

	inside := idx.Nearest(orb.Point{25, 25}, 1)
	require.Len(t, inside, 1)
	assert.Equal(t, Neighbor{Row: 2, Distance: 0}, inside[0])
}

func TestBuildSkipsNullEmptyAndMalformed(t *testing.T) {
	c := column.FromWKB([][]byte{
		pointWKB(t, 1, 1),
		nil,
		encode(t, geom.NewMultiPoint(geom.XY)),
		{1, 1, 0, 0},
		pointWKB(t, 2, 2),
	})
	defer c.Release()

	idx, errs := Build(c)
	require.Len(t, errs, 1)
	assert.Equal(t, 3, errs[0].Row)
	assert.Equal(t, "MalformedGeometry", errs[0].Kind())

	rows := make([]int, 0, idx.Len())
	for _, e := range idx.Entries() {
		rows = append(rows, e.Row)
	}
	assert.Equal(t, []int{0, 4}, rows)
}

func TestBuildNestedCollection(t *testing.T) {
	nested := geom.NewGeometryCollection().MustPush(
		geom.NewGeometryCollection().MustPush(geom.NewPointFlat(geom.XY, []float64{1, 1})),
		geom.NewLineStringFlat(geom.XY, []float64{4, 4, 5, 6}),
	)
	c := column.FromWKB([][]byte{encode(t, nested), pointWKB(t, 20, 20)})
	defer c.Release()

	idx, errs := Build(c)
	require.Empty(t, errs)
	require.Equal(t, 2, idx.Len())
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{5, 6}}, idx.Entries()[0].Bound)

	assert.Equal(t, []int{0}, idx.QueryEnvelope(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2, 2}}))
	assert.Equal(t, []Neighbor{{Row: 0, Distance: 0}}, idx.Nearest(orb.Point{1, 1}, 1))
}

func TestQueryEnvelope(t *testing.T) {
	values := make([][]byte, 0, 100)
	for i := range 100 {
		values = append(values, pointWKB(t, float64(i%10), float64(i/10)))
	}
	c := column.FromWKB(values)
	defer c.Release()

	idx, errs := Build(c)
	require.Empty(t, errs)

	got := idx.QueryEnvelope(orb.Bound{Min: orb.Point{2, 3}, Max: orb.Point{3, 4}})
	assert.Equal(t, []int{32, 33, 42, 43}, got)

	assert.Empty(t, idx.QueryEnvelope(orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{60, 60}}))

	line := geom.NewLineStringFlat(geom.XY, []float64{8.5, 8.5, 20, 20})
	assert.Equal(t, []int{99}, idx.QueryGeometry(line))
}

func TestNearestMatchesBruteForce(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	const n = 700

	values := make([][]byte, n)
	shapes := make([]orb.Geometry, n)
	for i := range n {
		if i%17 == 0 {
			continue
		}
		x, y := r.Float64()*1000, r.Float64()*1000
		var g geom.T
		if i%3 == 0 {
			w := r.Float64() * 20
			g = geom.NewPolygonFlat(geom.XY, []float64{x, y, x + w, y, x + w, y + w, x, y + w, x, y}, []int{10})
		} else {
			g = geom.NewPointFlat(geom.XY, []float64{math.Round(x), math.Round(y)})
		}
		values[i] = encode(t, g)
		o, err := geometry.ToOrb(g)
		require.NoError(t, err)
		shapes[i] = o
	}
	c := column.FromWKB(values)
	defer c.Release()

	idx, errs := Build(c, column.WithWorkers(4))
	require.Empty(t, errs)

	for range 50 {
		q := orb.Point{math.Round(r.Float64() * 1000), math.Round(r.Float64() * 1000)}

		var want []Neighbor
		for row, s := range shapes {
			if s == nil {
				continue
			}
			want = append(want, Neighbor{Row: row, Distance: geometry.DistanceFrom(s, q)})
		}
		sort.SliceStable(want, func(i, j int) bool { return want[i].Distance < want[j].Distance })

		for _, k := range []int{1, 5, 25} {
			assert.Equal(t, want[:k], idx.Nearest(q, k), "query %v k=%d", q, k)
		}
	}
}

func TestEmptyIndex(t *testing.T) {
	c := column.FromWKB([][]byte{nil, nil})
	defer c.Release()

	idx, errs := Build(c)
	require.Empty(t, errs)
	assert.Zero(t, idx.Len())
	assert.Nil(t, idx.Nearest(orb.Point{0, 0}, 3))
	assert.Nil(t, idx.QueryEnvelope(orb.Bound{Max: orb.Point{1, 1}}))
	assert.Empty(t, idx.Entries())
}
