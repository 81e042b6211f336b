// Package gridmap implements the multi-layer occupancy map: a 3D voxel grid
// whose cells hold per-kind feature lists plus an elevation sample. The map
// owns all feature storage; callers address features through cell indexes.
package gridmap

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/agrinav/agslam/feature"
)

// ErrOutOfBounds is returned when a continuous coordinate falls outside the
// configured map extents.
var ErrOutOfBounds = errors.New("gridmap: point out of map bounds")

// Index addresses a cell in grid coordinates.
type Index struct {
	I, J, K int
}

// Cell is one voxel of the occupancy map. It owns four parallel feature
// lists and an elevation sample.
type Cell struct {
	Semantics []feature.Semantic
	Images    []feature.Image
	Corners   []feature.Corner
	Planars   []feature.Planar

	Elevation    float64
	HasElevation bool
}

// Score is the cell's occupancy score for grid summary exports. The
// landmark multiplier is a visualization convention.
func (c *Cell) Score() int {
	return len(c.Semantics) * 10
}

// Config parameterizes the grid geometry. All lengths in meters.
type Config struct {
	OriginX, OriginY, OriginZ float64
	Width, Length, Height     float64
	Resolution                float64
}

// Map is a sparse 3D voxel grid over the configured extents. Cells are
// allocated on first touch.
type Map struct {
	cfg        Config
	nx, ny, nz int
	cells      map[Index]*Cell

	// Ground is the latest fitted ground plane; VegLines the latest
	// vegetation-row lines. Both are rewritten every frame by the mapper.
	Ground    feature.Plane
	HasGround bool
	VegLines  []feature.Line
}

// New allocates an empty map for the given geometry.
func New(cfg Config) (*Map, error) {
	if cfg.Resolution <= 0 {
		return nil, errors.Errorf("gridmap: non-positive resolution %f", cfg.Resolution)
	}
	if cfg.Width <= 0 || cfg.Length <= 0 || cfg.Height <= 0 {
		return nil, errors.New("gridmap: non-positive extents")
	}
	nx := int(math.Ceil(cfg.Width / cfg.Resolution))
	ny := int(math.Ceil(cfg.Length / cfg.Resolution))
	nz := int(math.Ceil(cfg.Height / cfg.Resolution))
	return &Map{
		cfg:   cfg,
		nx:    nx,
		ny:    ny,
		nz:    nz,
		cells: make(map[Index]*Cell),
	}, nil
}

// Config returns the grid geometry.
func (m *Map) Config() Config { return m.cfg }

// Resolution returns the cell edge length.
func (m *Map) Resolution() float64 { return m.cfg.Resolution }

// IndexOf maps continuous coordinates to a cell index. A point exactly on a
// cell boundary lands in the higher-index cell.
func (m *Map) IndexOf(x, y, z float64) (Index, error) {
	i := int(math.Floor((x - m.cfg.OriginX) / m.cfg.Resolution))
	j := int(math.Floor((y - m.cfg.OriginY) / m.cfg.Resolution))
	k := int(math.Floor((z - m.cfg.OriginZ) / m.cfg.Resolution))
	idx := Index{I: i, J: j, K: k}
	if !m.inBounds(idx) {
		return Index{}, errors.Wrapf(ErrOutOfBounds, "(%f, %f, %f)", x, y, z)
	}
	return idx, nil
}

func (m *Map) inBounds(idx Index) bool {
	return idx.I >= 0 && idx.I < m.nx &&
		idx.J >= 0 && idx.J < m.ny &&
		idx.K >= 0 && idx.K < m.nz
}

func (m *Map) cellAt(idx Index) *Cell {
	c, ok := m.cells[idx]
	if !ok {
		c = &Cell{}
		m.cells[idx] = c
	}
	return c
}

// cellIfPresent avoids allocating cells on read-only paths.
func (m *Map) cellIfPresent(idx Index) (*Cell, bool) {
	c, ok := m.cells[idx]
	return c, ok
}

// At returns the cell owning the continuous coordinates.
func (m *Map) At(x, y, z float64) (*Cell, error) {
	idx, err := m.IndexOf(x, y, z)
	if err != nil {
		return nil, err
	}
	return m.cellAt(idx), nil
}

// Cell returns the cell at a grid index, or nil if outside the grid.
func (m *Map) Cell(idx Index) *Cell {
	if !m.inBounds(idx) {
		return nil
	}
	return m.cellAt(idx)
}

// InsertSemantic appends a semantic landmark to its owning cell.
func (m *Map) InsertSemantic(f feature.Semantic) error {
	c, err := m.At(f.Pos.X, f.Pos.Y, f.Pos.Z)
	if err != nil {
		return err
	}
	c.Semantics = append(c.Semantics, f)
	return nil
}

// InsertImage appends an image feature to its owning cell.
func (m *Map) InsertImage(f feature.Image) error {
	c, err := m.At(f.Pos.X, f.Pos.Y, f.Pos.Z)
	if err != nil {
		return err
	}
	c.Images = append(c.Images, f)
	return nil
}

// InsertCorner appends a corner feature to its owning cell.
func (m *Map) InsertCorner(f feature.Corner) error {
	c, err := m.At(f.Pos.X, f.Pos.Y, f.Pos.Z)
	if err != nil {
		return err
	}
	c.Corners = append(c.Corners, f)
	return nil
}

// InsertPlanar appends a planar feature to its owning cell.
func (m *Map) InsertPlanar(f feature.Planar) error {
	c, err := m.At(f.Pos.X, f.Pos.Y, f.Pos.Z)
	if err != nil {
		return err
	}
	c.Planars = append(c.Planars, f)
	return nil
}

// SetElevation records an elevation sample for the cell owning (x, y, z).
func (m *Map) SetElevation(x, y, z float64) error {
	c, err := m.At(x, y, z)
	if err != nil {
		return err
	}
	c.Elevation = z
	c.HasElevation = true
	return nil
}

// UpdateSemantic replaces old with new, moving cells when the position
// changed. Matching is by position within the old feature's cell.
func (m *Map) UpdateSemantic(old, repl feature.Semantic) error {
	c, err := m.At(old.Pos.X, old.Pos.Y, old.Pos.Z)
	if err != nil {
		return err
	}
	for i := range c.Semantics {
		if c.Semantics[i].Pos == old.Pos {
			c.Semantics = append(c.Semantics[:i], c.Semantics[i+1:]...)
			return m.InsertSemantic(repl)
		}
	}
	return errors.New("gridmap: semantic feature to update not found")
}

// UpdateImage replaces old with new, moving cells when the position changed.
func (m *Map) UpdateImage(old, repl feature.Image) error {
	c, err := m.At(old.Pos.X, old.Pos.Y, old.Pos.Z)
	if err != nil {
		return err
	}
	for i := range c.Images {
		if c.Images[i].Pos == old.Pos {
			c.Images = append(c.Images[:i], c.Images[i+1:]...)
			return m.InsertImage(repl)
		}
	}
	return errors.New("gridmap: image feature to update not found")
}

// UpdateCorner replaces old with new, moving cells when the position changed.
func (m *Map) UpdateCorner(old, repl feature.Corner) error {
	c, err := m.At(old.Pos.X, old.Pos.Y, old.Pos.Z)
	if err != nil {
		return err
	}
	for i := range c.Corners {
		if c.Corners[i].Pos == old.Pos {
			c.Corners = append(c.Corners[:i], c.Corners[i+1:]...)
			return m.InsertCorner(repl)
		}
	}
	return errors.New("gridmap: corner feature to update not found")
}

// UpdatePlanar replaces old with new, moving cells when the position changed.
func (m *Map) UpdatePlanar(old, repl feature.Planar) error {
	c, err := m.At(old.Pos.X, old.Pos.Y, old.Pos.Z)
	if err != nil {
		return err
	}
	for i := range c.Planars {
		if c.Planars[i].Pos == old.Pos {
			c.Planars = append(c.Planars[:i], c.Planars[i+1:]...)
			return m.InsertPlanar(repl)
		}
	}
	return errors.New("gridmap: planar feature to update not found")
}

// Neighbors returns the cells within a Chebyshev radius of the cell owning
// (x, y, z), skipping the center cell and cells outside the grid.
func (m *Map) Neighbors(x, y, z float64, radius int) ([]*Cell, error) {
	center, err := m.IndexOf(x, y, z)
	if err != nil {
		return nil, err
	}
	var out []*Cell
	for dk := -radius; dk <= radius; dk++ {
		for dj := -radius; dj <= radius; dj++ {
			for di := -radius; di <= radius; di++ {
				if di == 0 && dj == 0 && dk == 0 {
					continue
				}
				idx := Index{I: center.I + di, J: center.J + dj, K: center.K + dk}
				if m.inBounds(idx) {
					out = append(out, m.cellAt(idx))
				}
			}
		}
	}
	return out, nil
}

// ForEachCell traverses allocated cells in (k, j, i) order, suitable for
// serialization. Iteration stops when fn returns false.
func (m *Map) ForEachCell(fn func(Index, *Cell) bool) {
	keys := make([]Index, 0, len(m.cells))
	for idx := range m.cells {
		keys = append(keys, idx)
	}
	sort.Slice(keys, func(a, b int) bool {
		ka, kb := keys[a], keys[b]
		if ka.K != kb.K {
			return ka.K < kb.K
		}
		if ka.J != kb.J {
			return ka.J < kb.J
		}
		return ka.I < kb.I
	})
	for _, idx := range keys {
		if !fn(idx, m.cells[idx]) {
			return
		}
	}
}

// Downsample aggregates k³ cells into each super-cell of a coarser map.
func (m *Map) Downsample(k int) (*Map, error) {
	if k <= 0 {
		return nil, errors.Errorf("gridmap: invalid downsample factor %d", k)
	}
	cfg := m.cfg
	cfg.Resolution *= float64(k)
	coarse, err := New(cfg)
	if err != nil {
		return nil, err
	}
	m.ForEachCell(func(idx Index, c *Cell) bool {
		cc := coarse.cellAt(Index{I: idx.I / k, J: idx.J / k, K: idx.K / k})
		cc.Semantics = append(cc.Semantics, c.Semantics...)
		cc.Images = append(cc.Images, c.Images...)
		cc.Corners = append(cc.Corners, c.Corners...)
		cc.Planars = append(cc.Planars, c.Planars...)
		if c.HasElevation {
			cc.Elevation = c.Elevation
			cc.HasElevation = true
		}
		return true
	})
	return coarse, nil
}

// ringCells returns the cells whose Chebyshev distance from center is
// exactly ring, in deterministic scan order.
func (m *Map) ringCells(center Index, ring int) []*Cell {
	if ring == 0 {
		if c, ok := m.cellIfPresent(center); ok {
			return []*Cell{c}
		}
		return nil
	}
	var out []*Cell
	for dk := -ring; dk <= ring; dk++ {
		for dj := -ring; dj <= ring; dj++ {
			for di := -ring; di <= ring; di++ {
				if max3(abs(di), abs(dj), abs(dk)) != ring {
					continue
				}
				idx := Index{I: center.I + di, J: center.J + dj, K: center.K + dk}
				if c, ok := m.cellIfPresent(idx); ok {
					out = append(out, c)
				}
			}
		}
	}
	return out
}

// NearestSemantic returns the closest semantic landmark by planar distance.
func (m *Map) NearestSemantic(pt r3.Vector, maxDist float64) (feature.Semantic, bool) {
	var best feature.Semantic
	bestDist := maxDist
	found := false
	m.searchRings(pt, maxDist, func(c *Cell) {
		for _, f := range c.Semantics {
			dx, dy := pt.X-f.Pos.X, pt.Y-f.Pos.Y
			if d := math.Sqrt(dx*dx + dy*dy); d < bestDist {
				best, bestDist, found = f, d, true
			}
		}
	})
	return best, found
}

// NearestImage returns the closest image feature by 3D distance.
func (m *Map) NearestImage(pt r3.Vector, maxDist float64) (feature.Image, bool) {
	var best feature.Image
	bestDist := maxDist
	found := false
	m.searchRings(pt, maxDist, func(c *Cell) {
		for _, f := range c.Images {
			if d := pt.Sub(f.Pos).Norm(); d < bestDist {
				best, bestDist, found = f, d, true
			}
		}
	})
	return best, found
}

// NearestCorner returns the closest corner feature by 3D distance.
func (m *Map) NearestCorner(pt r3.Vector, maxDist float64) (feature.Corner, bool) {
	var best feature.Corner
	bestDist := maxDist
	found := false
	m.searchRings(pt, maxDist, func(c *Cell) {
		for _, f := range c.Corners {
			if d := pt.Sub(f.Pos).Norm(); d < bestDist {
				best, bestDist, found = f, d, true
			}
		}
	})
	return best, found
}

// NearestPlanar returns the closest planar feature by 3D distance.
func (m *Map) NearestPlanar(pt r3.Vector, maxDist float64) (feature.Planar, bool) {
	var best feature.Planar
	bestDist := maxDist
	found := false
	m.searchRings(pt, maxDist, func(c *Cell) {
		for _, f := range c.Planars {
			if d := pt.Sub(f.Pos).Norm(); d < bestDist {
				best, bestDist, found = f, d, true
			}
		}
	})
	return best, found
}

// searchRings visits the owning cell first, then cells of increasing
// Chebyshev radius up to ceil(maxDist/resolution). Insertion order within a
// cell breaks ties because the visitor keeps the first strict improvement.
func (m *Map) searchRings(pt r3.Vector, maxDist float64, visit func(*Cell)) {
	center := Index{
		I: int(math.Floor((pt.X - m.cfg.OriginX) / m.cfg.Resolution)),
		J: int(math.Floor((pt.Y - m.cfg.OriginY) / m.cfg.Resolution)),
		K: int(math.Floor((pt.Z - m.cfg.OriginZ) / m.cfg.Resolution)),
	}
	maxRing := int(math.Ceil(maxDist / m.cfg.Resolution))
	for ring := 0; ring <= maxRing; ring++ {
		for _, c := range m.ringCells(center, ring) {
			visit(c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c int) int {
	if b > a {
		a = b
	}
	if c > a {
		a = c
	}
	return a
}

// Count returns the number of stored features of a kind across the map.
func (m *Map) Count(kind feature.Kind) int {
	total := 0
	for _, c := range m.cells {
		switch kind {
		case feature.KindSemantic:
			total += len(c.Semantics)
		case feature.KindImage:
			total += len(c.Images)
		case feature.KindCorner:
			total += len(c.Corners)
		case feature.KindPlanar:
			total += len(c.Planars)
		}
	}
	return total
}
