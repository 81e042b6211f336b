// Package lidar extracts geometric features from a raw 3D LiDAR sweep: a
// ground plane, edge (corner) and surface (planar) points, and the two
// vegetation-row lines of an agricultural corridor. The pipeline projects
// the cloud into a virtual range image, removes the ground, labels
// connected segments and scores range smoothness per cell.
package lidar

import (
	"math"
	"math/rand"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/agrinav/agslam/feature"
	"github.com/agrinav/agslam/spatialmath"
)

// ErrEmptyCloud is returned when the input cloud is too small to process.
var ErrEmptyCloud = errors.New("lidar: input cloud has too few points")

const invalidLabel = 999999

// Config holds the range-image geometry and feature extraction thresholds.
// Angles are in radians.
type Config struct {
	VerticalScans   int
	HorizontalScans int
	AngResX         float64
	AngResY         float64
	// VerticalAngleBottom is the magnitude of the lowest beam angle.
	VerticalAngleBottom float64

	MinRange float64
	MaxRange float64

	GroundTh      float64
	PlanesTh      float64
	EdgeThreshold float64
	PickedNum     int

	SegmentValidPointNum int
	SegmentValidLineNum  int

	RansacMaxIters      int
	RansacDistThreshold float64

	MinCloudSize int

	// SensorToBase moves extracted features from the sensor frame into the
	// robot base frame.
	SensorToBase spatialmath.Pose

	Seed int64
}

// DefaultConfig returns the extraction parameters for a 16-beam scanner.
func DefaultConfig() Config {
	return Config{
		VerticalScans:        16,
		HorizontalScans:      1800,
		AngResX:              0.2 * math.Pi / 180,
		AngResY:              2.0 * math.Pi / 180,
		VerticalAngleBottom:  15.1 * math.Pi / 180,
		MinRange:             1.0,
		MaxRange:             50.0,
		GroundTh:             10.0 * math.Pi / 180,
		PlanesTh:             60.0 * math.Pi / 180,
		EdgeThreshold:        0.1,
		PickedNum:            20,
		SegmentValidPointNum: 5,
		SegmentValidLineNum:  3,
		RansacMaxIters:       20,
		RansacDistThreshold:  0.08,
		MinCloudSize:         10,
		Seed:                 1,
	}
}

// Extraction is the per-frame output of the extractor, in base frame.
type Extraction struct {
	Corners         []feature.Corner
	Planars         []feature.Planar
	Clusters        []feature.Cluster
	Ground          feature.Plane
	SidePlanes      []feature.Plane
	VegetationLines []feature.Line
}

// Extractor turns LiDAR sweeps into map features. Safe for reuse across
// frames; all per-frame scratch is allocated inside Extract.
type Extractor struct {
	cfg    Config
	rnd    *rand.Rand
	logger golog.Logger
}

// New creates an extractor. The pseudo-random source drives RANSAC sampling
// only, so a fixed seed makes extraction deterministic.
func New(cfg Config, logger golog.Logger) *Extractor {
	return &Extractor{
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger,
	}
}

// frame holds the per-call projection and segmentation scratch.
type frame struct {
	rangeMat  []float64
	groundMat []int8
	labelMat  []int
	pts       []r3.Vector

	// segmented cloud, ordered row by row
	startColIdx []int
	endColIdx   []int
	colIdx      []int
	segRange    []float64
	segPts      []r3.Vector
	segPlane    []int
}

// Extract runs the full pipeline on a cloud in sensor frame.
func (e *Extractor) Extract(cloud []r3.Vector) (*Extraction, error) {
	if len(cloud) < e.cfg.MinCloudSize {
		return nil, errors.Wrapf(ErrEmptyCloud, "%d points", len(cloud))
	}

	f := e.newFrame()
	e.project(f, cloud)

	out := &Extraction{}

	ground, candidates, err := e.extractGround(f)
	if err != nil {
		e.logger.Warnw("ground plane fit failed", "error", err)
	} else {
		out.Ground = ground
	}
	// mark the candidate cells so segmentation skips the ground
	for _, idx := range candidates {
		f.groundMat[idx] = 1
		f.labelMat[idx] = -1
	}

	e.segment(f)

	lines, sides, err := e.extractVegetation(f)
	if err != nil {
		e.logger.Debugw("vegetation line fit skipped", "error", err)
	} else {
		out.VegetationLines = lines
		out.SidePlanes = sides
	}

	out.Corners, out.Planars = e.extractEdges(f)

	e.toBaseFrame(out)
	out.Clusters = clusterCorners(out.Corners)
	return out, nil
}

func (e *Extractor) newFrame() *frame {
	size := e.cfg.VerticalScans * e.cfg.HorizontalScans
	f := &frame{
		rangeMat:    make([]float64, size),
		groundMat:   make([]int8, size),
		labelMat:    make([]int, size),
		pts:         make([]r3.Vector, size),
		startColIdx: make([]int, e.cfg.VerticalScans),
		endColIdx:   make([]int, e.cfg.VerticalScans),
	}
	for i := range f.rangeMat {
		f.rangeMat[i] = -1
	}
	return f
}

// project maps each point to a (row, col) cell of the virtual range image.
func (e *Extractor) project(f *frame, cloud []r3.Vector) {
	h := e.cfg.HorizontalScans
	for _, pt := range cloud {
		rng := pt.Norm()
		if rng < e.cfg.MinRange || rng > e.cfg.MaxRange {
			continue
		}

		vertAngle := math.Atan2(pt.Z, math.Sqrt(pt.X*pt.X+pt.Y*pt.Y))
		row := int(math.Floor((vertAngle + e.cfg.VerticalAngleBottom) / e.cfg.AngResY))
		if row < 0 || row >= e.cfg.VerticalScans {
			continue
		}

		horizonAngle := math.Atan2(pt.X, pt.Y)
		col := int(-math.Round((horizonAngle-math.Pi/2)/e.cfg.AngResX) + float64(h)/2)
		if col >= h {
			col -= h
		}
		if col < 0 || col >= h {
			continue
		}

		idx := row*h + col
		f.rangeMat[idx] = rng
		f.pts[idx] = pt
	}
}

// extractGround scans vertically adjacent cells of the upper half of the
// range image (rows V/2 and above) for near-horizontal steps, then fits a
// plane to the candidates.
// It returns the fitted plane and the flat indexes of the candidate cells.
func (e *Extractor) extractGround(f *frame) (feature.Plane, []int, error) {
	h := e.cfg.HorizontalScans
	var candidatePts []r3.Vector
	var candidateIdx []int
	var imageIdx []r2.Point

	for j := 0; j < h; j++ {
		for i := e.cfg.VerticalScans / 2; i < e.cfg.VerticalScans-1; i++ {
			lower := i*h + j
			upper := (i+1)*h + j
			if f.rangeMat[lower] == -1 || f.rangeMat[upper] == -1 {
				continue
			}

			d := f.pts[upper].Sub(f.pts[lower])
			vertAngle := math.Atan2(d.Z, d.Norm())
			if vertAngle <= e.cfg.GroundTh {
				candidatePts = append(candidatePts, f.pts[lower], f.pts[upper])
				candidateIdx = append(candidateIdx, lower, upper)
				imageIdx = append(imageIdx,
					r2.Point{X: float64(i), Y: float64(j)},
					r2.Point{X: float64(i + 1), Y: float64(j)})
			}
		}
	}

	plane, err := ransacPlane(e.rnd, candidatePts, e.cfg.RansacMaxIters, e.cfg.RansacDistThreshold)
	if err != nil {
		return feature.Plane{}, candidateIdx, err
	}
	plane.Indexes = imageIdx
	return plane, candidateIdx, nil
}

// segment labels connected non-ground cells with a region-growing BFS and
// collects the surviving cells into the ordered segmented cloud.
func (e *Extractor) segment(f *frame) {
	v, h := e.cfg.VerticalScans, e.cfg.HorizontalScans

	label := 1
	for i := 0; i < v; i++ {
		for j := 0; j < h; j++ {
			if f.labelMat[i*h+j] == 0 && f.rangeMat[i*h+j] != -1 {
				e.labelComponent(f, i, j, &label)
			}
		}
	}

	segSize := 0
	for i := 0; i < v; i++ {
		f.startColIdx[i] = segSize - 1 + 5
		for j := 0; j < h; j++ {
			l := f.labelMat[i*h+j]
			if l > 0 && l != invalidLabel {
				f.segPts = append(f.segPts, f.pts[i*h+j])
				f.segPlane = append(f.segPlane, l)
				f.colIdx = append(f.colIdx, j)
				f.segRange = append(f.segRange, f.rangeMat[i*h+j])
				segSize++
			}
		}
		f.endColIdx[i] = segSize - 1 - 5
	}
}

// labelComponent grows one segment from (row, col). Segments with enough
// points, or enough points across enough beams, keep their label; the rest
// are marked invalid.
func (e *Extractor) labelComponent(f *frame, row, col int, label *int) {
	v, h := e.cfg.VerticalScans, e.cfg.HorizontalScans
	type coord struct{ r, c int }
	neighbors := []coord{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}

	queue := []coord{{row, col}}
	grown := []coord{{row, col}}
	lineFlag := make([]bool, v)

	for len(queue) > 0 {
		from := queue[0]
		queue = queue[1:]
		f.labelMat[from.r*h+from.c] = *label

		d1 := f.rangeMat[from.r*h+from.c]
		for _, n := range neighbors {
			r, c := from.r+n.r, from.c+n.c
			if r < 0 || r >= v {
				continue
			}
			// columns wrap around the scan
			if c < 0 {
				c = h - 1
			}
			if c >= h {
				c = 0
			}
			if f.labelMat[r*h+c] != 0 {
				continue
			}

			d2 := f.rangeMat[r*h+c]
			dmax, dmin := math.Max(d1, d2), math.Min(d1, d2)
			alpha := e.cfg.AngResX
			if n.r != 0 {
				alpha = e.cfg.AngResY
			}

			beta := math.Atan2(dmin*math.Sin(alpha), dmax-dmin*math.Cos(alpha))
			if beta > e.cfg.PlanesTh {
				f.labelMat[r*h+c] = *label
				lineFlag[r] = true
				queue = append(queue, coord{r, c})
				grown = append(grown, coord{r, c})
			}
		}
	}

	feasible := len(grown) >= 30
	if !feasible && len(grown) >= e.cfg.SegmentValidPointNum {
		lines := 0
		for _, flagged := range lineFlag {
			if flagged {
				lines++
			}
		}
		feasible = lines >= e.cfg.SegmentValidLineNum
	}

	if feasible {
		*label++
		return
	}
	for _, g := range grown {
		f.labelMat[g.r*h+g.c] = invalidLabel
	}
}

// extractVegetation splits the segmented cloud into the two corridor sides
// by the mean y, filters each side with RANSAC and fits the row lines.
func (e *Extractor) extractVegetation(f *frame) ([]feature.Line, []feature.Plane, error) {
	if len(f.segPts) == 0 {
		return nil, nil, errors.Wrap(ErrRansacNoFit, "empty segmented cloud")
	}

	var yMean float64
	for _, pt := range f.segPts {
		yMean += pt.Y
	}
	yMean /= float64(len(f.segPts))

	var sideA, sideB []r3.Vector
	for _, pt := range f.segPts {
		if pt.Y < yMean {
			sideA = append(sideA, pt)
		} else {
			sideB = append(sideB, pt)
		}
	}

	planeA, errA := ransacPlane(e.rnd, sideA, e.cfg.RansacMaxIters, e.cfg.RansacDistThreshold)
	planeB, errB := ransacPlane(e.rnd, sideB, e.cfg.RansacMaxIters, e.cfg.RansacDistThreshold)
	if errA != nil || errB != nil {
		if errA == nil {
			errA = errB
		}
		return nil, nil, errA
	}
	planeA.ID = 0
	planeB.ID = 1
	planeA.Regression = feature.FitLine(planeA.Points)
	planeB.Regression = feature.FitLine(planeB.Points)

	return []feature.Line{planeA.Regression, planeB.Regression},
		[]feature.Plane{planeA, planeB}, nil
}

type smoothness struct {
	value float64
	idx   int
}

// extractEdges scores range smoothness over the segmented cloud and picks
// high-smoothness cells as corners and low-smoothness cells as planars, per
// row and sub-region, with neighbor suppression.
func (e *Extractor) extractEdges(f *frame) ([]feature.Corner, []feature.Planar) {
	size := len(f.segPts)
	if size == 0 {
		return nil, nil
	}

	smooth := make([]smoothness, size)
	picked := make([]int, size)
	for i := 5; i < size-5; i++ {
		diff := f.segRange[i-5] + f.segRange[i-4] + f.segRange[i-3] +
			f.segRange[i-2] + f.segRange[i-1] + f.segRange[i+1] +
			f.segRange[i+2] + f.segRange[i+3] + f.segRange[i+4] +
			f.segRange[i+5] - 10*f.segRange[i]
		smooth[i] = smoothness{value: diff * diff, idx: i}
	}
	for i := 0; i < 5 && i < size; i++ {
		smooth[i].idx = i
	}
	for i := size - 5; i < size; i++ {
		if i >= 0 {
			smooth[i].idx = i
		}
	}

	var corners []feature.Corner
	var planars []feature.Planar

	for i := 0; i < e.cfg.VerticalScans; i++ {
		for k := 0; k < 6; k++ {
			sp := (f.startColIdx[i]*(6-k) + f.endColIdx[i]*k) / 6
			ep := (f.startColIdx[i]*(5-k)+f.endColIdx[i]*(k+1))/6 - 1
			if sp >= ep {
				continue
			}
			if sp < 5 {
				sp = 5
			}
			if ep > size-6 {
				ep = size - 6
			}
			if sp >= ep {
				continue
			}

			region := smooth[sp : ep+1]
			sort.Slice(region, func(a, b int) bool { return region[a].value < region[b].value })

			// corners from the rough end
			pickedCount := 0
			for l := len(region) - 1; l >= 0; l-- {
				idx := region[l].idx
				if picked[idx] != 0 || region[l].value <= e.cfg.EdgeThreshold {
					continue
				}
				pickedCount++
				if pickedCount > e.cfg.PickedNum {
					break
				}
				corners = append(corners, feature.Corner{
					Pos:        f.segPts[idx],
					WhichPlane: f.segPlane[idx],
				})
				e.suppressNeighbors(f, picked, idx)
			}

			// planars from the smooth end
			pickedCount = 0
			for l := 0; l < len(region); l++ {
				idx := region[l].idx
				if picked[idx] != 0 || region[l].value >= e.cfg.EdgeThreshold {
					continue
				}
				pickedCount++
				if pickedCount > e.cfg.PickedNum {
					break
				}
				planars = append(planars, feature.Planar{
					Pos:        f.segPts[idx],
					WhichPlane: f.segPlane[idx],
				})
				e.suppressNeighbors(f, picked, idx)
			}
		}
	}
	return corners, planars
}

// suppressNeighbors marks the picked cell and its close neighbors so the
// same structure is not picked twice. Suppression stops at a column
// discontinuity.
func (e *Extractor) suppressNeighbors(f *frame, picked []int, idx int) {
	picked[idx] = 1
	for m := 1; m <= 5; m++ {
		if idx+m >= len(f.colIdx) {
			break
		}
		if absInt(f.colIdx[idx+m]-f.colIdx[idx+m-1]) > 10 {
			break
		}
		picked[idx+m] = 1
	}
	for m := -1; m >= -5; m-- {
		if idx+m < 0 {
			break
		}
		if absInt(f.colIdx[idx+m]-f.colIdx[idx+m+1]) > 10 {
			break
		}
		picked[idx+m] = 1
	}
}

// toBaseFrame moves every output from the sensor frame to the robot base.
func (e *Extractor) toBaseFrame(out *Extraction) {
	tf := e.cfg.SensorToBase.Transform()

	for i, pt := range out.Ground.Points {
		out.Ground.Points[i] = tf.TransformPoint(pt)
	}
	if out.Ground.Normal != (r3.Vector{}) {
		normal := tf.RotatePoint(out.Ground.Normal)
		if normal.Z < 0 {
			normal = normal.Mul(-1)
		}
		out.Ground.Normal = normal
		out.Ground.A, out.Ground.B, out.Ground.C = normal.X, normal.Y, normal.Z
		if len(out.Ground.Points) > 0 {
			out.Ground.D = -normal.Dot(out.Ground.Points[0])
		}
	}

	for i := range out.Corners {
		out.Corners[i].Pos = tf.TransformPoint(out.Corners[i].Pos)
	}
	for i := range out.Planars {
		out.Planars[i].Pos = tf.TransformPoint(out.Planars[i].Pos)
	}
	for s := range out.SidePlanes {
		side := &out.SidePlanes[s]
		for i, pt := range side.Points {
			side.Points[i] = tf.TransformPoint(pt)
		}
		side.Regression = feature.FitLine(side.Points)
	}
	for i := range out.VegetationLines {
		if i < len(out.SidePlanes) {
			out.VegetationLines[i] = out.SidePlanes[i].Regression
		}
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
