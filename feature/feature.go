// Package feature defines the heterogeneous map features extracted from the
// robot's sensors: semantic landmarks, image features, LiDAR corners and
// planars, planes and fitted lines. Kinds are tagged structs rather than an
// interface hierarchy; the only shared state is a 3D position.
package feature

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/agrinav/agslam/spatialmath"
)

// Kind enumerates the feature layers stored in the occupancy map.
type Kind int

// The four feature layers.
const (
	KindSemantic Kind = iota
	KindImage
	KindCorner
	KindPlanar
)

func (k Kind) String() string {
	switch k {
	case KindSemantic:
		return "semantic"
	case KindImage:
		return "image"
	case KindCorner:
		return "corner"
	case KindPlanar:
		return "planar"
	}
	return "unknown"
}

// Semantic label values assigned by the external detector.
const (
	LabelTrunk = 0
	LabelLeaf  = 1
)

// SemanticInfo describes what a semantic landmark is and whether it can be
// trusted to hold still.
type SemanticInfo struct {
	Type        string
	Description string
	Character   int
}

// SemanticInfoFromLabel maps a detector label to its semantic description.
// Unknown labels fall back to trunk.
func SemanticInfoFromLabel(label int) SemanticInfo {
	switch label {
	case LabelLeaf:
		return SemanticInfo{
			Type:        "Leaf",
			Description: "Leaf from a vine trunk. A dynamic landmark",
			Character:   LabelLeaf,
		}
	default:
		return SemanticInfo{
			Type:        "Trunk",
			Description: "Vine trunk. A static landmark",
			Character:   LabelTrunk,
		}
	}
}

// Static reports whether the landmark is a static one.
func (si SemanticInfo) Static() bool {
	return si.Character == LabelTrunk
}

// Semantic is a high-level landmark located by the object detector and
// tracked with a planar Gaussian.
type Semantic struct {
	ID    int
	Pos   r3.Vector
	Gauss spatialmath.Gaussian2D
	Info  SemanticInfo
}

// Image is a low-level visual feature with its pixel position, color,
// descriptor and laplacian sign.
type Image struct {
	ID            int
	Pos           r3.Vector
	U, V          int
	R, G, B       uint8
	Descriptor    []float64
	Laplacian     int
	NObservations int
}

// DescriptorDistance is the Euclidean distance between two descriptors.
// Returns a large sentinel when the lengths differ.
func DescriptorDistance(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1e6
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Corner is an edge-like LiDAR point (locally high range smoothness).
type Corner struct {
	ID            int
	Pos           r3.Vector
	WhichPlane    int
	WhichCluster  int
	NObservations int

	// Correspondence holds the matched map position for the latest frame.
	// Diagnostics only.
	Correspondence r3.Vector
}

// Planar is a surface-like LiDAR point (locally low range smoothness).
// It carries the same fields as Corner except the diagnostics
// correspondence; the two differ by extraction source.
type Planar struct {
	ID            int
	Pos           r3.Vector
	WhichPlane    int
	WhichCluster  int
	NObservations int
}

// Cluster groups corners that belong to the same physical structure.
type Cluster struct {
	ID     int
	Center r3.Vector
	Radius r3.Vector
	Items  []Corner
}
