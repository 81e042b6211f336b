package lidar

import (
	"sort"

	"github.com/golang/geo/r3"

	"github.com/agrinav/agslam/feature"
)

// clusterCorners groups corners by the segment they were extracted from and
// summarizes each group as a sphere-like cluster. The cluster id is the
// segment label, and each corner is tagged with it.
func clusterCorners(corners []feature.Corner) []feature.Cluster {
	byPlane := make(map[int][]feature.Corner)
	for i := range corners {
		corners[i].WhichCluster = corners[i].WhichPlane
		byPlane[corners[i].WhichPlane] = append(byPlane[corners[i].WhichPlane], corners[i])
	}

	labels := make([]int, 0, len(byPlane))
	for label := range byPlane {
		labels = append(labels, label)
	}
	sort.Ints(labels)

	clusters := make([]feature.Cluster, 0, len(labels))
	for _, label := range labels {
		items := byPlane[label]

		var center r3.Vector
		for _, c := range items {
			center = center.Add(c.Pos)
		}
		center = center.Mul(1 / float64(len(items)))

		var radius r3.Vector
		for _, c := range items {
			d := c.Pos.Sub(center)
			radius.X = maxFloat(radius.X, abs(d.X))
			radius.Y = maxFloat(radius.Y, abs(d.Y))
			radius.Z = maxFloat(radius.Z, abs(d.Z))
		}

		clusters = append(clusters, feature.Cluster{
			ID:     label,
			Center: center,
			Radius: radius,
			Items:  items,
		})
	}
	return clusters
}

func maxFloat(a, b float64) float64 {
	if b > a {
		return b
	}
	return a
}
