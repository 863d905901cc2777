package spatialindex

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"

	s "github.com/viam-modules/viam-lio/sensors"
)

type voxelAccum struct {
	sum       r3.Vector
	intensity float64
	offsetMs  float64
	count     int
}

// Downsample replaces the points of every cubic voxel of edge leaf with their centroid. Intensity and offset
// are averaged the same way. Output voxels appear in the order they were first hit. A non-positive leaf returns
// a copy of the input.
func Downsample(points []s.Point, leaf float64) []s.Point {
	if leaf <= 0 {
		out := make([]s.Point, len(points))
		copy(out, points)
		return out
	}
	invLeaf := 1 / leaf
	voxels := make(map[pointcloud.VoxelCoords]*voxelAccum, len(points)/4+1)
	order := make([]pointcloud.VoxelCoords, 0, len(points)/4+1)
	for _, p := range points {
		key := pointcloud.VoxelCoords{
			I: int64(math.Floor(p.Position.X * invLeaf)),
			J: int64(math.Floor(p.Position.Y * invLeaf)),
			K: int64(math.Floor(p.Position.Z * invLeaf)),
		}
		acc, ok := voxels[key]
		if !ok {
			acc = &voxelAccum{}
			voxels[key] = acc
			order = append(order, key)
		}
		acc.sum = acc.sum.Add(p.Position)
		acc.intensity += p.Intensity
		acc.offsetMs += p.OffsetMs
		acc.count++
	}

	out := make([]s.Point, 0, len(order))
	for _, key := range order {
		acc := voxels[key]
		n := float64(acc.count)
		out = append(out, s.Point{
			Position:  acc.sum.Mul(1 / n),
			Intensity: acc.intensity / n,
			OffsetMs:  acc.offsetMs / n,
		})
	}
	return out
}
