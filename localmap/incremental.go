package localmap

import (
	"math"

	"github.com/golang/geo/r3"

	s "github.com/viam-modules/viam-lio/sensors"
	"github.com/viam-modules/viam-lio/spatialindex"
)

// MinPointsForInsert is the smallest downsampled scan that is inserted into the map.
const MinPointsForInsert = 5

// InsertResult counts what Incremental did with a scan.
type InsertResult struct {
	Downsampled int
	PassThrough int
	Skipped     int
}

// Incremental inserts world-frame points into index. nearest[i] holds the neighbours found for points[i] during
// the measurement update, nearest first; res is the map voxel edge.
//
// A point whose closest neighbour is more than 1.732*res from its voxel centre on some axis is added as-is. A
// point whose voxel centre already has a neighbour within res/2 on every axis is dropped. Everything else is
// added with downsampling. Points with no cached neighbours are added as-is.
func Incremental(index spatialindex.Index, points []s.Point, nearest [][]s.Point, res float64) InsertResult {
	toAdd := make([]s.Point, 0, len(points))
	noDownsample := make([]s.Point, 0, len(points))
	var result InsertResult

	for i, p := range points {
		var near []s.Point
		if i < len(nearest) {
			near = nearest[i]
		}
		if len(near) == 0 {
			noDownsample = append(noDownsample, p)
			continue
		}
		mid := voxelCenter(p.Position, res)
		if outside(near[0].Position, mid, 1.732*res) {
			noDownsample = append(noDownsample, p)
			continue
		}
		occupied := false
		for _, q := range near {
			if within(q.Position, mid, 0.5*res) {
				occupied = true
				break
			}
		}
		if occupied {
			result.Skipped++
			continue
		}
		toAdd = append(toAdd, p)
	}

	result.Downsampled = index.Add(toAdd, true)
	result.PassThrough = index.Add(noDownsample, false)
	return result
}

func voxelCenter(p r3.Vector, res float64) r3.Vector {
	return r3.Vector{
		X: math.Floor(p.X/res)*res + 0.5*res,
		Y: math.Floor(p.Y/res)*res + 0.5*res,
		Z: math.Floor(p.Z/res)*res + 0.5*res,
	}
}

func outside(q, mid r3.Vector, limit float64) bool {
	return math.Abs(q.X-mid.X) > limit || math.Abs(q.Y-mid.Y) > limit || math.Abs(q.Z-mid.Z) > limit
}

func within(q, mid r3.Vector, limit float64) bool {
	return math.Abs(q.X-mid.X) < limit && math.Abs(q.Y-mid.Y) < limit && math.Abs(q.Z-mid.Z) < limit
}
