// Package spatialindex implements the incremental point map queried by the estimator and grown by map insertion.
package spatialindex

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/pointcloud"

	s "github.com/viam-modules/viam-lio/sensors"
)

// Box is an axis-aligned box. Both faces are inclusive.
type Box struct {
	Min r3.Vector
	Max r3.Vector
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

func (b Box) intersects(o Box) bool {
	return b.Min.X <= o.Max.X && b.Max.X >= o.Min.X &&
		b.Min.Y <= o.Max.Y && b.Max.Y >= o.Min.Y &&
		b.Min.Z <= o.Max.Z && b.Max.Z >= o.Min.Z
}

// Index is the spatial map. It is not safe for concurrent use; the fusion loop is its only caller.
type Index interface {
	// Build replaces the contents of the index with points.
	Build(points []s.Point)
	// Add inserts points and returns how many were stored. With downsample set, each point competes with the points
	// already in its voxel and only the one closest to the voxel centre is kept.
	Add(points []s.Point, downsample bool) int
	// DeleteBoxes removes every point inside any of the boxes and returns how many were removed.
	DeleteBoxes(boxes []Box) int
	// Nearest returns up to k points closest to p, nearest first.
	Nearest(p r3.Vector, k int) []s.Point
	Size() int
	Flatten() []s.Point
}

// VoxelIndex is a hashed voxel grid. The voxel edge doubles as the downsample resolution.
type VoxelIndex struct {
	res       float64
	maxRing   int
	cells     map[pointcloud.VoxelCoords][]s.Point
	numPoints int
}

// NewVoxelIndex returns an empty index with the given voxel edge. Nearest neighbour searches stop looking
// further than maxSearchDist from the query point.
func NewVoxelIndex(resolution, maxSearchDist float64) *VoxelIndex {
	if resolution <= 0 {
		resolution = 0.5
	}
	return &VoxelIndex{
		res:     resolution,
		maxRing: int(math.Ceil(maxSearchDist/resolution)) + 1,
		cells:   map[pointcloud.VoxelCoords][]s.Point{},
	}
}

func (vi *VoxelIndex) key(p r3.Vector) pointcloud.VoxelCoords {
	return pointcloud.VoxelCoords{
		I: int64(math.Floor(p.X / vi.res)),
		J: int64(math.Floor(p.Y / vi.res)),
		K: int64(math.Floor(p.Z / vi.res)),
	}
}

func (vi *VoxelIndex) center(k pointcloud.VoxelCoords) r3.Vector {
	return r3.Vector{
		X: (float64(k.I) + 0.5) * vi.res,
		Y: (float64(k.J) + 0.5) * vi.res,
		Z: (float64(k.K) + 0.5) * vi.res,
	}
}

// Build replaces the index contents.
func (vi *VoxelIndex) Build(points []s.Point) {
	vi.cells = make(map[pointcloud.VoxelCoords][]s.Point, len(points))
	vi.numPoints = 0
	vi.Add(points, false)
}

// Add inserts points. With downsample set a point landing in an occupied voxel either replaces the stored
// point closest to the voxel centre, when it is closer still, or is dropped; the size of the index is unchanged
// either way. It returns the number of points stored.
func (vi *VoxelIndex) Add(points []s.Point, downsample bool) int {
	added := 0
	for _, p := range points {
		k := vi.key(p.Position)
		if !downsample {
			vi.cells[k] = append(vi.cells[k], p)
			vi.numPoints++
			added++
			continue
		}
		existing := vi.cells[k]
		if len(existing) == 0 {
			vi.cells[k] = []s.Point{p}
			vi.numPoints++
			added++
			continue
		}
		c := vi.center(k)
		best := 0
		bestDist := existing[0].Position.Sub(c).Norm2()
		for i := 1; i < len(existing); i++ {
			if d := existing[i].Position.Sub(c).Norm2(); d < bestDist {
				best, bestDist = i, d
			}
		}
		// the voxel never shrinks: a closer point replaces the best one in place
		if p.Position.Sub(c).Norm2() < bestDist {
			existing[best] = p
			added++
		}
	}
	return added
}

// DeleteBoxes removes all points inside any box.
func (vi *VoxelIndex) DeleteBoxes(boxes []Box) int {
	if len(boxes) == 0 {
		return 0
	}
	removed := 0
	for k, pts := range vi.cells {
		c := vi.center(k)
		half := r3.Vector{X: vi.res / 2, Y: vi.res / 2, Z: vi.res / 2}
		cell := Box{Min: c.Sub(half), Max: c.Add(half)}
		touched := false
		for _, b := range boxes {
			if b.intersects(cell) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		kept := pts[:0]
		for _, p := range pts {
			inside := false
			for _, b := range boxes {
				if b.Contains(p.Position) {
					inside = true
					break
				}
			}
			if inside {
				removed++
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(vi.cells, k)
		} else {
			vi.cells[k] = kept
		}
	}
	vi.numPoints -= removed
	return removed
}

type candidate struct {
	point s.Point
	dist  float64
}

// Nearest searches voxel shells of growing radius around p until k points are known to be the closest, or the
// search distance is exhausted.
func (vi *VoxelIndex) Nearest(p r3.Vector, k int) []s.Point {
	if k <= 0 || vi.numPoints == 0 {
		return nil
	}
	center := vi.key(p)
	var found []candidate
	for r := 0; r <= vi.maxRing; r++ {
		for i := -r; i <= r; i++ {
			for j := -r; j <= r; j++ {
				for l := -r; l <= r; l++ {
					if absInt(i) != r && absInt(j) != r && absInt(l) != r {
						continue
					}
					pts := vi.cells[pointcloud.VoxelCoords{I: center.I + int64(i), J: center.J + int64(j), K: center.K + int64(l)}]
					for _, q := range pts {
						found = append(found, candidate{point: q, dist: q.Position.Sub(p).Norm2()})
					}
				}
			}
		}
		if len(found) < k {
			continue
		}
		sort.SliceStable(found, func(a, b int) bool { return found[a].dist < found[b].dist })
		reach := float64(r) * vi.res
		if found[k-1].dist <= reach*reach {
			break
		}
	}
	sort.SliceStable(found, func(a, b int) bool { return found[a].dist < found[b].dist })
	if len(found) > k {
		found = found[:k]
	}
	out := make([]s.Point, len(found))
	for i, c := range found {
		out[i] = c.point
	}
	return out
}

// Size returns the number of stored points.
func (vi *VoxelIndex) Size() int {
	return vi.numPoints
}

// Flatten returns every stored point ordered by voxel.
func (vi *VoxelIndex) Flatten() []s.Point {
	keys := make([]pointcloud.VoxelCoords, 0, len(vi.cells))
	for k := range vi.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].I != keys[b].I {
			return keys[a].I < keys[b].I
		}
		if keys[a].J != keys[b].J {
			return keys[a].J < keys[b].J
		}
		return keys[a].K < keys[b].K
	})
	out := make([]s.Point, 0, vi.numPoints)
	for _, k := range keys {
		out = append(out, vi.cells[k]...)
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
