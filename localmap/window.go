// Package localmap keeps the spatial map bounded to a cube around the sensor and decides how scan points are
// inserted into it.
package localmap

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-lio/config"
	"github.com/viam-modules/viam-lio/spatialindex"
)

// Window is the axis-aligned box of the map that is kept in the index. Once created it is only ever translated.
type Window struct {
	cubeLen     float64
	detRange    float64
	box         spatialindex.Box
	initialized bool
}

// NewWindow returns an uninitialized window. The box is placed on the first call to Segment.
func NewWindow(cubeLen, detRange float64) *Window {
	return &Window{cubeLen: cubeLen, detRange: detRange}
}

// Initialized reports whether the window has been placed.
func (w *Window) Initialized() bool {
	return w.initialized
}

// Box returns the current window.
func (w *Window) Box() spatialindex.Box {
	return w.box
}

// Reset forgets the window so the next Segment places it again.
func (w *Window) Reset() {
	w.initialized = false
	w.box = spatialindex.Box{}
}

func (w *Window) moveDistance() float64 {
	return math.Max((w.cubeLen-2*config.MovThreshold*w.detRange)*0.5*0.9, w.detRange*(config.MovThreshold-1))
}

// Segment translates the window so that lidarPos stays at least MovThreshold*detRange away from every face and
// returns the slabs that left the window. The caller passes them to the index in a single DeleteBoxes call.
func (w *Window) Segment(lidarPos r3.Vector) []spatialindex.Box {
	half := w.cubeLen / 2
	if !w.initialized {
		w.box = spatialindex.Box{
			Min: r3.Vector{X: lidarPos.X - half, Y: lidarPos.Y - half, Z: lidarPos.Z - half},
			Max: r3.Vector{X: lidarPos.X + half, Y: lidarPos.Y + half, Z: lidarPos.Z + half},
		}
		w.initialized = true
		return nil
	}

	margin := config.MovThreshold * w.detRange
	pos := axes(lidarPos)
	oldMin, oldMax := axes(w.box.Min), axes(w.box.Max)
	newMin, newMax := oldMin, oldMax
	mov := w.moveDistance()

	var removed []spatialindex.Box
	for i := 0; i < 3; i++ {
		toMin := math.Abs(pos[i] - oldMin[i])
		toMax := math.Abs(pos[i] - oldMax[i])
		switch {
		case toMin <= margin:
			newMin[i] -= mov
			newMax[i] -= mov
			slabMin, slabMax := oldMin, oldMax
			slabMin[i] = oldMax[i] - mov
			removed = append(removed, spatialindex.Box{Min: vector(slabMin), Max: vector(slabMax)})
		case toMax <= margin:
			newMin[i] += mov
			newMax[i] += mov
			slabMin, slabMax := oldMin, oldMax
			slabMax[i] = oldMin[i] + mov
			removed = append(removed, spatialindex.Box{Min: vector(slabMin), Max: vector(slabMax)})
		}
	}
	w.box = spatialindex.Box{Min: vector(newMin), Max: vector(newMax)}
	return removed
}

// SegmentIndex runs Segment and deletes the vacated slabs from index. It returns the number of removed points.
func (w *Window) SegmentIndex(lidarPos r3.Vector, index spatialindex.Index) int {
	boxes := w.Segment(lidarPos)
	if len(boxes) == 0 {
		return 0
	}
	return index.DeleteBoxes(boxes)
}

func axes(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

func vector(a [3]float64) r3.Vector {
	return r3.Vector{X: a[0], Y: a[1], Z: a[2]}
}
