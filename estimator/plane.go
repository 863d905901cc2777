package estimator

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	s "github.com/viam-modules/viam-lio/sensors"
	"github.com/viam-modules/viam-lio/spatialindex"
)

const (
	numMatchPoints = 5
	maxMatchSqDist = 5.0
)

// Measurement is one run of lidar points to fuse. Points are in the lidar frame. Nearest is filled by the
// update with the map neighbours of each point, in the same order as Points, and may be handed to map insertion.
type Measurement struct {
	Points []s.Point
	Index  spatialindex.Index

	Nearest   [][]s.Point
	Effective int

	planes []plane
}

type plane struct {
	valid  bool
	normal r3.Vector
	d      float64
}

// PlaneModel computes point-to-plane residuals against the map.
type PlaneModel struct {
	PlaneThr float64
	MatchS   float64
}

// fitPlane fits n.q + d = 0 to the points by least squares and checks every point lies within thr of it.
func fitPlane(points []s.Point, thr float64) (plane, bool) {
	a := mat.NewDense(len(points), 3, nil)
	b := mat.NewVecDense(len(points), nil)
	for i, p := range points {
		a.Set(i, 0, p.Position.X)
		a.Set(i, 1, p.Position.Y)
		a.Set(i, 2, p.Position.Z)
		b.SetVec(i, -1)
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return plane{}, false
	}
	n := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	norm := n.Norm()
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return plane{}, false
	}
	pl := plane{valid: true, normal: n.Mul(1 / norm), d: 1 / norm}
	for _, p := range points {
		if math.Abs(pl.normal.Dot(p.Position)+pl.d) > thr {
			return plane{}, false
		}
	}
	return pl, true
}

// associate searches the map for each point's neighbours and fits its plane. It runs once per measurement.
func (pm PlaneModel) associate(st State, m *Measurement) {
	m.Nearest = make([][]s.Point, len(m.Points))
	m.planes = make([]plane, len(m.Points))
	if m.Index == nil {
		return
	}
	for i, p := range m.Points {
		world := st.LidarToWorld(p.Position)
		near := m.Index.Nearest(world, numMatchPoints)
		m.Nearest[i] = near
		if len(near) < numMatchPoints {
			continue
		}
		if near[numMatchPoints-1].Position.Sub(world).Norm2() > maxMatchSqDist {
			continue
		}
		if pl, ok := fitPlane(near, pm.PlaneThr); ok {
			m.planes[i] = pl
		}
	}
}

// residuals returns the stacked point-to-plane residuals at st and their Jacobian with respect to the first
// twelve error-state components: position, attitude, extrinsic rotation and extrinsic translation.
func (pm PlaneModel) residuals(st State, m *Measurement, extrinsic bool) (*mat.Dense, []float64) {
	var rows [][12]float64
	var z []float64
	for i, p := range m.Points {
		pl := m.planes[i]
		if !pl.valid {
			continue
		}
		pIMU := st.LidarToIMU(p.Position)
		world := Rotate(st.Rot, pIMU).Add(st.Pos)
		pd2 := pl.normal.Dot(world) + pl.d
		if p.Position.Norm() <= pm.MatchS*pd2*pd2 {
			continue
		}
		nBody := RotateInverse(st.Rot, pl.normal)
		var row [12]float64
		row[0], row[1], row[2] = pl.normal.X, pl.normal.Y, pl.normal.Z
		a := pIMU.Cross(nBody)
		row[3], row[4], row[5] = a.X, a.Y, a.Z
		if extrinsic {
			nLidar := RotateInverse(st.RotLI, nBody)
			b := p.Position.Cross(nLidar)
			row[6], row[7], row[8] = b.X, b.Y, b.Z
			row[9], row[10], row[11] = nBody.X, nBody.Y, nBody.Z
		}
		rows = append(rows, row)
		z = append(z, pd2)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	h := mat.NewDense(len(rows), 12, nil)
	for i, row := range rows {
		h.SetRow(i, row[:])
	}
	return h, z
}
