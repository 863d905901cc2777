// Package estimator implements the iterated error-state Kalman filters behind the fusion scheduler. Two state
// layouts are available: an input model that treats IMU samples as control inputs and an output model that
// carries angular velocity and acceleration in the state and observes them with the IMU.
package estimator

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Model identifies a state layout.
type Model int

const (
	// InputDriven treats IMU samples as control inputs.
	InputDriven Model = iota
	// OutputDriven treats IMU samples as measurements of state components.
	OutputDriven
)

// String returns a short name for the model.
func (m Model) String() string {
	if m == InputDriven {
		return "input"
	}
	return "output"
}

// State is the nominal navigation state. Omega and Acc are only estimated by the output model.
type State struct {
	Pos     r3.Vector
	Rot     quat.Number
	RotLI   quat.Number
	PosLI   r3.Vector
	Vel     r3.Vector
	Omega   r3.Vector
	Acc     r3.Vector
	Gravity r3.Vector
	BiasG   r3.Vector
	BiasA   r3.Vector
}

// Input is one IMU sample used as a control input. Acc is in sensor units.
type Input struct {
	Gyro r3.Vector
	Acc  r3.Vector
}

// LidarToWorld maps a point from the lidar frame to the world frame.
func (st State) LidarToWorld(p r3.Vector) r3.Vector {
	return Rotate(st.Rot, st.LidarToIMU(p)).Add(st.Pos)
}

// LidarToIMU maps a point from the lidar frame to the IMU body frame.
func (st State) LidarToIMU(p r3.Vector) r3.Vector {
	return Rotate(st.RotLI, p).Add(st.PosLI)
}

// LidarPosition returns the lidar origin in the world frame.
func (st State) LidarPosition() r3.Vector {
	return Rotate(st.Rot, st.PosLI).Add(st.Pos)
}

// layout holds the offset of every 3-dimensional block in the error state. Absent blocks are -1.
type layout struct {
	pos, rot, rotLI, posLI, vel, omg, acc, grav, bg, ba int
	dim                                                 int
}

var (
	inputLayout = layout{
		pos: 0, rot: 3, rotLI: 6, posLI: 9, vel: 12, bg: 15, ba: 18, grav: 21,
		omg: -1, acc: -1, dim: 24,
	}
	outputLayout = layout{
		pos: 0, rot: 3, rotLI: 6, posLI: 9, vel: 12, omg: 15, acc: 18, grav: 21, bg: 24, ba: 27,
		dim: 30,
	}
)

// boxplus applies an error-state increment to st.
func (l layout) boxplus(st State, dx *mat.VecDense) State {
	st.Pos = st.Pos.Add(vec(dx, l.pos))
	st.Rot = Normalize(quat.Mul(st.Rot, Exp(vec(dx, l.rot))))
	st.RotLI = Normalize(quat.Mul(st.RotLI, Exp(vec(dx, l.rotLI))))
	st.PosLI = st.PosLI.Add(vec(dx, l.posLI))
	st.Vel = st.Vel.Add(vec(dx, l.vel))
	st.Gravity = st.Gravity.Add(vec(dx, l.grav))
	st.BiasG = st.BiasG.Add(vec(dx, l.bg))
	st.BiasA = st.BiasA.Add(vec(dx, l.ba))
	if l.omg >= 0 {
		st.Omega = st.Omega.Add(vec(dx, l.omg))
	}
	if l.acc >= 0 {
		st.Acc = st.Acc.Add(vec(dx, l.acc))
	}
	return st
}

// boxminus returns the error-state difference a - b.
func (l layout) boxminus(a, b State) *mat.VecDense {
	dx := mat.NewVecDense(l.dim, nil)
	setVec(dx, l.pos, a.Pos.Sub(b.Pos))
	setVec(dx, l.rot, Log(quat.Mul(quat.Conj(b.Rot), a.Rot)))
	setVec(dx, l.rotLI, Log(quat.Mul(quat.Conj(b.RotLI), a.RotLI)))
	setVec(dx, l.posLI, a.PosLI.Sub(b.PosLI))
	setVec(dx, l.vel, a.Vel.Sub(b.Vel))
	setVec(dx, l.grav, a.Gravity.Sub(b.Gravity))
	setVec(dx, l.bg, a.BiasG.Sub(b.BiasG))
	setVec(dx, l.ba, a.BiasA.Sub(b.BiasA))
	if l.omg >= 0 {
		setVec(dx, l.omg, a.Omega.Sub(b.Omega))
	}
	if l.acc >= 0 {
		setVec(dx, l.acc, a.Acc.Sub(b.Acc))
	}
	return dx
}

// initialCovariance returns the starting covariance of the layout.
func (l layout) initialCovariance() *mat.Dense {
	p := mat.NewDense(l.dim, l.dim, nil)
	for i := 0; i < l.dim; i++ {
		p.Set(i, i, 0.01)
	}
	set := func(off int, v float64) {
		for i := 0; i < 3; i++ {
			p.Set(off+i, off+i, v)
		}
	}
	set(l.grav, 0.0001)
	set(l.rotLI, 0.0001)
	set(l.posLI, 0.0001)
	set(l.bg, 0.001)
	set(l.ba, 0.001)
	return p
}
