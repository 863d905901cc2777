package estimator

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// OutputModel is the filter that estimates angular velocity and acceleration and observes them with the IMU.
type OutputModel struct {
	filter
}

// NewOutputModel returns an output-driven filter at the identity state.
func NewOutputModel(opts Options) *OutputModel {
	return &OutputModel{filter: newFilter(opts, outputLayout)}
}

// Model returns OutputDriven.
func (f *OutputModel) Model() Model {
	return OutputDriven
}

// Reset restores the initial state and covariance.
func (f *OutputModel) Reset() {
	f.reset()
}

// Predict integrates the constant angular velocity and acceleration kinematics over dt. The input is unused.
func (f *OutputModel) Predict(dt float64, _ Input, propagateState, propagateCov bool) {
	if dt == 0 {
		return
	}
	x := f.x

	if propagateCov {
		l := f.layout
		fx := mat.NewDense(l.dim, l.dim, nil)
		for i := 0; i < l.dim; i++ {
			fx.Set(i, i, 1)
		}
		eye := mat.NewDiagDense(3, []float64{dt, dt, dt})

		setBlock(fx, l.pos, l.vel, eye)

		var rotRot mat.Dense
		rotRot.Scale(-dt, Skew(x.Omega))
		for i := 0; i < 3; i++ {
			rotRot.Set(i, i, rotRot.At(i, i)+1)
		}
		setBlock(fx, l.rot, l.rot, &rotRot)
		setBlock(fx, l.rot, l.omg, eye)

		rm := Matrix(x.Rot)
		var velRot mat.Dense
		velRot.Mul(rm, Skew(x.Acc))
		velRot.Scale(-dt, &velRot)
		setBlock(fx, l.vel, l.rot, &velRot)
		var velAcc mat.Dense
		velAcc.Scale(dt, rm)
		setBlock(fx, l.vel, l.acc, &velAcc)
		setBlock(fx, l.vel, l.grav, eye)

		dt2 := dt * dt
		q := make([]float64, l.dim)
		fill(q, l.vel, f.opts.VelCov*dt2)
		fill(q, l.omg, f.opts.GyrCov*dt2)
		fill(q, l.acc, f.opts.AccCov*dt2)
		fill(q, l.bg, f.opts.BGyrCov*dt2)
		fill(q, l.ba, f.opts.BAccCov*dt2)
		f.propagateCovariance(fx, q)
	}

	if propagateState {
		next := x
		next.Pos = x.Pos.Add(x.Vel.Mul(dt))
		next.Rot = Normalize(quat.Mul(x.Rot, Exp(x.Omega.Mul(dt))))
		next.Vel = x.Vel.Add(Rotate(x.Rot, x.Acc).Add(x.Gravity).Mul(dt))
		f.x = next
	}
}

// UpdateIMU corrects angular velocity, acceleration and both biases with one IMU sample. With saturation
// checking on, axes reading at or beyond 99% of the sensor range do not contribute.
func (f *OutputModel) UpdateIMU(gyro, acc r3.Vector) bool {
	l := f.layout
	x := f.x
	scaled := acc.Mul(f.opts.AccScale)

	gyroRes := axes(gyro.Sub(x.Omega).Sub(x.BiasG))
	accRes := axes(scaled.Sub(x.Acc).Sub(x.BiasA))
	rawGyro, rawAcc := axes(gyro), axes(acc)

	h := mat.NewDense(6, l.dim, nil)
	z := mat.NewVecDense(6, nil)
	r := make([]float64, 6)
	used := 0
	for i := 0; i < 3; i++ {
		r[i] = f.opts.IMUMeasOmgCov
		r[i+3] = f.opts.IMUMeasAccCov
		if !f.opts.CheckSatu || math.Abs(rawGyro[i]) < 0.99*f.opts.SatuGyro {
			h.Set(i, l.omg+i, 1)
			h.Set(i, l.bg+i, 1)
			z.SetVec(i, gyroRes[i])
			used++
		}
		if !f.opts.CheckSatu || math.Abs(rawAcc[i]) < 0.99*f.opts.SatuAcc {
			h.Set(i+3, l.acc+i, 1)
			h.Set(i+3, l.ba+i, 1)
			z.SetVec(i+3, accRes[i])
			used++
		}
	}
	if used == 0 {
		return false
	}

	k, hp, ok := kalmanGain(f.p, h, r)
	if !ok {
		return false
	}
	var dx mat.VecDense
	dx.MulVec(k, z)
	f.x = l.boxplus(x, &dx)

	var khp, updated mat.Dense
	khp.Mul(k, hp)
	updated.Sub(f.p, &khp)
	f.p = symmetrize(&updated)
	return true
}

func axes(v r3.Vector) [3]float64 {
	return [3]float64{v.X, v.Y, v.Z}
}

var _ IMUFilter = (*OutputModel)(nil)
