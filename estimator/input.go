package estimator

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// InputModel is the filter whose angular velocity and acceleration are control inputs.
type InputModel struct {
	filter
}

// NewInputModel returns an input-driven filter at the identity state.
func NewInputModel(opts Options) *InputModel {
	return &InputModel{filter: newFilter(opts, inputLayout)}
}

// Model returns InputDriven.
func (f *InputModel) Model() Model {
	return InputDriven
}

// Reset restores the initial state and covariance.
func (f *InputModel) Reset() {
	f.reset()
}

// Predict integrates the kinematics driven by in over dt.
func (f *InputModel) Predict(dt float64, in Input, propagateState, propagateCov bool) {
	if dt == 0 {
		return
	}
	x := f.x
	omega := in.Gyro.Sub(x.BiasG)
	acc := in.Acc.Mul(f.opts.AccScale).Sub(x.BiasA)

	if propagateCov {
		l := f.layout
		fx := mat.NewDense(l.dim, l.dim, nil)
		for i := 0; i < l.dim; i++ {
			fx.Set(i, i, 1)
		}
		eye := mat.NewDiagDense(3, []float64{dt, dt, dt})
		negEye := mat.NewDiagDense(3, []float64{-dt, -dt, -dt})

		setBlock(fx, l.pos, l.vel, eye)

		var rotRot mat.Dense
		rotRot.Scale(-dt, Skew(omega))
		for i := 0; i < 3; i++ {
			rotRot.Set(i, i, rotRot.At(i, i)+1)
		}
		setBlock(fx, l.rot, l.rot, &rotRot)
		setBlock(fx, l.rot, l.bg, negEye)

		rm := Matrix(x.Rot)
		var velRot mat.Dense
		velRot.Mul(rm, Skew(acc))
		velRot.Scale(-dt, &velRot)
		setBlock(fx, l.vel, l.rot, &velRot)
		var velBa mat.Dense
		velBa.Scale(-dt, rm)
		setBlock(fx, l.vel, l.ba, &velBa)
		setBlock(fx, l.vel, l.grav, eye)

		dt2 := dt * dt
		q := make([]float64, l.dim)
		fill(q, l.rot, f.opts.GyrCov*dt2)
		fill(q, l.vel, f.opts.AccCov*dt2)
		fill(q, l.bg, f.opts.BGyrCov*dt2)
		fill(q, l.ba, f.opts.BAccCov*dt2)
		f.propagateCovariance(fx, q)
	}

	if propagateState {
		next := x
		next.Pos = x.Pos.Add(x.Vel.Mul(dt))
		next.Rot = Normalize(quat.Mul(x.Rot, Exp(omega.Mul(dt))))
		next.Vel = x.Vel.Add(Rotate(x.Rot, acc).Add(x.Gravity).Mul(dt))
		f.x = next
	}
}

func fill(q []float64, off int, v float64) {
	for i := 0; i < 3; i++ {
		q[off+i] += v
	}
}

var _ Filter = (*InputModel)(nil)
