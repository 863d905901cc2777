package estimator

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-lio/config"
)

const convergeLimit = 1e-6

// Filter is the shared interface of both state models.
type Filter interface {
	Model() Model
	State() State
	SetState(State)
	// Covariance returns a copy of the error-state covariance.
	Covariance() *mat.Dense
	// Predict propagates the state and/or covariance by dt seconds. The input model integrates in; the output
	// model ignores it.
	Predict(dt float64, in Input, propagateState, propagateCov bool)
	// UpdateIteratedMeasurement fuses a run of lidar points. It returns false, leaving the state untouched, when
	// no point produced a usable correspondence.
	UpdateIteratedMeasurement(m *Measurement) bool
	Reset()
}

// IMUFilter is implemented by the output model, which observes angular velocity and acceleration.
type IMUFilter interface {
	Filter
	// UpdateIMU fuses one IMU sample. Acc is in sensor units.
	UpdateIMU(gyro, acc r3.Vector) bool
}

// Options configures a filter.
type Options struct {
	MaxIteration int
	LidarMeasCov float64
	Plane        PlaneModel
	ExtrinsicEst bool
	// AccScale converts sensor acceleration units to m/s^2.
	AccScale   float64
	ExtrinsicR quat.Number
	ExtrinsicT r3.Vector
	Gravity    r3.Vector

	GyrCov  float64
	AccCov  float64
	VelCov  float64
	BGyrCov float64
	BAccCov float64

	IMUMeasOmgCov float64
	IMUMeasAccCov float64
	CheckSatu     bool
	SatuGyro      float64
	SatuAcc       float64
}

// New returns a filter for the requested model.
func New(model Model, opts Options) Filter {
	if model == InputDriven {
		return NewInputModel(opts)
	}
	return NewOutputModel(opts)
}

type filter struct {
	opts   Options
	layout layout
	x      State
	p      *mat.Dense
}

func newFilter(opts Options, l layout) filter {
	if opts.MaxIteration < 1 {
		opts.MaxIteration = 1
	}
	if opts.AccScale == 0 {
		opts.AccScale = 1
	}
	if opts.ExtrinsicR == (quat.Number{}) {
		opts.ExtrinsicR = Identity
	}
	f := filter{opts: opts, layout: l}
	f.reset()
	return f
}

func (f *filter) reset() {
	f.x = State{
		Rot:     Identity,
		RotLI:   Normalize(f.opts.ExtrinsicR),
		PosLI:   f.opts.ExtrinsicT,
		Gravity: f.opts.Gravity,
	}
	f.p = f.layout.initialCovariance()
}

// State returns the current nominal state.
func (f *filter) State() State {
	return f.x
}

// SetState replaces the nominal state; the covariance is kept.
func (f *filter) SetState(st State) {
	st.Rot = Normalize(st.Rot)
	st.RotLI = Normalize(st.RotLI)
	f.x = st
}

// Covariance returns a copy of the covariance.
func (f *filter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(f.p)
}

// propagateCovariance computes P = F P F^T + Q.
func (f *filter) propagateCovariance(fx *mat.Dense, q []float64) {
	var tmp, next mat.Dense
	tmp.Mul(fx, f.p)
	next.Mul(&tmp, fx.T())
	for i, v := range q {
		next.Set(i, i, next.At(i, i)+v)
	}
	f.p = symmetrize(&next)
}

func symmetrize(m *mat.Dense) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, r, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			out.Set(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return out
}

// kalmanGain returns K = P H^T (H P H^T + R)^-1 along with H P.
func kalmanGain(p, h *mat.Dense, r []float64) (*mat.Dense, *mat.Dense, bool) {
	m, _ := h.Dims()
	var hp, s mat.Dense
	hp.Mul(h, p)
	s.Mul(&hp, h.T())
	for i := 0; i < m; i++ {
		s.Set(i, i, s.At(i, i)+r[i])
	}
	var kt mat.Dense
	if err := kt.Solve(&s, &hp); err != nil {
		return nil, nil, false
	}
	return mat.DenseCopyOf(kt.T()), &hp, true
}

// UpdateIteratedMeasurement runs the iterated update. Correspondences are searched once at the propagated
// state; each iteration relinearizes the residuals around the current estimate.
func (f *filter) UpdateIteratedMeasurement(m *Measurement) bool {
	xProp := f.x
	f.opts.Plane.associate(xProp, m)

	n := f.layout.dim
	var (
		k  *mat.Dense
		hp *mat.Dense
		h  *mat.Dense
	)
	x := xProp
	for iter := 0; iter < f.opts.MaxIteration; iter++ {
		hShare, z := f.opts.Plane.residuals(x, m, f.opts.ExtrinsicEst)
		if hShare == nil {
			if iter == 0 {
				m.Effective = 0
				return false
			}
			break
		}
		rows := len(z)
		m.Effective = rows
		h = mat.NewDense(rows, n, nil)
		setBlock(h, 0, 0, hShare)

		r := make([]float64, rows)
		for i := range r {
			r[i] = f.opts.LidarMeasCov
		}
		var ok bool
		k, hp, ok = kalmanGain(f.p, h, r)
		if !ok {
			if iter == 0 {
				return false
			}
			break
		}

		delta := f.layout.boxminus(x, xProp)
		innov := mat.NewVecDense(rows, nil)
		var hd mat.VecDense
		hd.MulVec(h, delta)
		for i := 0; i < rows; i++ {
			innov.SetVec(i, -z[i]+hd.AtVec(i))
		}
		var dx mat.VecDense
		dx.MulVec(k, innov)
		if !f.opts.ExtrinsicEst {
			for i := 0; i < 6; i++ {
				dx.SetVec(f.layout.rotLI+i, 0)
			}
		}
		next := f.layout.boxplus(xProp, &dx)

		step := f.layout.boxminus(next, x)
		x = next
		if mat.Norm(step, 2) < convergeLimit {
			break
		}
	}

	var khp mat.Dense
	khp.Mul(k, hp)
	var updated mat.Dense
	updated.Sub(f.p, &khp)
	f.p = symmetrize(&updated)
	f.x = x
	return true
}

// OptionsFromParams builds filter options for the model selected by p.
func OptionsFromParams(p config.Params) Options {
	opts := Options{
		MaxIteration:  p.MaxIteration,
		LidarMeasCov:  p.LidarMeasCov,
		Plane:         PlaneModel{PlaneThr: p.PlaneThr, MatchS: p.MatchS},
		ExtrinsicEst:  p.ExtrinsicEstEnabled,
		AccScale:      G / p.AccNorm,
		ExtrinsicR:    FromMatrix(p.ExtrinsicR),
		ExtrinsicT:    p.ExtrinsicT,
		Gravity:       p.Gravity,
		BGyrCov:       p.BGyrCov,
		BAccCov:       p.BAccCov,
		IMUMeasOmgCov: p.IMUMeasOmgCov,
		IMUMeasAccCov: p.IMUMeasAccCov,
		CheckSatu:     p.CheckSatu,
		SatuGyro:      p.SatuGyro,
		SatuAcc:       p.SatuAcc,
	}
	if p.UseIMUAsInput {
		opts.GyrCov = p.GyrCovInput
		opts.AccCov = p.AccCovInput
	} else {
		opts.GyrCov = p.GyrCovOutput
		opts.AccCov = p.AccCovOutput
		opts.VelCov = p.VelCov
	}
	return opts
}

// ModelFromParams returns the model selected by p.
func ModelFromParams(p config.Params) Model {
	if p.UseIMUAsInput {
		return InputDriven
	}
	return OutputDriven
}
