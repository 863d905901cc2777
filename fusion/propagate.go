package fusion

import (
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-lio/estimator"
	s "github.com/viam-modules/viam-lio/sensors"
)

// imuCursor walks IMU samples in time order across groups. Samples at or before the last consumed one are
// dropped on push, so a sample repeated by the synchronizer is never applied twice.
type imuCursor struct {
	last    s.IMUReading
	next    s.IMUReading
	hasLast bool
	hasNext bool
	pending []s.IMUReading
}

func (c *imuCursor) push(readings []s.IMUReading) {
	for _, r := range readings {
		if c.hasNext && r.Time <= c.next.Time {
			continue
		}
		if !c.hasNext && c.hasLast && r.Time <= c.last.Time {
			continue
		}
		if n := len(c.pending); n > 0 && r.Time <= c.pending[n-1].Time {
			continue
		}
		c.pending = append(c.pending, r)
	}
}

// advance consumes every sample strictly before t, calling fn with each in order.
func (c *imuCursor) advance(t float64, fn func(s.IMUReading)) {
	for {
		if !c.hasNext {
			if len(c.pending) == 0 {
				return
			}
			c.next = c.pending[0]
			c.pending = c.pending[1:]
			c.hasNext = true
		}
		if t <= c.next.Time {
			return
		}
		c.last = c.next
		c.hasLast = true
		c.hasNext = false
		if fn != nil {
			fn(c.last)
		}
	}
}

// current returns the most recently consumed sample, falling back to the upcoming one.
func (c *imuCursor) current() (s.IMUReading, bool) {
	switch {
	case c.hasLast:
		return c.last, true
	case c.hasNext:
		return c.next, true
	case len(c.pending) > 0:
		return c.pending[0], true
	default:
		return s.IMUReading{}, false
	}
}

func (c *imuCursor) reset() {
	*c = imuCursor{}
}

// propagator carries the filter from one run instant to the next. It is chosen once per scheduler from the
// active state model.
type propagator interface {
	// begin is called for the first run after a (re)start to anchor the timeline at t.
	begin(t float64)
	// propagate walks the IMU samples before t and predicts the state to t.
	propagate(t float64)
	// afterUpdate runs after a successful measurement update at t.
	afterUpdate(t float64)
	// angularVelocity is the twist reported with odometry.
	angularVelocity() spatialmath.AngularVelocity
	reset()
}

type propagatorConfig struct {
	imuEnabled      bool
	propAtFreqOfIMU bool
	imuTimeInte     float64
}

// inputPropagator drives the input model: each consumed IMU sample becomes the control input for the
// interval that follows it.
type inputPropagator struct {
	cfg    propagatorConfig
	filter estimator.Filter
	cursor *imuCursor

	input          estimator.Input
	tLast          float64
	timeUpdateLast float64
}

func newInputPropagator(cfg propagatorConfig, f estimator.Filter, cursor *imuCursor) *inputPropagator {
	return &inputPropagator{cfg: cfg, filter: f, cursor: cursor}
}

func (p *inputPropagator) begin(t float64) {
	p.cursor.advance(t, nil)
	if r, ok := p.cursor.current(); ok {
		p.input = estimator.Input{Gyro: r.Gyro(), Acc: r.LinearAcceleration}
	}
	p.tLast = t
	p.timeUpdateLast = t
}

func (p *inputPropagator) propagate(t float64) {
	p.cursor.advance(t, func(r s.IMUReading) {
		p.input = estimator.Input{Gyro: r.Gyro(), Acc: r.LinearAcceleration}
		if dtCov := r.Time - p.timeUpdateLast; dtCov > 0 {
			p.filter.Predict(dtCov, p.input, false, true)
			p.timeUpdateLast = r.Time
		}
		p.filter.Predict(r.Time-p.tLast, p.input, true, false)
		p.tLast = r.Time
	})

	dt := t - p.tLast
	p.tLast = t
	if !p.cfg.propAtFreqOfIMU {
		if dtCov := t - p.timeUpdateLast; dtCov > 0 {
			p.filter.Predict(dtCov, p.input, false, true)
			p.timeUpdateLast = t
		}
	}
	p.filter.Predict(dt, p.input, true, false)
}

func (p *inputPropagator) afterUpdate(float64) {}

func (p *inputPropagator) angularVelocity() spatialmath.AngularVelocity {
	r, _ := p.cursor.current()
	return r.AngularVelocity
}

func (p *inputPropagator) reset() {
	p.input = estimator.Input{}
	p.tLast = 0
	p.timeUpdateLast = 0
}

// outputPropagator drives the output model: the state is predicted with its own angular velocity and
// acceleration, and each consumed IMU sample corrects them after an IMU-rate covariance step.
type outputPropagator struct {
	cfg    propagatorConfig
	filter estimator.IMUFilter
	cursor *imuCursor

	timePredictLast float64
	timeUpdateLast  float64
}

func newOutputPropagator(cfg propagatorConfig, f estimator.IMUFilter, cursor *imuCursor) *outputPropagator {
	return &outputPropagator{cfg: cfg, filter: f, cursor: cursor}
}

func (p *outputPropagator) begin(t float64) {
	if p.cfg.imuEnabled {
		p.cursor.advance(t, nil)
	}
	p.timeUpdateLast = t
	p.timePredictLast = t
}

func (p *outputPropagator) propagate(t float64) {
	if p.cfg.imuEnabled {
		p.cursor.advance(t, func(r s.IMUReading) {
			// The state is predicted from the last state-predict instant while the covariance is predicted
			// from the last covariance update, so the two can cover different intervals.
			dt := r.Time - p.timePredictLast
			p.filter.Predict(dt, estimator.Input{}, true, false)
			p.timePredictLast = r.Time

			if dtCov := r.Time - p.timeUpdateLast; dtCov > 0 {
				p.timeUpdateLast = r.Time
				p.filter.Predict(dtCov, estimator.Input{}, false, true)
				p.filter.UpdateIMU(r.Gyro(), r.LinearAcceleration)
			}
		})
	}

	dt := t - p.timePredictLast
	if !p.cfg.propAtFreqOfIMU {
		if dtCov := t - p.timeUpdateLast; dtCov > 0 {
			p.filter.Predict(dtCov, estimator.Input{}, false, true)
			p.timeUpdateLast = t
		}
	}
	p.filter.Predict(dt, estimator.Input{}, true, false)
	p.timePredictLast = t
}

func (p *outputPropagator) afterUpdate(t float64) {
	if !p.cfg.propAtFreqOfIMU || p.cfg.imuEnabled {
		return
	}
	if dtCov := t - p.timeUpdateLast; dtCov >= p.cfg.imuTimeInte {
		p.filter.Predict(dtCov, estimator.Input{}, false, true)
		p.timeUpdateLast = t
	}
}

func (p *outputPropagator) angularVelocity() spatialmath.AngularVelocity {
	return spatialmath.AngularVelocity(p.filter.State().Omega)
}

func (p *outputPropagator) reset() {
	p.timePredictLast = 0
	p.timeUpdateLast = 0
}
