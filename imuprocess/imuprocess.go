// Package imuprocess implements the IMU warm-up that precedes fusion and the gravity alignment applied once
// warm-up completes.
package imuprocess

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	"github.com/viam-modules/viam-lio/estimator"
	"github.com/viam-modules/viam-lio/measurement"
	s "github.com/viam-modules/viam-lio/sensors"
)

// Processor averages the first IMU samples while the platform is assumed still and gates lidar points until
// that average is available.
type Processor struct {
	enabled   bool
	initCount int

	needInit bool
	n        int
	meanAcc  r3.Vector
	meanGyro r3.Vector

	gravityAligned bool
}

// NewProcessor returns a processor that averages initCount samples before releasing scans. With the IMU
// disabled every scan is released immediately.
func NewProcessor(imuEnabled bool, initCount int) *Processor {
	if initCount < 0 {
		initCount = 0
	}
	p := &Processor{enabled: imuEnabled, initCount: initCount}
	p.Reset()
	return p
}

// Reset discards the warm-up average and the gravity alignment flag.
func (p *Processor) Reset() {
	p.needInit = p.enabled
	p.n = 0
	p.meanAcc = r3.Vector{}
	p.meanGyro = r3.Vector{}
	p.gravityAligned = false
}

// NeedInit reports whether warm-up is still collecting samples.
func (p *Processor) NeedInit() bool {
	return p.needInit
}

// MeanAcc returns the averaged acceleration in sensor units.
func (p *Processor) MeanAcc() r3.Vector {
	return p.meanAcc
}

// MeanGyro returns the averaged angular velocity.
func (p *Processor) MeanGyro() r3.Vector {
	return p.meanGyro
}

// Samples returns the number of samples folded into the average.
func (p *Processor) Samples() int {
	return p.n
}

// GravityAligned reports whether gravity has been written into the state since the last reset.
func (p *Processor) GravityAligned() bool {
	return p.gravityAligned
}

// MarkGravityAligned records that gravity has been initialized.
func (p *Processor) MarkGravityAligned() {
	p.gravityAligned = true
}

// Process returns the points of the group that are ready for fusion. While warming up the group's IMU samples
// are averaged and nil is returned, including for the group that completes warm-up.
func (p *Processor) Process(group *measurement.MeasureGroup) []s.Point {
	if !p.needInit {
		return group.Scan.Points
	}
	for _, reading := range group.IMU {
		p.n++
		inv := 1 / float64(p.n)
		p.meanAcc = p.meanAcc.Add(reading.LinearAcceleration.Sub(p.meanAcc).Mul(inv))
		p.meanGyro = p.meanGyro.Add(reading.Gyro().Sub(p.meanGyro).Mul(inv))
	}
	if p.n <= p.initCount {
		return nil
	}
	p.needInit = false
	if p.initCount > 0 {
		return nil
	}
	return group.Scan.Points
}

// AlignGravity returns the body-to-world rotation taking the measured gravity direction onto the configured
// one. Magnitudes are ignored.
func AlignGravity(configured, measured r3.Vector) quat.Number {
	a, b := measured.Normalize(), configured.Normalize()
	if a.Norm() == 0 || b.Norm() == 0 {
		return estimator.Identity
	}
	cos := math.Max(-1, math.Min(1, a.Dot(b)))
	axis := a.Cross(b)
	if axis.Norm() < 1e-9 {
		if cos > 0 {
			return estimator.Identity
		}
		axis = a.Ortho()
	}
	aa := &spatialmath.R4AA{Theta: math.Acos(cos), RX: axis.X, RY: axis.Y, RZ: axis.Z}
	return estimator.Normalize(aa.ToQuat())
}
