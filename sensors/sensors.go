// Package sensors defines the point, scan and IMU types consumed by the fusion pipeline and the
// timed sensor interfaces that produce them.
package sensors

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

// ErrEndOfDataset is returned by replay sensors once every recorded reading has been served.
var ErrEndOfDataset = errors.New("reached end of dataset")

// Point is a single lidar return. OffsetMs is the acquisition time relative to the start of its scan.
type Point struct {
	Position  r3.Vector
	Intensity float64
	OffsetMs  float64
}

// Scan is an ordered sequence of points sharing a nominal start time in seconds.
type Scan struct {
	BeginTime float64
	Points    []Point
}

// EndTime returns the begin time plus the largest point offset.
func (scan Scan) EndTime() float64 {
	return scan.BeginTime + scan.MaxOffsetMs()/1000
}

// MaxOffsetMs returns the largest acquisition offset in the scan, or 0 for an empty scan.
func (scan Scan) MaxOffsetMs() float64 {
	maxOffset := 0.0
	for _, p := range scan.Points {
		maxOffset = math.Max(maxOffset, p.OffsetMs)
	}
	return maxOffset
}

// IMUReading is a single inertial sample. Time is in seconds.
type IMUReading struct {
	Time               float64
	AngularVelocity    spatialmath.AngularVelocity
	LinearAcceleration r3.Vector
}

// Gyro returns the angular velocity as a vector.
func (r IMUReading) Gyro() r3.Vector {
	return r3.Vector{X: r.AngularVelocity.X, Y: r.AngularVelocity.Y, Z: r.AngularVelocity.Z}
}

// TimedLidar describes a lidar that reports scans along with their start time.
type TimedLidar interface {
	Name() string
	DataFrequencyHz() int
	TimedLidarReading(ctx context.Context) (Scan, error)
}

// TimedIMU describes an IMU that reports timestamped samples.
type TimedIMU interface {
	Name() string
	DataFrequencyHz() int
	TimedIMUReading(ctx context.Context) (IMUReading, error)
}

// Seconds converts a wall clock time into the floating point seconds used throughout the pipeline.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Preprocess drops returns closer than blind metres and keeps every filterNum-th remaining point.
func Preprocess(scan Scan, blind float64, filterNum int) Scan {
	if filterNum < 1 {
		filterNum = 1
	}
	blindSq := blind * blind
	out := Scan{BeginTime: scan.BeginTime, Points: make([]Point, 0, len(scan.Points)/filterNum+1)}
	for i, p := range scan.Points {
		if i%filterNum != 0 {
			continue
		}
		if p.Position.Norm2() < blindSq {
			continue
		}
		out.Points = append(out.Points, p)
	}
	return out
}
