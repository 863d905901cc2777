package fusion

import (
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"

	s "github.com/viam-modules/viam-lio/sensors"
)

const (
	// WorldFrame is the parent frame of every published pose.
	WorldFrame = "camera_init"
	// BodyFrame is the child frame of every published pose.
	BodyFrame = "aft_mapped"
)

// Odometry is one pose and twist estimate. Position is in metres and velocities are in the world frame.
type Odometry struct {
	Time            float64
	FrameID         string
	ChildFrameID    string
	Position        r3.Vector
	Orientation     quat.Number
	LinearVelocity  r3.Vector
	AngularVelocity spatialmath.AngularVelocity
	// PoseCovariance and TwistCovariance are row-major 6x6 and only set in odometry-only mode.
	PoseCovariance  []float64
	TwistCovariance []float64
}

// Pose returns the odometry pose in millimetres, the unit used by spatialmath.
func (o Odometry) Pose() spatialmath.Pose {
	q := spatialmath.Quaternion(o.Orientation)
	return spatialmath.NewPose(o.Position.Mul(1000), &q)
}

// PoseStamped is one entry of the accumulated trajectory.
type PoseStamped struct {
	Time        float64
	Position    r3.Vector
	Orientation quat.Number
}

// Publisher receives everything the scheduler emits. Implementations must not retain the point slices.
type Publisher interface {
	PublishOdometry(odom Odometry)
	PublishPose(pose PoseStamped)
	PublishRegisteredScan(time float64, points []s.Point)
	PublishBodyScan(time float64, points []s.Point)
	PublishMap(time float64, points []s.Point)
	Close() error
}

// NopPublisher discards everything. Embed it to implement a subset of Publisher.
type NopPublisher struct{}

// PublishOdometry does nothing.
func (NopPublisher) PublishOdometry(Odometry) {}

// PublishPose does nothing.
func (NopPublisher) PublishPose(PoseStamped) {}

// PublishRegisteredScan does nothing.
func (NopPublisher) PublishRegisteredScan(float64, []s.Point) {}

// PublishBodyScan does nothing.
func (NopPublisher) PublishBodyScan(float64, []s.Point) {}

// PublishMap does nothing.
func (NopPublisher) PublishMap(float64, []s.Point) {}

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// Multi fans every call out to each publisher in order.
type Multi []Publisher

// PublishOdometry forwards to every publisher.
func (m Multi) PublishOdometry(odom Odometry) {
	for _, p := range m {
		p.PublishOdometry(odom)
	}
}

// PublishPose forwards to every publisher.
func (m Multi) PublishPose(pose PoseStamped) {
	for _, p := range m {
		p.PublishPose(pose)
	}
}

// PublishRegisteredScan forwards to every publisher.
func (m Multi) PublishRegisteredScan(time float64, points []s.Point) {
	for _, p := range m {
		p.PublishRegisteredScan(time, points)
	}
}

// PublishBodyScan forwards to every publisher.
func (m Multi) PublishBodyScan(time float64, points []s.Point) {
	for _, p := range m {
		p.PublishBodyScan(time, points)
	}
}

// PublishMap forwards to every publisher.
func (m Multi) PublishMap(time float64, points []s.Point) {
	for _, p := range m {
		p.PublishMap(time, points)
	}
}

// Close closes every publisher and combines their errors.
func (m Multi) Close() error {
	var err error
	for _, p := range m {
		err = multierr.Combine(err, p.Close())
	}
	return err
}

// LogPublisher writes a debug line per odometry and cloud.
type LogPublisher struct {
	NopPublisher
	Logger logging.Logger
}

// PublishOdometry logs the pose.
func (lp LogPublisher) PublishOdometry(odom Odometry) {
	lp.Logger.Debugw("odometry", "time", odom.Time, "x", odom.Position.X, "y", odom.Position.Y, "z", odom.Position.Z)
}

// PublishRegisteredScan logs the cloud size.
func (lp LogPublisher) PublishRegisteredScan(time float64, points []s.Point) {
	lp.Logger.Debugw("registered scan", "time", time, "points", len(points))
}

// PublishMap logs the map size.
func (lp LogPublisher) PublishMap(time float64, points []s.Point) {
	lp.Logger.Infow("map published", "time", time, "points", len(points))
}
