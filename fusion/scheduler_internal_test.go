package fusion

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/viam-lio/config"
	"github.com/viam-modules/viam-lio/estimator"
	"github.com/viam-modules/viam-lio/internal/testhelper"
	"github.com/viam-modules/viam-lio/measurement"
	s "github.com/viam-modules/viam-lio/sensors"
)

const testTimeout = 5 * time.Second

type recordingPublisher struct {
	NopPublisher

	mu     sync.Mutex
	odoms  []Odometry
	poses  []PoseStamped
	scans  [][]s.Point
	bodies [][]s.Point
	maps   [][]s.Point
	closed bool
}

func (rp *recordingPublisher) PublishOdometry(odom Odometry) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.odoms = append(rp.odoms, odom)
}

func (rp *recordingPublisher) PublishPose(pose PoseStamped) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.poses = append(rp.poses, pose)
}

func (rp *recordingPublisher) PublishRegisteredScan(_ float64, points []s.Point) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.scans = append(rp.scans, append([]s.Point(nil), points...))
}

func (rp *recordingPublisher) PublishBodyScan(_ float64, points []s.Point) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.bodies = append(rp.bodies, append([]s.Point(nil), points...))
}

func (rp *recordingPublisher) PublishMap(_ float64, points []s.Point) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.maps = append(rp.maps, append([]s.Point(nil), points...))
}

func (rp *recordingPublisher) Close() error {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.closed = true
	return nil
}

type recordingDiagnostics struct {
	records int
	points  []int
	closed  bool
}

func (rd *recordingDiagnostics) Record(_ float64, numPoints int, _ Timing, _ estimator.Model, _ estimator.State) {
	rd.records++
	rd.points = append(rd.points, numPoints)
}

func (rd *recordingDiagnostics) Close() error {
	rd.closed = true
	return nil
}

type testRig struct {
	sch    *Scheduler
	filter *recordingFilter
	pub    *recordingPublisher
	diag   *recordingDiagnostics
	sync   *measurement.Synchronizer

	updates int
}

func newTestRig(t *testing.T, p config.Params) *testRig {
	t.Helper()
	rig := &testRig{
		filter: newRecordingFilter(),
		pub:    &recordingPublisher{},
		diag:   &recordingDiagnostics{},
		sync:   measurement.NewSynchronizer(measurement.Config{IMUEnabled: p.IMUEnabled, Policy: p.ScanPolicy}),
	}
	rig.filter.UpdateIteratedMeasurementFunc = func(m *estimator.Measurement) bool {
		rig.updates++
		return true
	}
	sch, err := NewScheduler(Config{
		Params:       p,
		Synchronizer: rig.sync,
		Filter:       rig.filter,
		Publisher:    rig.pub,
		Diagnostics:  rig.diag,
		Logger:       logging.NewTestLogger(t),
	})
	test.That(t, err, test.ShouldBeNil)
	rig.sch = sch
	return rig
}

// mapGroup is a single-instant floor scan that builds the initial map.
func mapGroup() measurement.MeasureGroup {
	return measurement.MeasureGroup{
		Scan:         testhelper.FloorScan(0.9, 1.5, 5, 10, 0),
		IMU:          []s.IMUReading{{Time: 0.9, LinearAcceleration: r3.Vector{Z: testhelper.Gravity}}},
		LidarBegTime: 0.9,
		LidarEndTime: 0.9,
	}
}

// sweepGroup has one point per millisecond over 100ms and IMU samples every 20ms inside the sweep.
func sweepGroup() measurement.MeasureGroup {
	scan := testhelper.FloorScan(1.0, 1.5, 5, 100, 0)
	for i := range scan.Points {
		scan.Points[i].OffsetMs = float64(i)
	}
	var imu []s.IMUReading
	for _, tm := range []float64{1.02, 1.04, 1.06, 1.08} {
		imu = append(imu, s.IMUReading{Time: tm, LinearAcceleration: r3.Vector{Z: testhelper.Gravity}})
	}
	return measurement.MeasureGroup{Scan: scan, IMU: imu, LidarBegTime: 1.0, LidarEndTime: 1.099}
}

func TestNewScheduler(t *testing.T) {
	logger := logging.NewTestLogger(t)
	synchronizer := measurement.NewSynchronizer(measurement.Config{})

	t.Run("requires a synchronizer and a logger", func(t *testing.T) {
		_, err := NewScheduler(Config{Params: testhelper.Params(), Logger: logger})
		test.That(t, err, test.ShouldBeError, "fusion scheduler requires a synchronizer")
		_, err = NewScheduler(Config{Params: testhelper.Params(), Synchronizer: synchronizer})
		test.That(t, err, test.ShouldBeError, "fusion scheduler requires a logger")
	})

	t.Run("the input model requires the imu", func(t *testing.T) {
		p := testhelper.Params()
		p.UseIMUAsInput = true
		p.IMUEnabled = false
		_, err := NewScheduler(Config{Params: p, Synchronizer: synchronizer, Logger: logger})
		test.That(t, err, test.ShouldBeError, "the input-driven model requires the imu")
	})

	t.Run("builds default collaborators for either model", func(t *testing.T) {
		p := testhelper.Params()
		sch, err := NewScheduler(Config{Params: p, Synchronizer: synchronizer, Logger: logger})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sch.filter.Model(), test.ShouldEqual, estimator.OutputDriven)
		_, ok := sch.prop.(*outputPropagator)
		test.That(t, ok, test.ShouldBeTrue)

		p.UseIMUAsInput = true
		sch, err = NewScheduler(Config{Params: p, Synchronizer: synchronizer, Logger: logger})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sch.filter.Model(), test.ShouldEqual, estimator.InputDriven)
		_, ok = sch.prop.(*inputPropagator)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, sch.pacing, test.ShouldEqual, defaultPacingInterval)
	})
}

func TestProcessGroup(t *testing.T) {
	ctx := context.Background()

	t.Run("the first group builds the map and publishes nothing else", func(t *testing.T) {
		rig := newTestRig(t, testhelper.Params())
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.sch.mapInitialized, test.ShouldBeTrue)
		test.That(t, rig.sch.index.Size(), test.ShouldBeGreaterThan, 0)
		test.That(t, rig.pub.maps, test.ShouldHaveLength, 1)
		test.That(t, rig.pub.odoms, test.ShouldHaveLength, 0)
		test.That(t, rig.pub.poses, test.ShouldHaveLength, 0)
		test.That(t, rig.updates, test.ShouldEqual, 0)
		test.That(t, rig.filter.predicts, test.ShouldHaveLength, 0)
	})

	t.Run("every millisecond run is propagated and updated in order", func(t *testing.T) {
		rig := newTestRig(t, testhelper.Params())
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.updates, test.ShouldEqual, 100)
		state, cov := rig.filter.count()
		test.That(t, state, test.ShouldEqual, 104)
		test.That(t, cov, test.ShouldEqual, 4)
		test.That(t, rig.filter.imuUpdate, test.ShouldEqual, 4)

		test.That(t, rig.pub.odoms, test.ShouldHaveLength, 1)
		test.That(t, rig.pub.odoms[0].Time, test.ShouldAlmostEqual, 1.099)
		test.That(t, rig.pub.odoms[0].FrameID, test.ShouldEqual, WorldFrame)
		test.That(t, rig.pub.odoms[0].ChildFrameID, test.ShouldEqual, BodyFrame)
		test.That(t, rig.pub.odoms[0].PoseCovariance, test.ShouldBeNil)
		test.That(t, rig.pub.poses, test.ShouldHaveLength, 1)
		test.That(t, rig.pub.scans, test.ShouldHaveLength, 1)
		test.That(t, rig.pub.scans[0], test.ShouldHaveLength, 100)
		test.That(t, rig.pub.bodies, test.ShouldHaveLength, 0)
		test.That(t, rig.sch.Processed(), test.ShouldEqual, int64(2))
		test.That(t, rig.diag.records, test.ShouldEqual, 0)
	})

	t.Run("each run is registered with the state estimated for it", func(t *testing.T) {
		rig := newTestRig(t, testhelper.Params())
		rig.filter.UpdateIteratedMeasurementFunc = func(m *estimator.Measurement) bool {
			rig.updates++
			st := rig.filter.IMUFilter.State()
			st.Pos.X = float64(rig.updates)
			rig.filter.IMUFilter.SetState(st)
			return true
		}
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)

		group = sweepGroup()
		for i := range group.Scan.Points {
			group.Scan.Points[i].Position = r3.Vector{}
		}
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.pub.scans, test.ShouldHaveLength, 1)
		for i, p := range rig.pub.scans[0] {
			test.That(t, p.Position.X, test.ShouldAlmostEqual, float64(i+1))
			test.That(t, p.OffsetMs, test.ShouldEqual, float64(i))
		}
		test.That(t, rig.pub.odoms[0].Position.X, test.ShouldAlmostEqual, 100)
	})

	t.Run("per-run odometry when publishing without downsampling", func(t *testing.T) {
		p := testhelper.Params()
		p.PublishOdometryWithoutDownsample = true
		rig := newTestRig(t, p)
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.pub.odoms, test.ShouldHaveLength, 100)
		test.That(t, rig.pub.odoms[0].Time, test.ShouldAlmostEqual, 1.0)
		test.That(t, rig.pub.odoms[99].Time, test.ShouldAlmostEqual, 1.099)
	})

	t.Run("failed updates publish no per-run odometry", func(t *testing.T) {
		p := testhelper.Params()
		p.PublishOdometryWithoutDownsample = true
		rig := newTestRig(t, p)
		rig.filter.UpdateIteratedMeasurementFunc = func(m *estimator.Measurement) bool {
			rig.updates++
			return false
		}
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.updates, test.ShouldEqual, 100)
		test.That(t, rig.pub.odoms, test.ShouldHaveLength, 0)
		test.That(t, rig.pub.scans[0], test.ShouldHaveLength, 100)
	})

	t.Run("body frame scans, map snapshots and diagnostics follow their flags", func(t *testing.T) {
		p := testhelper.Params()
		p.ScanBodyframePubEnabled = true
		p.MapPublishInterval = 1
		p.RuntimePosLogEnable = true
		rig := newTestRig(t, p)
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.pub.bodies, test.ShouldHaveLength, 1)
		test.That(t, rig.pub.bodies[0], test.ShouldHaveLength, 100)
		test.That(t, rig.pub.maps, test.ShouldHaveLength, 2)
		test.That(t, rig.diag.records, test.ShouldEqual, 1)
		test.That(t, rig.diag.points, test.ShouldResemble, []int{100})
	})

	t.Run("odometry only mode reports covariance and suppresses clouds", func(t *testing.T) {
		p := testhelper.Params()
		p.OdomOnly = true
		p.MapPublishInterval = 1
		rig := newTestRig(t, p)
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.pub.maps, test.ShouldHaveLength, 0)
		test.That(t, rig.pub.poses, test.ShouldHaveLength, 0)
		test.That(t, rig.pub.scans, test.ShouldHaveLength, 0)
		test.That(t, rig.pub.odoms, test.ShouldHaveLength, 1)

		odom := rig.pub.odoms[0]
		cov := rig.filter.Covariance()
		test.That(t, odom.PoseCovariance, test.ShouldHaveLength, 36)
		test.That(t, odom.PoseCovariance[0], test.ShouldEqual, cov.At(0, 0))
		test.That(t, odom.PoseCovariance[7], test.ShouldEqual, cov.At(1, 1))
		test.That(t, odom.PoseCovariance[14], test.ShouldEqual, cov.At(2, 2))
		test.That(t, odom.PoseCovariance[35], test.ShouldEqual, odomOnlyYawCov)
		test.That(t, odom.TwistCovariance, test.ShouldHaveLength, 36)
		test.That(t, odom.TwistCovariance[0], test.ShouldEqual, odomOnlyLinearVelCov)
		test.That(t, odom.TwistCovariance[7], test.ShouldEqual, odomOnlyLinearVelCov)
		test.That(t, odom.TwistCovariance[35], test.ShouldEqual, odomOnlyYawCov)
		test.That(t, rig.sch.path, test.ShouldHaveLength, 0)
	})

	t.Run("an empty scan is skipped", func(t *testing.T) {
		rig := newTestRig(t, testhelper.Params())
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		group = sweepGroup()
		group.Scan.Points = nil
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.updates, test.ShouldEqual, 0)
		test.That(t, rig.pub.odoms, test.ShouldHaveLength, 0)
	})

	t.Run("imu warm-up holds scans until enough samples arrive", func(t *testing.T) {
		p := testhelper.Params()
		p.IMUInitCount = 2
		rig := newTestRig(t, p)
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		test.That(t, rig.sch.mapInitialized, test.ShouldBeFalse)
		test.That(t, rig.sch.imu.NeedInit(), test.ShouldBeTrue)

		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)
		test.That(t, rig.sch.imu.NeedInit(), test.ShouldBeFalse)
		test.That(t, rig.sch.mapInitialized, test.ShouldBeFalse)
		test.That(t, rig.pub.maps, test.ShouldHaveLength, 0)
	})

	t.Run("a requested reset drops the group and clears the map", func(t *testing.T) {
		rig := newTestRig(t, testhelper.Params())
		group := mapGroup()
		rig.sch.processGroup(ctx, &group)
		test.That(t, rig.sch.mapInitialized, test.ShouldBeTrue)

		rig.sch.RequestReset()
		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)
		test.That(t, rig.updates, test.ShouldEqual, 0)
		test.That(t, rig.sch.mapInitialized, test.ShouldBeFalse)
		test.That(t, rig.sch.firstFrame, test.ShouldBeTrue)
		test.That(t, rig.sch.index.Size(), test.ShouldEqual, 0)
		test.That(t, rig.sch.imu.GravityAligned(), test.ShouldBeFalse)
		test.That(t, rig.sch.Processed(), test.ShouldEqual, int64(2))

		group = mapGroup()
		rig.sch.processGroup(ctx, &group)
		test.That(t, rig.sch.mapInitialized, test.ShouldBeTrue)
		test.That(t, rig.pub.maps, test.ShouldHaveLength, 2)
	})
}

func TestMapSizeNeverShrinksWithFixedWindow(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, testhelper.Params())
	rig.filter.UpdateIteratedMeasurementFunc = func(m *estimator.Measurement) bool {
		m.Nearest = make([][]s.Point, len(m.Points))
		for i, p := range m.Points {
			m.Nearest[i] = m.Index.Nearest(p.Position, 5)
		}
		return true
	}

	group := mapGroup()
	rig.sch.processGroup(ctx, &group)
	test.That(t, rig.sch.mapInitialized, test.ShouldBeTrue)
	box := rig.sch.window.Box()

	size := rig.sch.index.Size()
	for k := 0; k < 6; k++ {
		group := sweepGroup()
		shift := 0.1 * float64(k)
		group.LidarBegTime += shift
		group.LidarEndTime += shift
		group.Scan.BeginTime += shift
		for i := range group.IMU {
			group.IMU[i].Time += shift
		}
		// small lateral offsets land points in voxels that already hold map points
		for i := range group.Scan.Points {
			group.Scan.Points[i].Position.X += 0.07 * float64(k)
		}
		rig.sch.processGroup(ctx, &group)

		test.That(t, rig.sch.window.Box(), test.ShouldResemble, box)
		test.That(t, rig.sch.index.Size(), test.ShouldBeGreaterThanOrEqualTo, size)
		size = rig.sch.index.Size()
	}
}

func TestInitGravity(t *testing.T) {
	ctx := context.Background()
	tilted := r3.Vector{X: 1, Z: 1}.Normalize()

	tiltedGroup := func() measurement.MeasureGroup {
		group := mapGroup()
		group.IMU[0].LinearAcceleration = tilted.Mul(testhelper.Gravity)
		return group
	}

	t.Run("alignment rotates the measured gravity onto the configured one", func(t *testing.T) {
		rig := newTestRig(t, testhelper.Params())
		group := tiltedGroup()
		rig.sch.processGroup(ctx, &group)

		st := rig.filter.State()
		test.That(t, st.Gravity.X, test.ShouldAlmostEqual, 0)
		test.That(t, st.Gravity.Z, test.ShouldAlmostEqual, -testhelper.Gravity)
		up := estimator.Rotate(st.Rot, tilted)
		test.That(t, up.X, test.ShouldAlmostEqual, 0)
		test.That(t, up.Y, test.ShouldAlmostEqual, 0)
		test.That(t, up.Z, test.ShouldAlmostEqual, 1)
		test.That(t, st.Acc.X, test.ShouldAlmostEqual, testhelper.Gravity/math.Sqrt2)
		test.That(t, st.Acc.Z, test.ShouldAlmostEqual, testhelper.Gravity/math.Sqrt2)
	})

	t.Run("without alignment gravity is the negated mean acceleration", func(t *testing.T) {
		p := testhelper.Params()
		p.GravityAlign = false
		rig := newTestRig(t, p)
		group := tiltedGroup()
		rig.sch.processGroup(ctx, &group)

		st := rig.filter.State()
		test.That(t, st.Gravity.X, test.ShouldAlmostEqual, -estimator.G/math.Sqrt2)
		test.That(t, st.Gravity.Z, test.ShouldAlmostEqual, -estimator.G/math.Sqrt2)
		test.That(t, st.Rot, test.ShouldResemble, estimator.Identity)
	})

	t.Run("aggressive start uses the configured initial gravity", func(t *testing.T) {
		p := testhelper.Params()
		p.GravityAlign = false
		p.StartInAggressiveMotion = true
		p.GravityInit = r3.Vector{Y: -9.8}
		rig := newTestRig(t, p)
		group := tiltedGroup()
		rig.sch.processGroup(ctx, &group)

		st := rig.filter.State()
		test.That(t, st.Gravity, test.ShouldResemble, r3.Vector{Y: -9.8})
		test.That(t, st.Acc, test.ShouldResemble, r3.Vector{Y: 9.8})
	})

	t.Run("gravity is initialized once", func(t *testing.T) {
		p := testhelper.Params()
		p.GravityAlign = false
		rig := newTestRig(t, p)
		group := tiltedGroup()
		rig.sch.processGroup(ctx, &group)
		first := rig.filter.State().Gravity

		group = sweepGroup()
		rig.sch.processGroup(ctx, &group)
		test.That(t, rig.filter.State().Gravity, test.ShouldResemble, first)
	})
}

func TestSchedulerRun(t *testing.T) {
	p := testhelper.Params()

	t.Run("requests time out when the loop is not running", func(t *testing.T) {
		rig := newTestRig(t, p)
		_, err := rig.sch.Position(context.Background(), 10*time.Millisecond)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "timeout writing to fusion scheduler")
	})

	t.Run("serves queries while fusing pushed data", func(t *testing.T) {
		rig := newTestRig(t, p)
		ctx, cancel := context.WithCancel(context.Background())
		var wg sync.WaitGroup
		rig.sch.Start(ctx, &wg)

		_, err := rig.sch.Position(ctx, testTimeout)
		test.That(t, err, test.ShouldBeError, ErrNoPose)

		a := mapGroup()
		b := sweepGroup()
		test.That(t, rig.sync.PushScan(a.Scan), test.ShouldBeNil)
		test.That(t, rig.sync.PushIMU(a.IMU[0]), test.ShouldBeNil)
		test.That(t, rig.sync.PushScan(b.Scan), test.ShouldBeNil)
		for _, r := range b.IMU {
			test.That(t, rig.sync.PushIMU(r), test.ShouldBeNil)
		}
		test.That(t, rig.sync.PushIMU(s.IMUReading{Time: 1.1, LinearAcceleration: r3.Vector{Z: testhelper.Gravity}}),
			test.ShouldBeNil)

		_, err = rig.sch.Drain(ctx, testTimeout)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, rig.sch.Processed(), test.ShouldEqual, int64(2))

		odom, err := rig.sch.Position(ctx, testTimeout)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, odom.Time, test.ShouldAlmostEqual, 1.099)

		cloud, err := rig.sch.PointCloudMap(ctx, testTimeout)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(cloud), test.ShouldBeGreaterThan, 0)

		path, err := rig.sch.Trajectory(ctx, testTimeout)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, path, test.ShouldHaveLength, 1)
		test.That(t, path[0].Time, test.ShouldAlmostEqual, 1.099)

		n, err := rig.sch.Drain(ctx, testTimeout)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, n, test.ShouldEqual, 0)

		cancel()
		wg.Wait()
		test.That(t, rig.pub.closed, test.ShouldBeTrue)
		test.That(t, rig.diag.closed, test.ShouldBeTrue)
	})
}

func TestMock(t *testing.T) {
	rig := newTestRig(t, testhelper.Params())
	m := &Mock{Scheduler: rig.sch}
	m.PositionFunc = func(ctx context.Context, timeout time.Duration) (Odometry, error) {
		return Odometry{Time: 42}, nil
	}
	odom, err := m.Position(context.Background(), time.Millisecond)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, odom.Time, test.ShouldEqual, 42)

	_, err = m.Trajectory(context.Background(), 10*time.Millisecond)
	test.That(t, err, test.ShouldNotBeNil)

	m.RequestReset()
	test.That(t, rig.sch.resetRequested.Load(), test.ShouldBeTrue)
}
