// Package fusion runs the point-wise lidar-inertial fusion loop: it consumes measurement groups from the
// synchronizer, walks each down-sampled scan in timestamp order interleaving inertial propagation with iterated
// measurement updates, and maintains the local map.
package fusion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-lio/config"
	"github.com/viam-modules/viam-lio/estimator"
	"github.com/viam-modules/viam-lio/imuprocess"
	"github.com/viam-modules/viam-lio/localmap"
	"github.com/viam-modules/viam-lio/measurement"
	s "github.com/viam-modules/viam-lio/sensors"
	"github.com/viam-modules/viam-lio/spatialindex"
)

const (
	defaultPacingInterval = 10 * time.Millisecond
	neighbourSearchDist   = 2.5
	odomOnlyYawCov        = 0.05
	odomOnlyLinearVelCov  = 0.1
)

// Config holds the collaborators of a Scheduler. Nil collaborators are built from Params.
type Config struct {
	Params         config.Params
	Synchronizer   *measurement.Synchronizer
	Filter         estimator.Filter
	Index          spatialindex.Index
	Window         *localmap.Window
	IMU            *imuprocess.Processor
	Publisher      Publisher
	Diagnostics    Diagnostics
	Logger         logging.Logger
	PacingInterval time.Duration
}

// Scheduler owns the estimator, the map index and the window, and is their only user. Read-only queries
// reach it through its request channel.
type Scheduler struct {
	params      config.Params
	sync        *measurement.Synchronizer
	filter      estimator.Filter
	index       spatialindex.Index
	window      *localmap.Window
	imu         *imuprocess.Processor
	publisher   Publisher
	diagnostics Diagnostics
	logger      logging.Logger
	pacing      time.Duration

	cursor *imuCursor
	prop   propagator

	firstFrame     bool
	mapInitialized bool
	initPoints     []s.Point
	scanCount      int

	lastOdom Odometry
	hasOdom  bool
	path     []PoseStamped

	requestChan    chan Request
	resetRequested atomic.Bool
	processed      atomic.Int64
}

// NewScheduler validates cfg and returns a scheduler ready to Run.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Synchronizer == nil {
		return nil, errors.New("fusion scheduler requires a synchronizer")
	}
	if cfg.Logger == nil {
		return nil, errors.New("fusion scheduler requires a logger")
	}
	p := cfg.Params
	if cfg.Filter == nil {
		cfg.Filter = estimator.New(estimator.ModelFromParams(p), estimator.OptionsFromParams(p))
	}
	if cfg.Index == nil {
		cfg.Index = spatialindex.NewVoxelIndex(p.FilterSizeMap, neighbourSearchDist)
	}
	if cfg.Window == nil {
		cfg.Window = localmap.NewWindow(p.CubeSideLength, p.DetRange)
	}
	if cfg.IMU == nil {
		cfg.IMU = imuprocess.NewProcessor(p.IMUEnabled, p.IMUInitCount)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = NopPublisher{}
	}
	if cfg.Diagnostics == nil {
		cfg.Diagnostics = nopDiagnostics{}
	}
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = defaultPacingInterval
	}

	sch := &Scheduler{
		params:      p,
		sync:        cfg.Synchronizer,
		filter:      cfg.Filter,
		index:       cfg.Index,
		window:      cfg.Window,
		imu:         cfg.IMU,
		publisher:   cfg.Publisher,
		diagnostics: cfg.Diagnostics,
		logger:      cfg.Logger,
		pacing:      cfg.PacingInterval,
		cursor:      &imuCursor{},
		firstFrame:  true,
		requestChan: make(chan Request),
	}

	propCfg := propagatorConfig{
		imuEnabled:      p.IMUEnabled,
		propAtFreqOfIMU: p.PropAtFreqOfIMU,
		imuTimeInte:     p.IMUTimeInte,
	}
	switch cfg.Filter.Model() {
	case estimator.InputDriven:
		if !p.IMUEnabled {
			return nil, errors.New("the input-driven model requires the imu")
		}
		sch.prop = newInputPropagator(propCfg, cfg.Filter, sch.cursor)
	default:
		f, ok := cfg.Filter.(estimator.IMUFilter)
		if !ok {
			return nil, errors.New("the output-driven model requires a filter with an imu update")
		}
		sch.prop = newOutputPropagator(propCfg, f, sch.cursor)
	}
	return sch, nil
}

// Start runs the scheduler loop on a background goroutine tracked by activeBackgroundWorkers.
func (sch *Scheduler) Start(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup) {
	activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer activeBackgroundWorkers.Done()
		if err := sch.Run(ctx); err != nil {
			sch.logger.Errorw("fusion scheduler stopped with error", "error", err)
		}
	})
}

// Run processes groups until ctx is cancelled, then closes the publisher and diagnostics.
func (sch *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(sch.pacing)
	defer timer.Stop()
	for {
		sch.drain(ctx)

		select {
		case <-ctx.Done():
			return sch.close()
		case req := <-sch.requestChan:
			result, err := req.doWork(ctx, sch)
			req.responseChan <- Response{result: result, err: err}
		case <-sch.sync.Ready():
		case <-timer.C:
			timer.Reset(sch.pacing)
		}
	}
}

// drain processes every group the synchronizer can currently assemble.
func (sch *Scheduler) drain(ctx context.Context) int {
	n := 0
	var group measurement.MeasureGroup
	for ctx.Err() == nil && sch.sync.SyncPackages(&group) {
		sch.processGroup(ctx, &group)
		n++
	}
	return n
}

func (sch *Scheduler) close() error {
	return multierr.Combine(sch.publisher.Close(), sch.diagnostics.Close())
}

// RequestReset asks the loop to reset the estimator and map before the next group. Safe to call from any
// goroutine.
func (sch *Scheduler) RequestReset() {
	sch.resetRequested.Store(true)
}

// Processed returns the number of groups handed to the scheduler so far.
func (sch *Scheduler) Processed() int64 {
	return sch.processed.Load()
}

func (sch *Scheduler) reset() {
	sch.filter.Reset()
	sch.imu.Reset()
	sch.cursor.reset()
	sch.prop.reset()
	sch.window.Reset()
	sch.index.Build(nil)
	sch.firstFrame = true
	sch.mapInitialized = false
	sch.initPoints = nil
	sch.sync.SetWarmup(false)
}

// processGroup runs one fusion cycle over a measurement group.
func (sch *Scheduler) processGroup(ctx context.Context, group *measurement.MeasureGroup) {
	_, span := trace.StartSpan(ctx, "viamlio::fusion::processGroup")
	defer span.End()
	sch.processed.Add(1)

	if sch.resetRequested.CompareAndSwap(true, false) {
		sch.logger.Warn("reset requested, restarting fusion")
		sch.reset()
		return
	}

	start := time.Now()
	var timing Timing

	if sch.params.IMUEnabled {
		sch.cursor.push(group.IMU)
	}
	points := sch.imu.Process(group)
	sch.sync.SetWarmup(sch.params.IMUEnabled && !sch.imu.NeedInit() && !sch.mapInitialized)
	if len(points) == 0 {
		if sch.imu.NeedInit() || (sch.imu.Samples() > 0 && !sch.imu.GravityAligned()) {
			sch.logger.Debugw("imu warm-up", "samples", sch.imu.Samples())
		} else {
			sch.logger.Warnw("no points in scan, skipping", "time", group.LidarBegTime)
		}
		return
	}

	if !sch.imu.GravityAligned() {
		sch.initGravity(group.LidarBegTime)
		sch.imu.MarkGravityAligned()
	}

	sch.window.SegmentIndex(sch.filter.State().LidarPosition(), sch.index)

	var down []s.Point
	if sch.params.SpaceDownSample {
		down = spatialindex.Downsample(points, sch.params.FilterSizeSurf)
	} else {
		down = append([]s.Point(nil), points...)
	}
	sortByOffset(down)
	runs := compressTimes(down)
	timing.Preprocess = time.Since(start)

	if !sch.mapInitialized {
		sch.accumulateInitialMap(group, down)
		return
	}

	world := make([]s.Point, len(down))
	nearest := make([][]s.Point, len(down))
	idx := 0
	for _, n := range runs {
		run := down[idx : idx+n]
		tc := group.LidarBegTime + run[n-1].OffsetMs/1000
		if sch.firstFrame {
			sch.prop.begin(tc)
			sch.firstFrame = false
		}

		propStart := time.Now()
		sch.prop.propagate(tc)
		timing.Propagate += time.Since(propStart)

		updateStart := time.Now()
		m := &estimator.Measurement{Points: run, Index: sch.index}
		ok := sch.filter.UpdateIteratedMeasurement(m)
		copy(nearest[idx:idx+n], m.Nearest)
		if ok {
			sch.prop.afterUpdate(tc)
			if sch.params.PublishOdometryWithoutDownsample {
				sch.publishOdometry(tc)
			}
		}
		// a run without correspondences skips the update only; its points still go to the world frame with the
		// predicted state so the registered cloud and map insertion see every point
		sch.transform(run, world[idx:idx+n])
		timing.Update += time.Since(updateStart)
		idx += n
	}

	if !sch.params.PublishOdometryWithoutDownsample {
		sch.publishOdometry(group.LidarEndTime)
	}

	insertStart := time.Now()
	if len(down) >= localmap.MinPointsForInsert {
		res := localmap.Incremental(sch.index, world, nearest, sch.params.FilterSizeMap)
		sch.logger.Debugw("map insertion", "downsampled", res.Downsampled, "passthrough", res.PassThrough,
			"skipped", res.Skipped, "map_size", sch.index.Size())
	} else {
		sch.logger.Debugw("too few points for map insertion", "points", len(down))
	}
	timing.MapInsert = time.Since(insertStart)

	sch.publishFrames(group, points, world)

	timing.Total = time.Since(start)
	if sch.params.RuntimePosLogEnable {
		sch.diagnostics.Record(group.LidarBegTime, len(points), timing, sch.filter.Model(), sch.filter.State())
	}
}

// initGravity writes the initial gravity, and optionally an aligned attitude, into the active state.
func (sch *Scheduler) initGravity(lidarBegTime float64) {
	p := sch.params
	st := sch.filter.State()
	if !p.IMUEnabled || p.StartInAggressiveMotion {
		st.Gravity = p.GravityInit
		st.Acc = p.GravityInit.Mul(-1)
	} else {
		sch.cursor.advance(lidarBegTime, nil)
		mean := sch.imu.MeanAcc().Mul(estimator.G / p.AccNorm)
		st.Gravity = mean.Mul(-1)
		st.Acc = mean
		gyro := sch.imu.MeanGyro()
		sch.logger.Debugw("imu warm-up average", "samples", sch.imu.Samples(),
			"acc_x", mean.X, "acc_y", mean.Y, "acc_z", mean.Z, "gyro_x", gyro.X, "gyro_y", gyro.Y, "gyro_z", gyro.Z)
	}
	if p.IMUEnabled && p.GravityAlign {
		rot := imuprocess.AlignGravity(p.Gravity, st.Gravity)
		st.Gravity = p.Gravity
		st.Rot = rot
		st.Acc = estimator.RotateInverse(rot, p.Gravity).Mul(-1)
	}
	sch.filter.SetState(st)
	sch.logger.Infow("gravity initialized", "x", st.Gravity.X, "y", st.Gravity.Y, "z", st.Gravity.Z)
}

// accumulateInitialMap collects world points until the initial map is large enough to build the index.
func (sch *Scheduler) accumulateInitialMap(group *measurement.MeasureGroup, down []s.Point) {
	world := make([]s.Point, len(down))
	sch.transform(down, world)
	sch.initPoints = append(sch.initPoints, world...)
	if len(sch.initPoints) < sch.params.InitMapSize {
		return
	}
	sch.index.Build(sch.initPoints)
	sch.initPoints = nil
	sch.mapInitialized = true
	sch.sync.SetWarmup(false)
	sch.logger.Infow("initial map built", "points", sch.index.Size())
	if !sch.params.OdomOnly {
		sch.publisher.PublishMap(group.LidarEndTime, sch.index.Flatten())
	}
}

// transform writes the world-frame version of each lidar point into dst.
func (sch *Scheduler) transform(src, dst []s.Point) {
	st := sch.filter.State()
	for i, p := range src {
		dst[i] = p
		dst[i].Position = st.LidarToWorld(p.Position)
	}
}

func (sch *Scheduler) publishOdometry(t float64) {
	st := sch.filter.State()
	odom := Odometry{
		Time:            t,
		FrameID:         WorldFrame,
		ChildFrameID:    BodyFrame,
		Position:        st.Pos,
		Orientation:     st.Rot,
		LinearVelocity:  st.Vel,
		AngularVelocity: sch.prop.angularVelocity(),
	}
	if sch.params.OdomOnly {
		odom.PoseCovariance, odom.TwistCovariance = sch.odomOnlyCovariance()
	}
	sch.lastOdom = odom
	sch.hasOdom = true
	sch.publisher.PublishOdometry(odom)
}

// odomOnlyCovariance reports the position block of the filter covariance with fixed attitude and twist terms.
func (sch *Scheduler) odomOnlyCovariance() ([]float64, []float64) {
	p := sch.filter.Covariance()
	pose := make([]float64, 36)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose[6*i+j] = p.At(i, j)
		}
	}
	pose[35] = odomOnlyYawCov

	twist := make([]float64, 36)
	twist[0] = odomOnlyLinearVelCov
	twist[7] = odomOnlyLinearVelCov
	twist[35] = odomOnlyYawCov
	return pose, twist
}

// publishFrames emits the path entry, the registered and body clouds, and periodic map snapshots.
func (sch *Scheduler) publishFrames(group *measurement.MeasureGroup, points, world []s.Point) {
	p := sch.params
	sch.scanCount++
	if p.OdomOnly {
		return
	}
	st := sch.filter.State()
	if p.PathEnabled {
		pose := PoseStamped{Time: group.LidarEndTime, Position: st.Pos, Orientation: st.Rot}
		sch.path = append(sch.path, pose)
		sch.publisher.PublishPose(pose)
	}
	if p.ScanPublishEnabled || p.PCDSaveEnabled {
		sch.publisher.PublishRegisteredScan(group.LidarEndTime, world)
	}
	if p.ScanPublishEnabled && p.ScanBodyframePubEnabled {
		body := make([]s.Point, len(points))
		for i, pt := range points {
			body[i] = pt
			body[i].Position = st.LidarToIMU(pt.Position)
		}
		sch.publisher.PublishBodyScan(group.LidarEndTime, body)
	}
	if p.MapPublishInterval > 0 && sch.scanCount%p.MapPublishInterval == 0 {
		sch.publisher.PublishMap(group.LidarEndTime, sch.index.Flatten())
	}
}
