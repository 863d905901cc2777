// Package viamlio implements a point-wise lidar-inertial odometry service.
// This is an Experimental package.
package viamlio

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-lio/config"
	"github.com/viam-modules/viam-lio/dataprocess"
	"github.com/viam-modules/viam-lio/fusion"
	"github.com/viam-modules/viam-lio/measurement"
	"github.com/viam-modules/viam-lio/sensorprocess"
	s "github.com/viam-modules/viam-lio/sensors"
	"github.com/viam-modules/viam-lio/trajectory"
)

var (
	// Model is the model name of the lidar-inertial odometry service.
	Model = resource.NewModel("viam", "slam", "lio")
	// ErrClosed denotes that a service method was called on a closed service.
	ErrClosed = errors.Errorf("resource (%s) is closed", Model.String())
)

const (
	// DefaultSchedulerTimeout bounds every query made of the fusion scheduler.
	DefaultSchedulerTimeout = 5 * time.Minute
	chunkSizeBytes          = 1 * 1024 * 1024
)

// LIOService owns the sensor producers, the synchronizer and the fusion scheduler.
type LIOService struct {
	mu     sync.Mutex
	closed atomic.Bool

	params config.Params
	lidar  s.TimedLidar
	imu    s.TimedIMU

	synchronizer     *measurement.Synchronizer
	scheduler        fusion.Interface
	schedulerTimeout time.Duration
	store            *trajectory.Store

	cancelSensorProcessFunc func()
	cancelSchedulerFunc     func()
	sensorProcessWorkers    sync.WaitGroup
	schedulerWorkers        sync.WaitGroup

	lidarDone atomic.Bool
	imuDone   atomic.Bool

	logger logging.Logger
}

// New validates cfg, builds the pipeline and starts the scheduler and sensor goroutines. The lidar and IMU
// are taken from deps unless an override is given.
func New(
	ctx context.Context,
	deps resource.Dependencies,
	cfg *config.Config,
	logger logging.Logger,
	schedulerTimeout time.Duration,
	testTimedLidarOverride s.TimedLidar,
	testTimedIMUOverride s.TimedIMU,
) (*LIOService, error) {
	ctx, span := trace.StartSpan(ctx, "viamlio::LIOService::New")
	defer span.End()

	if err := cfg.Validate("lio"); err != nil {
		return nil, err
	}
	params := config.GetOptionalParameters(cfg, logger)

	if params.IMUEnabled && params.IMUName != "" {
		if params.LidarDataFrequencyHz == 0 && params.IMUDataFrequencyHz != 0 {
			return nil, errors.New("In offline mode, but imu data frequency is nonzero")
		}
		if params.LidarDataFrequencyHz != 0 && params.IMUDataFrequencyHz == 0 {
			return nil, errors.New("In online mode, but imu data frequency is zero")
		}
	}

	timedLidar := testTimedLidarOverride
	if timedLidar == nil {
		var err error
		if timedLidar, err = s.NewLidar(ctx, deps, params.LidarName, params.LidarDataFrequencyHz, logger); err != nil {
			return nil, err
		}
	}

	var timedIMU s.TimedIMU
	switch {
	case !params.IMUEnabled:
		logger.Info("imu disabled, proceeding with lidar only")
	case testTimedIMUOverride != nil:
		timedIMU = testTimedIMUOverride
	case params.IMUName == "":
		return nil, errors.New("mapping.imu_en is set but no common.imu is configured")
	default:
		var err error
		if timedIMU, err = s.NewIMU(ctx, deps, params.IMUName, params.IMUDataFrequencyHz, logger); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(params.DataDirectory, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating data directory %q", params.DataDirectory)
	}

	svc := &LIOService{
		params:           params,
		lidar:            timedLidar,
		imu:              timedIMU,
		schedulerTimeout: schedulerTimeout,
		logger:           logger,
		synchronizer: measurement.NewSynchronizer(measurement.Config{
			IMUEnabled:           params.IMUEnabled,
			Policy:               params.ScanPolicy,
			CutFrameTimeInterval: params.CutFrameTimeInterval,
			ConFrameNum:          params.ConFrameNum,
			TimeLagIMUToLidar:    params.TimeLagIMUToLidar,
		}),
	}

	publisher, diagnostics, err := svc.openSinks(ctx)
	if err != nil {
		return nil, err
	}

	scheduler, err := fusion.NewScheduler(fusion.Config{
		Params:       params,
		Synchronizer: svc.synchronizer,
		Publisher:    publisher,
		Diagnostics:  diagnostics,
		Logger:       logger,
	})
	if err != nil {
		closeErr := publisher.Close()
		if diagnostics != nil {
			closeErr = multierr.Combine(closeErr, diagnostics.Close())
		}
		return nil, multierr.Combine(err, closeErr)
	}
	svc.scheduler = scheduler

	// The sensor processes are stopped before the scheduler so the final groups are not lost.
	cancelSensorProcessCtx, cancelSensorProcessFunc := context.WithCancel(context.Background())
	cancelSchedulerCtx, cancelSchedulerFunc := context.WithCancel(context.Background())
	svc.cancelSensorProcessFunc = cancelSensorProcessFunc
	svc.cancelSchedulerFunc = cancelSchedulerFunc

	svc.scheduler.Start(cancelSchedulerCtx, &svc.schedulerWorkers)
	initSensorProcesses(cancelSensorProcessCtx, svc)

	return svc, nil
}

// openSinks builds the publisher fan-out and, when enabled, the diagnostics writer.
func (svc *LIOService) openSinks(ctx context.Context) (fusion.Publisher, fusion.Diagnostics, error) {
	p := svc.params
	publishers := fusion.Multi{fusion.LogPublisher{Logger: svc.logger}}
	closeAll := func(err error) error {
		return multierr.Combine(err, publishers.Close())
	}

	if p.PCDSaveEnabled {
		writer, err := dataprocess.NewPCDWriter(p.DataDirectory, p.PCDSaveInterval, svc.logger)
		if err != nil {
			return nil, nil, closeAll(err)
		}
		publishers = append(publishers, writer)
	}

	if p.TrajectoryDB != "" {
		path := p.TrajectoryDB
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.DataDirectory, path)
		}
		store, err := trajectory.Open(ctx, path, svc.logger)
		if err != nil {
			return nil, nil, closeAll(err)
		}
		svc.store = store
		publishers = append(publishers, store)
	}

	if !p.RuntimePosLogEnable {
		return publishers, nil, nil
	}
	diagnostics, err := fusion.NewFileDiagnostics(p.DataDirectory)
	if err != nil {
		return nil, nil, closeAll(err)
	}
	return publishers, diagnostics, nil
}

func initSensorProcesses(cancelCtx context.Context, svc *LIOService) {
	spConfig := sensorprocess.Config{
		Sink:            svc.synchronizer,
		Lidar:           svc.lidar,
		IMU:             svc.imu,
		Blind:           svc.params.Blind,
		PointFilterNum:  svc.params.PointFilterNum,
		ResetOnTimeJump: svc.params.ResetOnTimeJump,
		RequestReset:    svc.scheduler.RequestReset,
		Logger:          svc.logger,
	}

	svc.sensorProcessWorkers.Add(1)
	go func() {
		defer svc.sensorProcessWorkers.Done()
		if jobDone := spConfig.StartLidar(cancelCtx); jobDone {
			svc.lidarDone.Store(true)
		}
	}()

	if spConfig.IMU != nil {
		svc.sensorProcessWorkers.Add(1)
		go func() {
			defer svc.sensorProcessWorkers.Done()
			if jobDone := spConfig.StartIMU(cancelCtx); jobDone {
				svc.imuDone.Store(true)
			}
		}()
	}
}

// Position returns the latest fused pose, in millimetres, and the name of the lidar it refers to.
func (svc *LIOService) Position(ctx context.Context) (spatialmath.Pose, string, error) {
	ctx, span := trace.StartSpan(ctx, "viamlio::LIOService::Position")
	defer span.End()
	if svc.closed.Load() {
		svc.logger.Warn("Position called after closed")
		return nil, "", ErrClosed
	}

	odom, err := svc.scheduler.Position(ctx, svc.schedulerTimeout)
	if err != nil {
		return nil, "", err
	}
	return odom.Pose(), svc.lidar.Name(), nil
}

// PointCloudMap returns a callback function which will return the next chunk of the current map encoded
// as a binary PCD.
func (svc *LIOService) PointCloudMap(ctx context.Context) (func() ([]byte, error), error) {
	ctx, span := trace.StartSpan(ctx, "viamlio::LIOService::PointCloudMap")
	defer span.End()
	if svc.closed.Load() {
		svc.logger.Warn("PointCloudMap called after closed")
		return nil, ErrClosed
	}

	points, err := svc.scheduler.PointCloudMap(ctx, svc.schedulerTimeout)
	if err != nil {
		return nil, err
	}
	pcd, err := dataprocess.EncodePCD(points)
	if err != nil {
		return nil, err
	}
	return toChunkedFunc(pcd), nil
}

func toChunkedFunc(b []byte) func() ([]byte, error) {
	chunk := make([]byte, chunkSizeBytes)

	reader := bytes.NewReader(b)

	f := func() ([]byte, error) {
		bytesRead, err := reader.Read(chunk)
		if err != nil {
			return nil, err
		}
		return chunk[:bytesRead], err
	}
	return f
}

// Trajectory returns every path pose accumulated since the service started.
func (svc *LIOService) Trajectory(ctx context.Context) ([]fusion.PoseStamped, error) {
	ctx, span := trace.StartSpan(ctx, "viamlio::LIOService::Trajectory")
	defer span.End()
	if svc.closed.Load() {
		svc.logger.Warn("Trajectory called after closed")
		return nil, ErrClosed
	}
	return svc.scheduler.Trajectory(ctx, svc.schedulerTimeout)
}

// TrajectoryRunID returns the run id poses are stored under, or "" when no trajectory database is configured.
func (svc *LIOService) TrajectoryRunID() string {
	if svc.store == nil {
		return ""
	}
	return svc.store.RunID()
}

// DoCommand receives arbitrary commands. "job_done" reports whether every replay sensor ran out of data and
// the scheduler processed everything they produced; "reset" restarts the estimator and the map.
func (svc *LIOService) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := trace.StartSpan(ctx, "viamlio::LIOService::DoCommand")
	defer span.End()
	if svc.closed.Load() {
		svc.logger.Warn("DoCommand called after closed")
		return nil, ErrClosed
	}

	if _, ok := req["job_done"]; ok {
		done := svc.lidarDone.Load() && (svc.imu == nil || svc.imuDone.Load())
		if !done {
			return map[string]interface{}{"job_done": false}, nil
		}
		processed, err := svc.scheduler.Drain(ctx, svc.schedulerTimeout)
		if err != nil {
			return nil, err
		}
		if processed > 0 {
			svc.logger.Debugw("drained remaining groups", "groups", processed)
		}
		return map[string]interface{}{"job_done": true}, nil
	}

	if _, ok := req["reset"]; ok {
		svc.scheduler.RequestReset()
		return map[string]interface{}{"reset": true}, nil
	}

	return nil, viamgrpc.UnimplementedError
}

// Close stops the sensor processes, then the scheduler, which flushes and closes every sink.
func (svc *LIOService) Close(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed.Load() {
		svc.logger.Warn("Close() called multiple times")
		return nil
	}
	svc.logger.Info("Closing lio service")

	svc.cancelSensorProcessFunc()
	svc.sensorProcessWorkers.Wait()

	svc.cancelSchedulerFunc()
	svc.schedulerWorkers.Wait()
	svc.closed.Store(true)

	svc.logger.Info("Closing complete")
	return nil
}
