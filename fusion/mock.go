package fusion

import (
	"context"
	"sync"
	"time"

	s "github.com/viam-modules/viam-lio/sensors"
)

// Interface defines the functionality of a Scheduler as seen by the service.
type Interface interface {
	Start(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup)
	RequestReset()
	Position(ctx context.Context, timeout time.Duration) (Odometry, error)
	PointCloudMap(ctx context.Context, timeout time.Duration) ([]s.Point, error)
	Trajectory(ctx context.Context, timeout time.Duration) ([]PoseStamped, error)
	Drain(ctx context.Context, timeout time.Duration) (int, error)
}

var _ Interface = (*Scheduler)(nil)

// Mock represents a fake scheduler. Unset funcs fall through to the embedded scheduler.
type Mock struct {
	*Scheduler

	StartFunc         func(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup)
	RequestResetFunc  func()
	PositionFunc      func(ctx context.Context, timeout time.Duration) (Odometry, error)
	PointCloudMapFunc func(ctx context.Context, timeout time.Duration) ([]s.Point, error)
	TrajectoryFunc    func(ctx context.Context, timeout time.Duration) ([]PoseStamped, error)
	DrainFunc         func(ctx context.Context, timeout time.Duration) (int, error)
}

// Start calls the injected StartFunc or the real version.
func (m *Mock) Start(ctx context.Context, activeBackgroundWorkers *sync.WaitGroup) {
	if m.StartFunc == nil {
		m.Scheduler.Start(ctx, activeBackgroundWorkers)
		return
	}
	m.StartFunc(ctx, activeBackgroundWorkers)
}

// RequestReset calls the injected RequestResetFunc or the real version.
func (m *Mock) RequestReset() {
	if m.RequestResetFunc == nil {
		m.Scheduler.RequestReset()
		return
	}
	m.RequestResetFunc()
}

// Position calls the injected PositionFunc or the real version.
func (m *Mock) Position(ctx context.Context, timeout time.Duration) (Odometry, error) {
	if m.PositionFunc == nil {
		return m.Scheduler.Position(ctx, timeout)
	}
	return m.PositionFunc(ctx, timeout)
}

// PointCloudMap calls the injected PointCloudMapFunc or the real version.
func (m *Mock) PointCloudMap(ctx context.Context, timeout time.Duration) ([]s.Point, error) {
	if m.PointCloudMapFunc == nil {
		return m.Scheduler.PointCloudMap(ctx, timeout)
	}
	return m.PointCloudMapFunc(ctx, timeout)
}

// Trajectory calls the injected TrajectoryFunc or the real version.
func (m *Mock) Trajectory(ctx context.Context, timeout time.Duration) ([]PoseStamped, error) {
	if m.TrajectoryFunc == nil {
		return m.Scheduler.Trajectory(ctx, timeout)
	}
	return m.TrajectoryFunc(ctx, timeout)
}

// Drain calls the injected DrainFunc or the real version.
func (m *Mock) Drain(ctx context.Context, timeout time.Duration) (int, error) {
	if m.DrainFunc == nil {
		return m.Scheduler.Drain(ctx, timeout)
	}
	return m.DrainFunc(ctx, timeout)
}
