package fusion

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	s "github.com/viam-modules/viam-lio/sensors"
)

// ErrNoPose is returned by Position before the first odometry has been produced.
var ErrNoPose = errors.New("no pose has been estimated yet")

// RequestType defines the query being made of the scheduler loop.
type RequestType int64

const (
	// position returns the latest odometry.
	position RequestType = iota
	// pointCloudMap returns the flattened map index.
	pointCloudMap
	// trajectory returns the accumulated path.
	trajectory
	// drain processes every group that can be assembled before responding.
	drain
)

// Response defines the result of one request put on the response channel.
type Response struct {
	result interface{}
	err    error
}

// Request defines all of the necessary pieces to query the scheduler loop.
type Request struct {
	responseChan chan Response
	requestType  RequestType
}

// doWork runs on the loop goroutine, so it may read scheduler state freely.
func (r *Request) doWork(ctx context.Context, sch *Scheduler) (interface{}, error) {
	switch r.requestType {
	case position:
		if !sch.hasOdom {
			return nil, ErrNoPose
		}
		return sch.lastOdom, nil
	case pointCloudMap:
		return sch.index.Flatten(), nil
	case trajectory:
		return append([]PoseStamped(nil), sch.path...), nil
	case drain:
		return sch.drain(ctx), nil
	}
	return nil, fmt.Errorf("no request type found for: %v", r.requestType)
}

// request hands a query to the loop goroutine and waits for its response.
func (sch *Scheduler) request(ctxParent context.Context, requestType RequestType, timeout time.Duration) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctxParent, timeout)
	defer cancel()

	req := Request{
		responseChan: make(chan Response, 1),
		requestType:  requestType,
	}

	select {
	case sch.requestChan <- req:
		select {
		case response := <-req.responseChan:
			return response.result, response.err
		case <-ctx.Done():
			msg := "timeout reading from fusion scheduler"
			return nil, multierr.Combine(errors.New(msg), ctx.Err())
		}
	case <-ctx.Done():
		msg := "timeout writing to fusion scheduler"
		return nil, multierr.Combine(errors.New(msg), ctx.Err())
	}
}

// Position returns the latest odometry.
func (sch *Scheduler) Position(ctx context.Context, timeout time.Duration) (Odometry, error) {
	untyped, err := sch.request(ctx, position, timeout)
	if err != nil {
		return Odometry{}, err
	}
	odom, ok := untyped.(Odometry)
	if !ok {
		return Odometry{}, errors.New("unable to cast response from fusion scheduler to odometry")
	}
	return odom, nil
}

// PointCloudMap returns a copy of every point in the map index, in the world frame.
func (sch *Scheduler) PointCloudMap(ctx context.Context, timeout time.Duration) ([]s.Point, error) {
	untyped, err := sch.request(ctx, pointCloudMap, timeout)
	if err != nil {
		return nil, err
	}
	points, ok := untyped.([]s.Point)
	if !ok {
		return nil, errors.New("unable to cast response from fusion scheduler to a point slice")
	}
	return points, nil
}

// Trajectory returns a copy of the accumulated path.
func (sch *Scheduler) Trajectory(ctx context.Context, timeout time.Duration) ([]PoseStamped, error) {
	untyped, err := sch.request(ctx, trajectory, timeout)
	if err != nil {
		return nil, err
	}
	path, ok := untyped.([]PoseStamped)
	if !ok {
		return nil, errors.New("unable to cast response from fusion scheduler to a trajectory")
	}
	return path, nil
}

// Drain processes every group the synchronizer can assemble and returns how many were processed.
func (sch *Scheduler) Drain(ctx context.Context, timeout time.Duration) (int, error) {
	untyped, err := sch.request(ctx, drain, timeout)
	if err != nil {
		return 0, err
	}
	n, ok := untyped.(int)
	if !ok {
		return 0, errors.New("unable to cast response from fusion scheduler to int")
	}
	return n, nil
}
