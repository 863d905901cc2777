package sensors

import (
	"context"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/camera/replaypcd"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/utils/contextutils"
)

const replayTimestampErrorMessage = "replay sensor timestamp parse RFC3339Nano error"

// Lidar is a lidar backed by a camera component that supports point clouds.
type Lidar struct {
	name            string
	dataFrequencyHz int
	Lidar           camera.Camera
}

// Name returns the name of the lidar.
func (lidar Lidar) Name() string {
	return lidar.name
}

// DataFrequencyHz returns the data rate of the lidar.
func (lidar Lidar) DataFrequencyHz() int {
	return lidar.dataFrequencyHz
}

// TimedLidarReading returns the next point cloud from the camera as a scan. Camera point clouds carry no
// per-point acquisition time, so every point of the scan shares offset zero.
func (lidar Lidar) TimedLidarReading(ctx context.Context) (Scan, error) {
	ctxWithMetadata, md := contextutils.ContextWithMetadata(ctx)
	readingPc, err := lidar.Lidar.NextPointCloud(ctxWithMetadata)
	if err != nil {
		if strings.Contains(err.Error(), replaypcd.ErrEndOfDataset.Error()) {
			return Scan{}, ErrEndOfDataset
		}
		return Scan{}, errors.Wrap(err, "NextPointCloud error")
	}
	readingTime := time.Now().UTC()

	if timeRequestedMetadata, ok := md[contextutils.TimeRequestedMetadataKey]; ok {
		if readingTime, err = time.Parse(time.RFC3339Nano, timeRequestedMetadata[0]); err != nil {
			return Scan{}, errors.Wrap(err, replayTimestampErrorMessage)
		}
	}
	return ScanFromPointCloud(readingPc, Seconds(readingTime)), nil
}

// ScanFromPointCloud converts an rdk point cloud (millimetres) into a scan (metres). A point's user data
// value, when present, becomes its intensity.
func ScanFromPointCloud(cloud pointcloud.PointCloud, beginTime float64) Scan {
	scan := Scan{BeginTime: beginTime, Points: make([]Point, 0, cloud.Size())}
	cloud.Iterate(0, 0, func(p r3.Vector, d pointcloud.Data) bool {
		pt := Point{Position: p.Mul(1. / 1000)}
		if d != nil && d.HasValue() {
			pt.Intensity = float64(d.Value())
		}
		scan.Points = append(scan.Points, pt)
		return true
	})
	return scan
}

// NewLidar returns a new Lidar.
func NewLidar(
	ctx context.Context,
	deps resource.Dependencies,
	cameraName string,
	dataFrequencyHz int,
	logger logging.Logger,
) (TimedLidar, error) {
	_, span := trace.StartSpan(ctx, "viamlio::sensors::NewLidar")
	defer span.End()
	lidar, err := camera.FromDependencies(deps, cameraName)
	if err != nil {
		return Lidar{}, errors.Wrapf(err, "error getting lidar camera %v for lio service", cameraName)
	}

	properties, err := lidar.Properties(ctx)
	if err != nil {
		return Lidar{}, errors.Wrapf(err, "error getting lidar camera properties %v for lio service", cameraName)
	}

	if !properties.SupportsPCD {
		return Lidar{}, errors.New("configuring lidar camera error: " +
			"'camera' must support PCD")
	}
	logger.Debugw("using camera as lidar", "name", cameraName, "data_frequency_hz", dataFrequencyHz)

	return Lidar{
		name:            cameraName,
		dataFrequencyHz: dataFrequencyHz,
		Lidar:           lidar,
	}, nil
}
