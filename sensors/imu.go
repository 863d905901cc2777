package sensors

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/components/movementsensor/replay"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/rdk/utils/contextutils"
)

const replayTimeToleranceMsec = 10

var defaultTime = time.Time{}

// IMU is an IMU backed by a movement sensor component.
type IMU struct {
	name            string
	dataFrequencyHz int
	IMU             movementsensor.MovementSensor
}

// Name returns the name of the IMU.
func (imu IMU) Name() string {
	return imu.name
}

// DataFrequencyHz returns the data rate of the IMU.
func (imu IMU) DataFrequencyHz() int {
	return imu.dataFrequencyHz
}

// TimedIMUReading pairs a linear acceleration and an angular velocity reading taken within
// replayTimeToleranceMsec of each other and stamps the sample with their midpoint.
func (imu IMU) TimedIMUReading(ctx context.Context) (IMUReading, error) {
	var timeLinearAcc, timeAngularVel time.Time
	var linAcc r3.Vector
	var angVel spatialmath.AngularVelocity
	var err error
	for {
		select {
		case <-ctx.Done():
			return IMUReading{}, ctx.Err()
		default:
			if timeLinearAcc == defaultTime || timeLinearAcc.Sub(timeAngularVel).Milliseconds() < 0 {
				ctxWithMetadata, md := contextutils.ContextWithMetadata(ctx)
				linAcc, err = imu.IMU.LinearAcceleration(ctxWithMetadata, make(map[string]interface{}))
				if err != nil {
					return IMUReading{}, wrapIMUError(err, "LinearAcceleration error")
				}
				if timeLinearAcc, err = readingTime(md); err != nil {
					return IMUReading{}, err
				}
			}

			if timeAngularVel == defaultTime || timeAngularVel.Sub(timeLinearAcc).Milliseconds() < 0 {
				ctxWithMetadata, md := contextutils.ContextWithMetadata(ctx)
				angVel, err = imu.IMU.AngularVelocity(ctxWithMetadata, make(map[string]interface{}))
				if err != nil {
					return IMUReading{}, wrapIMUError(err, "AngularVelocity error")
				}
				if timeAngularVel, err = readingTime(md); err != nil {
					return IMUReading{}, err
				}
			}
			if math.Abs(float64(timeAngularVel.Sub(timeLinearAcc).Milliseconds())) < replayTimeToleranceMsec {
				return IMUReading{
					Time:               Seconds(timeLinearAcc.Add(timeAngularVel.Sub(timeLinearAcc) / 2)),
					LinearAcceleration: linAcc,
					AngularVelocity: spatialmath.AngularVelocity{
						X: rdkutils.DegToRad(angVel.X),
						Y: rdkutils.DegToRad(angVel.Y),
						Z: rdkutils.DegToRad(angVel.Z),
					},
				}, nil
			}
		}
	}
}

func readingTime(md map[string][]string) (time.Time, error) {
	timeRequestedMetadata, ok := md[contextutils.TimeRequestedMetadataKey]
	if !ok {
		return time.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, timeRequestedMetadata[0])
	if err != nil {
		return time.Time{}, errors.Wrap(err, replayTimestampErrorMessage)
	}
	return t, nil
}

func wrapIMUError(err error, msg string) error {
	if strings.Contains(err.Error(), replay.ErrEndOfDataset.Error()) {
		return ErrEndOfDataset
	}
	return errors.Wrap(err, msg)
}

// NewIMU returns a new IMU.
func NewIMU(
	ctx context.Context,
	deps resource.Dependencies,
	movementSensorName string,
	dataFrequencyHz int,
	logger logging.Logger,
) (TimedIMU, error) {
	_, span := trace.StartSpan(ctx, "viamlio::sensors::NewIMU")
	defer span.End()
	movementSensor, err := movementsensor.FromDependencies(deps, movementSensorName)
	if err != nil {
		return IMU{}, errors.Wrapf(err, "error getting movement sensor \"%v\" for lio service", movementSensorName)
	}

	// A movement_sensor used as an IMU must support LinearAcceleration and AngularVelocity.
	properties, err := movementSensor.Properties(ctx, make(map[string]interface{}))
	if err != nil {
		return IMU{}, errors.Wrapf(err, "error getting movement sensor properties from \"%v\" for lio service", movementSensorName)
	}
	if !(properties.LinearAccelerationSupported && properties.AngularVelocitySupported) {
		return IMU{}, errors.New("configuring IMU movement sensor error: " +
			"'movement_sensor' must support both LinearAcceleration and AngularVelocity")
	}
	logger.Debugw("using movement sensor as imu", "name", movementSensorName, "data_frequency_hz", dataFrequencyHz)

	return IMU{
		name:            movementSensorName,
		dataFrequencyHz: dataFrequencyHz,
		IMU:             movementSensor,
	}, nil
}
