package fusion

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/spatialmath"

	"github.com/viam-modules/viam-lio/estimator"
)

const (
	logDirName    = "Log"
	timingLogName = "timing.log"
	stateLogName  = "state.txt"
)

// Timing is the per-group breakdown reported to the diagnostics sink.
type Timing struct {
	Preprocess time.Duration
	Propagate  time.Duration
	Update     time.Duration
	MapInsert  time.Duration
	Total      time.Duration
}

// Diagnostics records timing averages and a plain text state dump per processed group.
type Diagnostics interface {
	Record(groupTime float64, numPoints int, timing Timing, model estimator.Model, st estimator.State)
	Close() error
}

type nopDiagnostics struct{}

func (nopDiagnostics) Record(float64, int, Timing, estimator.Model, estimator.State) {}

func (nopDiagnostics) Close() error { return nil }

// FileDiagnostics writes a JSON timing stream and a state dump under <dataDir>/Log.
type FileDiagnostics struct {
	timing    *zap.Logger
	stateFile *os.File
	state     *bufio.Writer

	firstTime float64
	started   bool
	frames    int
	avgTotal  float64
	avgUpdate float64
	avgProp   float64
}

func newTimingConfig(path string) zap.Config {
	return zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{path},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewFileDiagnostics creates the log directory and opens both sinks.
func NewFileDiagnostics(dataDir string) (*FileDiagnostics, error) {
	dir := filepath.Join(dataDir, logDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating diagnostics directory")
	}
	timing, err := newTimingConfig(filepath.Join(dir, timingLogName)).Build()
	if err != nil {
		return nil, errors.Wrap(err, "creating timing log")
	}
	//nolint:gosec
	f, err := os.Create(filepath.Join(dir, stateLogName))
	if err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "creating state log"), timing.Sync())
	}
	return &FileDiagnostics{timing: timing, stateFile: f, state: bufio.NewWriter(f)}, nil
}

// Record appends one timing entry and one state line.
func (d *FileDiagnostics) Record(groupTime float64, numPoints int, timing Timing, model estimator.Model, st estimator.State) {
	if !d.started {
		d.firstTime = groupTime
		d.started = true
	}
	d.frames++
	n := float64(d.frames)
	d.avgTotal = d.avgTotal*(n-1)/n + timing.Total.Seconds()/n
	d.avgUpdate = d.avgUpdate*(n-1)/n + timing.Update.Seconds()/n
	d.avgProp = d.avgProp*(n-1)/n + timing.Propagate.Seconds()/n

	d.timing.Info("mapping",
		zap.Float64("time", groupTime),
		zap.Int("points", numPoints),
		zap.Duration("preprocess", timing.Preprocess),
		zap.Duration("propagate", timing.Propagate),
		zap.Duration("update", timing.Update),
		zap.Duration("map_insert", timing.MapInsert),
		zap.Duration("total", timing.Total),
		zap.Float64("avg_total", d.avgTotal),
		zap.Float64("avg_update", d.avgUpdate),
		zap.Float64("avg_propagate", d.avgProp),
	)

	euler := spatialmath.QuatToEuler(st.Rot)
	fmt.Fprintf(d.state, "%f %f %f %f ", groupTime-d.firstTime, euler[0], euler[1], euler[2])
	writeVec(d.state, st.Pos.X, st.Pos.Y, st.Pos.Z)
	writeVec(d.state, st.Omega.X, st.Omega.Y, st.Omega.Z)
	writeVec(d.state, st.Vel.X, st.Vel.Y, st.Vel.Z)
	writeVec(d.state, st.Acc.X, st.Acc.Y, st.Acc.Z)
	writeVec(d.state, st.BiasG.X, st.BiasG.Y, st.BiasG.Z)
	writeVec(d.state, st.BiasA.X, st.BiasA.Y, st.BiasA.Z)
	writeVec(d.state, st.Gravity.X, st.Gravity.Y, st.Gravity.Z)
	fmt.Fprintf(d.state, "%s %d\n", model, numPoints)
}

func writeVec(w *bufio.Writer, x, y, z float64) {
	fmt.Fprintf(w, "%f %f %f ", x, y, z)
}

// Frames returns the number of recorded groups.
func (d *FileDiagnostics) Frames() int {
	return d.frames
}

// Close flushes and closes both sinks.
func (d *FileDiagnostics) Close() error {
	err := d.state.Flush()
	err = multierr.Combine(err, d.stateFile.Close())
	return multierr.Combine(err, d.timing.Sync())
}
