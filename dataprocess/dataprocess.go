// Package dataprocess converts fused point sets to PCD and manages the periodic scan dumps.
package dataprocess

import (
	"bufio"
	"bytes"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	pc "go.viam.com/rdk/pointcloud"

	"github.com/viam-modules/viam-lio/fusion"
	s "github.com/viam-modules/viam-lio/sensors"
)

const (
	// SlamTimeFormat is the timestamp format used in the dataprocess.
	SlamTimeFormat = "2006-01-02T15:04:05.0000Z"
	// PCDDirectory is the folder under the data directory that receives scan dumps.
	PCDDirectory = "PCD"
	// FinalScansFilename receives the scans still pending when the writer is closed.
	FinalScansFilename = "scans.pcd"
)

// CreateTimestampFilename creates an absolute filename with a primary sensor name and timestamp written
// into the filename.
func CreateTimestampFilename(dataDirectory, primarySensorName, fileType string, timeStamp time.Time) string {
	return filepath.Join(dataDirectory, primarySensorName+"_data_"+timeStamp.UTC().Format(SlamTimeFormat)+fileType)
}

// ToPointCloud converts world points in metres into a pointcloud in millimetres. Intensity becomes a grey
// level and is also kept as the point value.
func ToPointCloud(points []s.Point) (pc.PointCloud, error) {
	cloud := pc.NewWithPrealloc(len(points))
	for _, p := range points {
		grey := uint8(math.Max(0, math.Min(255, p.Intensity)))
		data := pc.NewColoredData(color.NRGBA{R: grey, G: grey, B: grey, A: 255})
		data.SetValue(int(p.Intensity))
		if err := cloud.Set(p.Position.Mul(1000), data); err != nil {
			return nil, err
		}
	}
	return cloud, nil
}

// EncodePCD returns the binary PCD encoding of points.
func EncodePCD(points []s.Point) ([]byte, error) {
	cloud, err := ToPointCloud(points)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err := pc.ToPCD(cloud, buf, pc.PCDBinary); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePCDToFile encodes the pointcloud and then saves it to the passed filename.
func WritePCDToFile(pointcloud pc.PointCloud, filename string) error {
	buf := new(bytes.Buffer)
	if err := pc.ToPCD(pointcloud, buf, pc.PCDBinary); err != nil {
		return err
	}
	return WriteBytesToFile(buf.Bytes(), filename)
}

// WriteBytesToFile writes the passed bytes to the passed filename.
func WriteBytesToFile(bytes []byte, filename string) (err error) {
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if _, err := w.Write(bytes); err != nil {
		return err
	}
	return w.Flush()
}

// PCDWriter collects registered scans and dumps them to <data_dir>/PCD. With a positive interval every
// interval scans are written to scans_<n>.pcd; whatever is pending at Close goes to scans.pcd.
type PCDWriter struct {
	fusion.NopPublisher

	dir      string
	interval int
	logger   logging.Logger

	pending []s.Point
	waitNum int
	index   int
}

// NewPCDWriter creates the dump directory and returns a writer. A non-positive interval only writes on Close.
func NewPCDWriter(dataDir string, interval int, logger logging.Logger) (*PCDWriter, error) {
	dir := filepath.Join(dataDir, PCDDirectory)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "creating pcd directory %q", dir)
	}
	return &PCDWriter{dir: dir, interval: interval, logger: logger}, nil
}

// PublishRegisteredScan buffers a copy of the world frame scan and dumps the buffer when the interval is
// reached.
func (w *PCDWriter) PublishRegisteredScan(_ float64, points []s.Point) {
	w.pending = append(w.pending, points...)
	w.waitNum++
	if w.interval <= 0 || w.waitNum < w.interval {
		return
	}
	w.index++
	filename := filepath.Join(w.dir, "scans_"+strconv.Itoa(w.index)+".pcd")
	if err := w.flush(filename); err != nil {
		w.logger.Warnw("unable to save scans", "file", filename, "error", err)
	}
	w.pending = w.pending[:0]
	w.waitNum = 0
}

// Dumps returns how many interval dumps have been written.
func (w *PCDWriter) Dumps() int {
	return w.index
}

// Close writes the pending scans to scans.pcd.
func (w *PCDWriter) Close() error {
	if len(w.pending) == 0 {
		return nil
	}
	filename := filepath.Join(w.dir, FinalScansFilename)
	if err := w.flush(filename); err != nil {
		return errors.Wrapf(err, "saving %q", filename)
	}
	w.logger.Infow("current scans saved", "file", filename, "points", len(w.pending))
	w.pending = nil
	return nil
}

func (w *PCDWriter) flush(filename string) error {
	cloud, err := ToPointCloud(w.pending)
	if err != nil {
		return err
	}
	return WritePCDToFile(cloud, filename)
}
