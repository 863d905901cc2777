package sensors

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
)

const maxRecordLineBytes = 64 * 1024 * 1024

// recordLine is one line of a JSON-lines recording. Exactly one of Scan or IMU is set.
type recordLine struct {
	Scan *recordScan `json:"scan,omitempty"`
	IMU  *recordIMU  `json:"imu,omitempty"`
}

type recordScan struct {
	Time float64 `json:"t"`
	// Points are [x, y, z, intensity, offset_ms].
	Points [][5]float64 `json:"points"`
}

type recordIMU struct {
	Time float64    `json:"t"`
	Gyro [3]float64 `json:"gyro"`
	Acc  [3]float64 `json:"acc"`
}

// Recording is an in-memory lidar and IMU log that can be replayed through the timed sensor interfaces.
type Recording struct {
	Scans []Scan
	IMU   []IMUReading
}

// LoadRecording reads a JSON-lines recording from path.
func LoadRecording(path string) (*Recording, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening recording %q", path)
	}
	defer f.Close()

	rec := &Recording{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxRecordLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line recordLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, errors.Wrapf(err, "recording %q line %d", path, lineNum)
		}
		switch {
		case line.Scan != nil:
			scan := Scan{BeginTime: line.Scan.Time, Points: make([]Point, 0, len(line.Scan.Points))}
			for _, p := range line.Scan.Points {
				scan.Points = append(scan.Points, Point{
					Position:  r3.Vector{X: p[0], Y: p[1], Z: p[2]},
					Intensity: p[3],
					OffsetMs:  p[4],
				})
			}
			rec.Scans = append(rec.Scans, scan)
		case line.IMU != nil:
			rec.IMU = append(rec.IMU, IMUReading{
				Time:               line.IMU.Time,
				AngularVelocity:    spatialmath.AngularVelocity{X: line.IMU.Gyro[0], Y: line.IMU.Gyro[1], Z: line.IMU.Gyro[2]},
				LinearAcceleration: r3.Vector{X: line.IMU.Acc[0], Y: line.IMU.Acc[1], Z: line.IMU.Acc[2]},
			})
		default:
			return nil, errors.Errorf("recording %q line %d has neither scan nor imu", path, lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading recording %q", path)
	}
	return rec, nil
}

// WriteRecording writes rec to path in the format read by LoadRecording, interleaving scans and IMU samples by time.
func WriteRecording(rec *Recording, path string) error {
	type entry struct {
		t    float64
		line recordLine
	}
	entries := make([]entry, 0, len(rec.Scans)+len(rec.IMU))
	for _, s := range rec.Scans {
		rs := &recordScan{Time: s.BeginTime, Points: make([][5]float64, 0, len(s.Points))}
		for _, p := range s.Points {
			rs.Points = append(rs.Points, [5]float64{p.Position.X, p.Position.Y, p.Position.Z, p.Intensity, p.OffsetMs})
		}
		entries = append(entries, entry{t: s.BeginTime, line: recordLine{Scan: rs}})
	}
	for _, r := range rec.IMU {
		entries = append(entries, entry{t: r.Time, line: recordLine{IMU: &recordIMU{
			Time: r.Time,
			Gyro: [3]float64{r.AngularVelocity.X, r.AngularVelocity.Y, r.AngularVelocity.Z},
			Acc:  [3]float64{r.LinearAcceleration.X, r.LinearAcceleration.Y, r.LinearAcceleration.Z},
		}}})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].t < entries[j].t })

	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e.line); err != nil {
			return errors.Wrap(err, "encoding recording line")
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Close()
}

// Lidar returns a TimedLidar that serves the recorded scans in order.
func (rec *Recording) Lidar(name string) TimedLidar {
	return &replayLidar{name: name, scans: rec.Scans}
}

// IMUSensor returns a TimedIMU that serves the recorded IMU samples in order.
func (rec *Recording) IMUSensor(name string) TimedIMU {
	return &replayIMU{name: name, samples: rec.IMU}
}

type replayLidar struct {
	mu    sync.Mutex
	name  string
	scans []Scan
	next  int
}

func (r *replayLidar) Name() string { return r.name }

// DataFrequencyHz is zero for replay sensors, which selects offline processing.
func (r *replayLidar) DataFrequencyHz() int { return 0 }

func (r *replayLidar) TimedLidarReading(ctx context.Context) (Scan, error) {
	if err := ctx.Err(); err != nil {
		return Scan{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.scans) {
		return Scan{}, ErrEndOfDataset
	}
	scan := r.scans[r.next]
	r.next++
	return scan, nil
}

type replayIMU struct {
	mu      sync.Mutex
	name    string
	samples []IMUReading
	next    int
}

func (r *replayIMU) Name() string { return r.name }

func (r *replayIMU) DataFrequencyHz() int { return 0 }

func (r *replayIMU) TimedIMUReading(ctx context.Context) (IMUReading, error) {
	if err := ctx.Err(); err != nil {
		return IMUReading{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= len(r.samples) {
		return IMUReading{}, ErrEndOfDataset
	}
	sample := r.samples[r.next]
	r.next++
	return sample, nil
}
