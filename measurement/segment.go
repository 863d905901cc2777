package measurement

import (
	"sort"

	s "github.com/viam-modules/viam-lio/sensors"
)

// cutScan splits scan into consecutive sub-scans spanning at most interval seconds. Each sub-scan starts at the
// acquisition time of its first point and its offsets are rebased to that start.
func cutScan(scan s.Scan, interval float64) []s.Scan {
	if len(scan.Points) == 0 {
		return []s.Scan{scan}
	}
	points := make([]s.Point, len(scan.Points))
	copy(points, scan.Points)
	sort.SliceStable(points, func(i, j int) bool { return points[i].OffsetMs < points[j].OffsetMs })

	var out []s.Scan
	startMs := points[0].OffsetMs
	var current []s.Point
	flush := func() {
		if len(current) == 0 {
			return
		}
		sub := s.Scan{BeginTime: scan.BeginTime + startMs/1000, Points: current}
		for i := range sub.Points {
			sub.Points[i].OffsetMs -= startMs
		}
		out = append(out, sub)
		current = nil
	}
	for _, p := range points {
		if (p.OffsetMs-startMs)/1000 > interval {
			flush()
			startMs = p.OffsetMs
		}
		current = append(current, p)
	}
	flush()
	return out
}

// concatScan appends scan to the pending merge and buffers the merged scan once ConFrameNum scans have been
// collected. Offsets are rebased to the first merged scan's start. Caller holds mu.
func (sc *Synchronizer) concatScan(scan s.Scan) {
	if sc.concatCount == 0 {
		sc.concatBeg = scan.BeginTime
		sc.concat = make([]s.Point, 0, len(scan.Points)*sc.cfg.ConFrameNum)
	}
	shiftMs := (scan.BeginTime - sc.concatBeg) * 1000
	for _, p := range scan.Points {
		p.OffsetMs += shiftMs
		sc.concat = append(sc.concat, p)
	}
	sc.concatCount++
	if sc.concatCount < sc.cfg.ConFrameNum {
		return
	}
	sc.scans = append(sc.scans, s.Scan{BeginTime: sc.concatBeg, Points: sc.concat})
	sc.concat = nil
	sc.concatCount = 0
}
