package fusion

import (
	"math"
	"sort"

	s "github.com/viam-modules/viam-lio/sensors"
)

// sortByOffset orders points by acquisition offset, keeping the input order of equal offsets.
func sortByOffset(points []s.Point) {
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].OffsetMs < points[j].OffsetMs
	})
}

// compressTimes splits offset-sorted points into runs sharing the same whole millisecond and returns the run
// lengths. The lengths sum to len(points).
func compressTimes(points []s.Point) []int {
	if len(points) == 0 {
		return nil
	}
	var runs []int
	bucket := math.Floor(points[0].OffsetMs)
	n := 0
	for _, p := range points {
		b := math.Floor(p.OffsetMs)
		if b != bucket {
			runs = append(runs, n)
			bucket = b
			n = 0
		}
		n++
	}
	return append(runs, n)
}
