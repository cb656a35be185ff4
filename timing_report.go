package camsync

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// JitterStats summarizes the intervals between successive rising edges on
// one pin, in microseconds. For a sync pin the mean should sit on the cycle
// duration and the spread reflects polling latency on the controller.
type JitterStats struct {
	Pin        uint16
	Count      int
	MeanUS     float64
	StddevUS   float64
	MinUS      uint64
	MaxUS      uint64
	WorstDevUS float64 // largest |interval - mean|
}

// EdgeIntervals extracts rising-edge intervals for one pin from a session's
// edge records, unwrapping per-cycle times into absolute microseconds.
func EdgeIntervals(records []EdgeRecord, pin uint16, cycleDurationUS uint32) []float64 {
	var times []uint64
	for _, r := range records {
		if r.Pin == pin && r.State == 1 {
			times = append(times, r.AbsoluteTimeUS(cycleDurationUS))
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	if len(times) < 2 {
		return nil
	}
	intervals := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals[i-1] = float64(times[i] - times[i-1])
	}
	return intervals
}

// ComputeJitter reports interval statistics for rising edges on a pin.
func ComputeJitter(records []EdgeRecord, pin uint16, cycleDurationUS uint32) (JitterStats, error) {
	intervals := EdgeIntervals(records, pin, cycleDurationUS)
	js := JitterStats{Pin: pin, Count: len(intervals)}
	if len(intervals) == 0 {
		return js, fmt.Errorf("fewer than 2 rising edges on pin %d", pin)
	}
	js.MeanUS = stat.Mean(intervals, nil)
	js.StddevUS = stat.StdDev(intervals, nil)
	js.MinUS, js.MaxUS = uint64(intervals[0]), uint64(intervals[0])
	for _, iv := range intervals {
		if uint64(iv) < js.MinUS {
			js.MinUS = uint64(iv)
		}
		if uint64(iv) > js.MaxUS {
			js.MaxUS = uint64(iv)
		}
		if dev := iv - js.MeanUS; dev > js.WorstDevUS || -dev > js.WorstDevUS {
			if dev < 0 {
				dev = -dev
			}
			js.WorstDevUS = dev
		}
	}
	return js, nil
}
