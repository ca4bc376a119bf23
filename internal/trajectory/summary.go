package trajectory

import (
	"time"

	"gonum.org/v1/gonum/floats"
)

// Summary describes a waypoint sequence for previews and mission records.
type Summary struct {
	Waypoints  int           `json:"waypoints"`
	Setpoints  int           `json:"setpoints"`
	Duration   time.Duration `json:"duration_ns"`
	PathLength float64       `json:"path_length_m"`
	MinX       float64       `json:"min_x"`
	MaxX       float64       `json:"max_x"`
	MinY       float64       `json:"min_y"`
	MaxY       float64       `json:"max_y"`
}

// Summarize computes the path length, footprint and the wall-clock time the
// streaming loop needs at the given tick period.
func Summarize(wps []Waypoint, period time.Duration) Summary {
	s := Summary{Waypoints: len(wps)}
	if len(wps) == 0 {
		return s
	}

	xs := make([]float64, len(wps))
	ys := make([]float64, len(wps))
	for i, wp := range wps {
		xs[i] = wp.X
		ys[i] = wp.Y
		s.Setpoints += wp.Ticks(period)
		if i > 0 {
			s.PathLength += floats.Distance(
				[]float64{wps[i-1].X, wps[i-1].Y},
				[]float64{wp.X, wp.Y},
				2,
			)
		}
	}
	s.Duration = time.Duration(s.Setpoints) * period
	s.MinX, s.MaxX = floats.Min(xs), floats.Max(xs)
	s.MinY, s.MaxY = floats.Min(ys), floats.Max(ys)
	return s
}
