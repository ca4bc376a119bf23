// Package trajectory turns a pattern request into the ordered setpoint
// sequence the streaming loop flies.
//
// Vertex patterns (square, triangle, star) hold each corner long enough for
// the vehicle to transit and settle. Curve patterns (circle, infinity, heart,
// spiral, figure8) fly a transit leg to the curve's start, stream the sampled
// curve with a per-sample repeat count, and finish with a short hold.
package trajectory

import (
	"fmt"
	"math"
	"time"

	"github.com/skyloom/patternpilot/internal/curve"
)

// Phase labels which part of the pipeline a waypoint belongs to.
type Phase int

const (
	PhaseVertex Phase = iota + 1
	PhaseTransit
	PhaseCurve
	PhaseFinalHold
)

func (p Phase) String() string {
	switch p {
	case PhaseVertex:
		return "vertex"
	case PhaseTransit:
		return "transit"
	case PhaseCurve:
		return "curve"
	case PhaseFinalHold:
		return "final-hold"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Timing constants shared by every pattern.
const (
	MinVertexHold = 3 * time.Second
	TransitHold   = 3 * time.Second
	SettleHold    = 2 * time.Second
	FinalHold     = 2 * time.Second
	MinRepeat     = 3
)

// ClosingHeading is flown on the last leg of a vertex pattern.
const ClosingHeading = 0.0

// Waypoint is one setpoint and how long to keep sending it.
type Waypoint struct {
	X       float64       `json:"x"`
	Y       float64       `json:"y"`
	Z       float64       `json:"z"`
	Heading float64       `json:"heading"`
	Hold    time.Duration `json:"hold"`
	Settle  time.Duration `json:"settle,omitempty"`
	Repeat  int           `json:"repeat,omitempty"`
	Phase   Phase         `json:"phase"`
}

// Ticks returns how many transmissions the waypoint occupies when the
// streaming loop ticks every period. Repeat wins over the hold durations.
func (w Waypoint) Ticks(period time.Duration) int {
	if w.Repeat > 0 {
		return w.Repeat
	}
	total := w.Hold + w.Settle
	n := int(total / period)
	if total%period != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Point returns the waypoint's horizontal position.
func (w Waypoint) Point() curve.Point {
	return curve.Point{X: w.X, Y: w.Y}
}

// Pattern is one of the closed set of flight patterns. Each variant carries
// only the parameters it uses.
type Pattern interface {
	Shape() Shape
	Waypoints() []Waypoint
	pattern()
}

// NewPattern builds the pattern variant for a validated request.
func NewPattern(r Request) (Pattern, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	switch r.Shape {
	case ShapeSquare:
		return Square{Size: r.Size, Altitude: r.Altitude, Speed: r.Speed}, nil
	case ShapeTriangle:
		return Triangle{Size: r.Size, Altitude: r.Altitude, Speed: r.Speed}, nil
	case ShapeStar:
		return Star{Radius: r.Size, Altitude: r.Altitude, Speed: r.Speed}, nil
	case ShapeCircle:
		return Circle{Radius: r.Size, Altitude: r.Altitude, Speed: r.Speed, Steps: r.Steps}, nil
	case ShapeInfinity:
		return Infinity{Size: r.Size, Altitude: r.Altitude, Speed: r.Speed, Steps: r.Steps}, nil
	case ShapeHeart:
		return Heart{Size: r.Size, Altitude: r.Altitude, Speed: r.Speed, Steps: r.Steps}, nil
	case ShapeSpiral:
		return Spiral{MaxRadius: r.Size, Altitude: r.Altitude, Speed: r.Speed, Steps: r.Steps, Turns: SpiralTurns}, nil
	case ShapeFigure8:
		return Figure8{Size: r.Size, Altitude: r.Altitude, Speed: r.Speed, Steps: r.Steps}, nil
	}
	return nil, &ValidationError{Field: "shape", Reason: fmt.Sprintf("unknown shape %d", int(r.Shape))}
}

// Generate validates r and returns its waypoint sequence.
func Generate(r Request) ([]Waypoint, error) {
	p, err := NewPattern(r)
	if err != nil {
		return nil, err
	}
	return p.Waypoints(), nil
}

// VertexHold is the per-corner hold for a given speed factor.
func VertexHold(speed float64) time.Duration {
	return time.Duration(math.Max(MinVertexHold.Seconds(), 3*speed) * float64(time.Second))
}

// RepeatCount is the number of 10 Hz transmissions per curve sample.
func RepeatCount(speed float64) int {
	n := int(math.Round(speed * 10))
	if n < MinRepeat {
		return MinRepeat
	}
	return n
}

// vertexWaypoints turns an ordered corner list into waypoints that each face
// the next corner.
func vertexWaypoints(pts []curve.Point, altitude, speed float64) []Waypoint {
	hold := VertexHold(speed)
	wps := make([]Waypoint, 0, len(pts))
	for i, p := range pts {
		heading := ClosingHeading
		if i < len(pts)-1 {
			if h, ok := curve.Bearing(p, pts[i+1]); ok {
				heading = h
			}
		}
		wps = append(wps, Waypoint{
			X:       p.X,
			Y:       p.Y,
			Z:       altitude,
			Heading: heading,
			Hold:    hold,
			Settle:  SettleHold,
			Phase:   PhaseVertex,
		})
	}
	return wps
}

// curvePlan describes one sampled curve.
type curvePlan struct {
	steps int
	// sample returns the point for sample i of n and, for curves with an
	// analytic tangent, its heading.
	sample func(i, n int) (curve.Point, float64, bool)
	// fallback heading used when the forward difference is noise.
	fallback       float64
	transitHeading float64
	finalHeading   float64
}

func curveWaypoints(plan curvePlan, altitude, speed float64) []Waypoint {
	n := plan.steps
	pts := make([]curve.Point, n+1)
	headings := make([]float64, n+1)
	for i := 0; i <= n; i++ {
		p, h, analytic := plan.sample(i, n)
		pts[i] = p
		if analytic {
			headings[i] = h
		} else {
			headings[i] = math.NaN()
		}
	}

	repeat := RepeatCount(speed)
	wps := make([]Waypoint, 0, n+3)
	wps = append(wps, Waypoint{
		X:       pts[0].X,
		Y:       pts[0].Y,
		Z:       altitude,
		Heading: plan.transitHeading,
		Hold:    TransitHold,
		Settle:  SettleHold,
		Phase:   PhaseTransit,
	})
	for i, p := range pts {
		heading := headings[i]
		if math.IsNaN(heading) {
			heading = plan.fallback
			if i < n {
				if h, ok := curve.Bearing(p, pts[i+1]); ok {
					heading = h
				}
			}
		}
		wps = append(wps, Waypoint{
			X:       p.X,
			Y:       p.Y,
			Z:       altitude,
			Heading: heading,
			Repeat:  repeat,
			Phase:   PhaseCurve,
		})
	}
	wps = append(wps, Waypoint{
		X:       pts[n].X,
		Y:       pts[n].Y,
		Z:       altitude,
		Heading: plan.finalHeading,
		Hold:    FinalHold,
		Phase:   PhaseFinalHold,
	})
	return wps
}

// steps applies a curve's smoothness floor to the caller's step count, using
// def when the caller gave none.
func steps(given, def, floor int) int {
	if given <= 0 {
		given = def
	}
	if given < floor {
		return floor
	}
	return given
}
