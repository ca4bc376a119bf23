package trajectory

import (
	"math"

	"github.com/skyloom/patternpilot/internal/curve"
)

// Per-shape sample counts. The default is used when the request carries no
// step count; the floor is always applied.
const (
	CircleDefaultSteps   = 30
	CircleMinSteps       = 100
	InfinityDefaultSteps = 40
	InfinityMinSteps     = 120
	HeartDefaultSteps    = 50
	HeartMinSteps        = 150
	SpiralDefaultSteps   = 30
	SpiralMinSteps       = 100
	Figure8DefaultSteps  = 40
	Figure8MinSteps      = 120

	SpiralTurns = 5.0
)

// Headings used where a curve has no usable forward difference, and on the
// transit and final holds.
const (
	CircleTransitHeading = 90.0
	CircleFinalHeading   = 90.0

	InfinityFallbackHeading = 0.0
	InfinityTransitHeading  = 0.0
	InfinityFinalHeading    = 0.0

	HeartFallbackHeading = 90.0
	HeartTransitHeading  = 90.0
	HeartFinalHeading    = 90.0

	SpiralTransitHeading = 0.0
	SpiralFinalHeading   = 90.0

	Figure8FallbackHeading = 90.0
	Figure8TransitHeading  = 90.0
	Figure8FinalHeading    = 90.0
)

// Square flies the corners (0,0), (s,0), (s,s), (0,s) and back to the origin.
type Square struct {
	Size     float64
	Altitude float64
	Speed    float64
}

func (Square) Shape() Shape { return ShapeSquare }
func (Square) pattern()     {}

func (p Square) Waypoints() []Waypoint {
	s := p.Size
	return vertexWaypoints([]curve.Point{
		{X: 0, Y: 0},
		{X: s, Y: 0},
		{X: s, Y: s},
		{X: 0, Y: s},
		{X: 0, Y: 0},
	}, p.Altitude, p.Speed)
}

// Triangle flies an equilateral triangle with its base along north.
type Triangle struct {
	Size     float64
	Altitude float64
	Speed    float64
}

func (Triangle) Shape() Shape { return ShapeTriangle }
func (Triangle) pattern()     {}

func (p Triangle) Waypoints() []Waypoint {
	s := p.Size
	h := s * math.Sqrt(3) / 2
	return vertexWaypoints([]curve.Point{
		{X: 0, Y: 0},
		{X: s, Y: 0},
		{X: s / 2, Y: h},
		{X: 0, Y: 0},
	}, p.Altitude, p.Speed)
}

// Star draws a five-pointed star on a circle of the given radius, visiting
// the points in the order 0, 2, 4, 1, 3 and closing on point 0.
type Star struct {
	Radius   float64
	Altitude float64
	Speed    float64
}

var starOrder = []int{0, 2, 4, 1, 3, 0}

func (Star) Shape() Shape { return ShapeStar }
func (Star) pattern()     {}

func (p Star) Waypoints() []Waypoint {
	var tips [5]curve.Point
	for i := range tips {
		a := 2*math.Pi*float64(i)/5 - math.Pi/2
		tips[i] = curve.Point{X: p.Radius * math.Cos(a), Y: p.Radius * math.Sin(a)}
	}
	pts := make([]curve.Point, len(starOrder))
	for i, idx := range starOrder {
		pts[i] = tips[idx]
	}
	return vertexWaypoints(pts, p.Altitude, p.Speed)
}

// Circle flies one anticlockwise lap of a circle centred on the origin.
type Circle struct {
	Radius   float64
	Altitude float64
	Speed    float64
	Steps    int
}

func (Circle) Shape() Shape { return ShapeCircle }
func (Circle) pattern()     {}

func (p Circle) Waypoints() []Waypoint {
	return curveWaypoints(curvePlan{
		steps: steps(p.Steps, CircleDefaultSteps, CircleMinSteps),
		sample: func(i, n int) (curve.Point, float64, bool) {
			pt, h := curve.Circle(p.Radius, 2*math.Pi*float64(i)/float64(n))
			return pt, h, true
		},
		transitHeading: CircleTransitHeading,
		finalHeading:   CircleFinalHeading,
	}, p.Altitude, p.Speed)
}

// Infinity flies a lemniscate of Gerono.
type Infinity struct {
	Size     float64
	Altitude float64
	Speed    float64
	Steps    int
}

func (Infinity) Shape() Shape { return ShapeInfinity }
func (Infinity) pattern()     {}

func (p Infinity) Waypoints() []Waypoint {
	return curveWaypoints(curvePlan{
		steps:          steps(p.Steps, InfinityDefaultSteps, InfinityMinSteps),
		sample:         parametric(func(t float64) curve.Point { return curve.Lemniscate(p.Size, t) }),
		fallback:       InfinityFallbackHeading,
		transitHeading: InfinityTransitHeading,
		finalHeading:   InfinityFinalHeading,
	}, p.Altitude, p.Speed)
}

// Heart flies the classic heart curve.
type Heart struct {
	Size     float64
	Altitude float64
	Speed    float64
	Steps    int
}

func (Heart) Shape() Shape { return ShapeHeart }
func (Heart) pattern()     {}

func (p Heart) Waypoints() []Waypoint {
	return curveWaypoints(curvePlan{
		steps:          steps(p.Steps, HeartDefaultSteps, HeartMinSteps),
		sample:         parametric(func(t float64) curve.Point { return curve.Heart(p.Size, t) }),
		fallback:       HeartFallbackHeading,
		transitHeading: HeartTransitHeading,
		finalHeading:   HeartFinalHeading,
	}, p.Altitude, p.Speed)
}

// Spiral flies an Archimedean spiral outward from the origin.
type Spiral struct {
	MaxRadius float64
	Turns     float64
	Altitude  float64
	Speed     float64
	Steps     int
}

func (Spiral) Shape() Shape { return ShapeSpiral }
func (Spiral) pattern()     {}

func (p Spiral) Waypoints() []Waypoint {
	turns := p.Turns
	if turns <= 0 {
		turns = SpiralTurns
	}
	return curveWaypoints(curvePlan{
		steps: steps(p.Steps, SpiralDefaultSteps, SpiralMinSteps),
		sample: func(i, n int) (curve.Point, float64, bool) {
			pt, h := curve.Spiral(p.MaxRadius, turns, i, n)
			return pt, h, true
		},
		transitHeading: SpiralTransitHeading,
		finalHeading:   SpiralFinalHeading,
	}, p.Altitude, p.Speed)
}

// Figure8 flies a 1:2 Lissajous figure.
type Figure8 struct {
	Size     float64
	Altitude float64
	Speed    float64
	Steps    int
}

func (Figure8) Shape() Shape { return ShapeFigure8 }
func (Figure8) pattern()     {}

func (p Figure8) Waypoints() []Waypoint {
	return curveWaypoints(curvePlan{
		steps:          steps(p.Steps, Figure8DefaultSteps, Figure8MinSteps),
		sample:         parametric(func(t float64) curve.Point { return curve.Figure8(p.Size, t) }),
		fallback:       Figure8FallbackHeading,
		transitHeading: Figure8TransitHeading,
		finalHeading:   Figure8FinalHeading,
	}, p.Altitude, p.Speed)
}

// parametric samples f over one period with headings from forward differences.
func parametric(f func(t float64) curve.Point) func(i, n int) (curve.Point, float64, bool) {
	return func(i, n int) (curve.Point, float64, bool) {
		return f(2 * math.Pi * float64(i) / float64(n)), 0, false
	}
}
