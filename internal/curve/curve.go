// Package curve holds the closed-form plane curves flown by the continuous
// patterns. Every function is pure: a size, a parameter and nothing else.
//
// Coordinates are in the local tangent plane, X north and Y east, in metres.
// Headings are degrees clockwise from north, normalised to [0, 360).
package curve

import "math"

// NoiseThreshold is the per-axis displacement in metres below which a forward
// difference is treated as numerical noise rather than a direction.
const NoiseThreshold = 0.01

// Point is a position in the local tangent plane.
type Point struct {
	X float64
	Y float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 {
	return math.Hypot(p.X, p.Y)
}

// Circle returns the point at angle theta on a circle of radius r centred on
// the origin, and the tangent heading for anticlockwise travel.
func Circle(r, theta float64) (Point, float64) {
	return Point{X: r * math.Cos(theta), Y: r * math.Sin(theta)}, Degrees(theta + math.Pi/2)
}

// Lemniscate returns the lemniscate of Gerono x = s·cos t, y = s·sin t·cos t.
func Lemniscate(s, t float64) Point {
	return Point{X: s * math.Cos(t), Y: s * math.Sin(t) * math.Cos(t)}
}

// Heart returns the classic heart curve scaled so that s is the half-width.
func Heart(s, t float64) Point {
	sin := math.Sin(t)
	return Point{
		X: s * sin * sin * sin,
		Y: s * (13*math.Cos(t) - 5*math.Cos(2*t) - 2*math.Cos(3*t) - math.Cos(4*t)) / 16,
	}
}

// Figure8Scale is the divisor applied to the requested size for the
// Lissajous figure-8 so its lobes match the other patterns' footprint.
const Figure8Scale = 1.5

// Figure8 returns the 1:2 Lissajous figure x = s'·sin t, y = s'·sin t·cos t
// with s' = s / Figure8Scale.
func Figure8(s, t float64) Point {
	scaled := s / Figure8Scale
	return Point{X: scaled * math.Sin(t), Y: scaled * math.Sin(t) * math.Cos(t)}
}

// Spiral returns sample i of n on an Archimedean spiral that grows from the
// origin to radius s over the given number of turns, and its heading.
func Spiral(s float64, turns float64, i, n int) (Point, float64) {
	frac := float64(i) / float64(n)
	theta := turns * 2 * math.Pi * frac
	r := s * frac
	return Point{X: r * math.Cos(theta), Y: r * math.Sin(theta)}, Degrees(theta + math.Pi/2)
}

// Bearing returns the heading from a to b. ok is false when the displacement
// on both axes is within NoiseThreshold, in which case the caller supplies
// its own fallback.
func Bearing(a, b Point) (heading float64, ok bool) {
	d := b.Sub(a)
	if math.Abs(d.X) <= NoiseThreshold && math.Abs(d.Y) <= NoiseThreshold {
		return 0, false
	}
	return Degrees(math.Atan2(d.Y, d.X)), true
}

// Degrees converts radians to a heading in [0, 360).
func Degrees(rad float64) float64 {
	return Normalize(rad * 180 / math.Pi)
}

// Normalize wraps a heading in degrees into [0, 360).
func Normalize(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	// math.Mod of a tiny negative can round back up to exactly 360.
	if deg >= 360 {
		deg -= 360
	}
	return deg
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}
