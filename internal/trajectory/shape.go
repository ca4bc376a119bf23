package trajectory

import (
	"fmt"
	"math"
	"strings"
)

// Shape identifies one of the fixed flight patterns.
type Shape int

const (
	ShapeSquare Shape = iota + 1
	ShapeTriangle
	ShapeCircle
	ShapeStar
	ShapeInfinity
	ShapeHeart
	ShapeSpiral
	ShapeFigure8
)

var shapeNames = map[Shape]string{
	ShapeSquare:   "square",
	ShapeTriangle: "triangle",
	ShapeCircle:   "circle",
	ShapeStar:     "star",
	ShapeInfinity: "infinity",
	ShapeHeart:    "heart",
	ShapeSpiral:   "spiral",
	ShapeFigure8:  "figure8",
}

// Shapes returns every supported shape in catalogue order.
func Shapes() []Shape {
	return []Shape{
		ShapeSquare, ShapeTriangle, ShapeCircle, ShapeStar,
		ShapeInfinity, ShapeHeart, ShapeSpiral, ShapeFigure8,
	}
}

func (s Shape) String() string {
	if name, ok := shapeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Shape(%d)", int(s))
}

// MarshalText encodes the shape as its identifier.
func (s Shape) MarshalText() ([]byte, error) {
	if _, ok := shapeNames[s]; !ok {
		return nil, fmt.Errorf("unknown shape %d", int(s))
	}
	return []byte(s.String()), nil
}

// ParseShape maps a pattern identifier to a Shape. Matching is
// case-insensitive and ignores surrounding whitespace.
func ParseShape(name string) (Shape, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for shape, n := range shapeNames {
		if n == key {
			return shape, nil
		}
	}
	return 0, &ValidationError{Field: "shape", Reason: fmt.Sprintf("unknown shape %q", name)}
}

// ValidationError reports a pattern request that can never be flown.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Request defaults used when the operator omits a field.
const (
	DefaultSize   = 5.0
	DefaultHeight = 5.0
	DefaultSpeed  = 0.5
)

// MaxSteps caps the curve sample count. At the 10 Hz streaming rate it is
// already far beyond a battery's worth of flight.
const MaxSteps = 10000

// Request is a validated pattern request. Altitude is stored the way the
// vehicle's NED frame wants it: negative is up.
type Request struct {
	Shape    Shape
	Size     float64
	Altitude float64
	Speed    float64
	Steps    int
}

// NewRequest validates the operator's parameters and builds a Request.
// height may be given either sign; it is always stored as negative-up.
func NewRequest(shape string, size, height, speed float64, steps int) (Request, error) {
	s, err := ParseShape(shape)
	if err != nil {
		return Request{}, err
	}
	r := Request{
		Shape:    s,
		Size:     size,
		Altitude: -math.Abs(height),
		Speed:    speed,
		Steps:    steps,
	}
	if err := r.Validate(); err != nil {
		return Request{}, err
	}
	return r, nil
}

// Validate checks the request's numeric ranges.
func (r Request) Validate() error {
	if _, ok := shapeNames[r.Shape]; !ok {
		return &ValidationError{Field: "shape", Reason: fmt.Sprintf("unknown shape %d", int(r.Shape))}
	}
	if math.IsNaN(r.Size) || math.IsInf(r.Size, 0) || r.Size <= 0 {
		return &ValidationError{Field: "size", Reason: fmt.Sprintf("must be positive, got %v", r.Size)}
	}
	if math.IsNaN(r.Speed) || math.IsInf(r.Speed, 0) || r.Speed <= 0 {
		return &ValidationError{Field: "speed", Reason: fmt.Sprintf("must be positive, got %v", r.Speed)}
	}
	if math.IsNaN(r.Altitude) || math.IsInf(r.Altitude, 0) || r.Altitude > 0 {
		return &ValidationError{Field: "height", Reason: fmt.Sprintf("must be a finite negative-up altitude, got %v", r.Altitude)}
	}
	if r.Steps < 0 || r.Steps > MaxSteps {
		return &ValidationError{Field: "steps", Reason: fmt.Sprintf("must be between 0 and %d, got %d", MaxSteps, r.Steps)}
	}
	return nil
}

// Height returns the positive height above the offboard origin.
func (r Request) Height() float64 {
	return -r.Altitude
}
