package layout

import (
	"errors"
	"math"
)

// ErrZeroArea is returned when an overlap ratio is requested for a box with
// no area.
var ErrZeroArea = errors.New("layout: zero-area box")

const epsilon = 0.01

// Rect is an axis-aligned box in points with the origin at the top-left
// corner of the slide.
type Rect struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	W float64 `json:"w" yaml:"w"`
	H float64 `json:"h" yaml:"h"`
}

func (r Rect) Right() float64  { return r.X + r.W }
func (r Rect) Bottom() float64 { return r.Y + r.H }
func (r Rect) Area() float64   { return r.W * r.H }

// Empty reports whether r has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersect returns the intersection of r and o, or the zero Rect.
func (r Rect) Intersect(o Rect) Rect {
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.Right(), o.Right())
	y1 := math.Min(r.Bottom(), o.Bottom())
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Contains reports whether o lies entirely inside r.
func (r Rect) Contains(o Rect) bool {
	return o.X >= r.X-epsilon && o.Y >= r.Y-epsilon &&
		o.Right() <= r.Right()+epsilon && o.Bottom() <= r.Bottom()+epsilon
}

// Overlaps reports whether r and o share any area.
func (r Rect) Overlaps(o Rect) bool {
	return !r.Intersect(o).Empty()
}

// Inset shrinks r by in. Width and height never go negative.
func (r Rect) Inset(in Insets) Rect {
	out := Rect{
		X: r.X + in.Left,
		Y: r.Y + in.Top,
		W: r.W - in.Left - in.Right,
		H: r.H - in.Top - in.Bottom,
	}
	out.W = math.Max(out.W, 0)
	out.H = math.Max(out.H, 0)
	return out
}

// Translate moves r by (dx, dy).
func (r Rect) Translate(dx, dy float64) Rect {
	r.X += dx
	r.Y += dy
	return r
}

// ClampInto moves r so it lies inside bounds, shrinking it only when it is
// larger than bounds.
func (r Rect) ClampInto(bounds Rect) Rect {
	r.W = math.Min(r.W, bounds.W)
	r.H = math.Min(r.H, bounds.H)
	if r.X < bounds.X {
		r.X = bounds.X
	}
	if r.Y < bounds.Y {
		r.Y = bounds.Y
	}
	if r.Right() > bounds.Right() {
		r.X = bounds.Right() - r.W
	}
	if r.Bottom() > bounds.Bottom() {
		r.Y = bounds.Bottom() - r.H
	}
	return r
}

// Insets are per-edge distances in points.
type Insets struct {
	Top    float64 `json:"top" yaml:"top"`
	Right  float64 `json:"right" yaml:"right"`
	Bottom float64 `json:"bottom" yaml:"bottom"`
	Left   float64 `json:"left" yaml:"left"`
}

// Uniform returns insets of v on every edge.
func Uniform(v float64) Insets {
	return Insets{Top: v, Right: v, Bottom: v, Left: v}
}

// Scale multiplies every edge by f.
func (in Insets) Scale(f float64) Insets {
	return Insets{Top: in.Top * f, Right: in.Right * f, Bottom: in.Bottom * f, Left: in.Left * f}
}

// OverlapRatio returns the intersection area divided by the smaller of the
// two areas. The result is symmetric and lies in [0, 1].
func OverlapRatio(a, b Rect) (float64, error) {
	if a.Empty() || b.Empty() {
		return 0, ErrZeroArea
	}
	inter := a.Intersect(b).Area()
	if inter == 0 {
		return 0, nil
	}
	ratio := inter / math.Min(a.Area(), b.Area())
	return math.Min(ratio, 1), nil
}
