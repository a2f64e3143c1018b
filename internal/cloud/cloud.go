package cloud

import "fmt"

// Color is an 8-bit RGB triple attached to a point.
type Color struct {
	R, G, B uint8
}

// PointCloud is an ordered set of points with optional parallel
// normals and colors and a single scalar intensity. If Normals or
// Colors is non-empty its length must equal len(Points).
type PointCloud struct {
	Points    []Point
	Normals   []Point
	Colors    []Color
	Intensity float64
}

// New returns an empty cloud with capacity for n points.
func New(n int) *PointCloud {
	return &PointCloud{Points: make([]Point, 0, n)}
}

// Size returns the number of points.
func (c *PointCloud) Size() int { return len(c.Points) }

// Empty reports whether the cloud has no points.
func (c *PointCloud) Empty() bool { return len(c.Points) == 0 }

// Clear removes all points, normals and colors, keeping capacity.
func (c *PointCloud) Clear() {
	c.Points = c.Points[:0]
	c.Normals = c.Normals[:0]
	c.Colors = c.Colors[:0]
	c.Intensity = 0
}

// Reserve grows the point slice capacity to at least n.
func (c *PointCloud) Reserve(n int) {
	if cap(c.Points) < n {
		pts := make([]Point, len(c.Points), n)
		copy(pts, c.Points)
		c.Points = pts
	}
}

// Append adds a single point. Normals and colors, if present, fall out
// of sync and must be appended by the caller.
func (c *PointCloud) Append(p Point) {
	c.Points = append(c.Points, p)
}

// AppendCloud concatenates other onto c. Normals and colors survive
// only when both sides carry them for every point; otherwise the
// attribute is dropped so the parallel-length invariant holds.
func (c *PointCloud) AppendCloud(other *PointCloud) {
	keepNormals := len(c.Normals) == len(c.Points) && len(other.Normals) == len(other.Points)
	keepColors := len(c.Colors) == len(c.Points) && len(other.Colors) == len(other.Points)

	c.Points = append(c.Points, other.Points...)
	if keepNormals {
		c.Normals = append(c.Normals, other.Normals...)
	} else {
		c.Normals = nil
	}
	if keepColors {
		c.Colors = append(c.Colors, other.Colors...)
	} else {
		c.Colors = nil
	}
}

// HasNormals reports whether every point has a normal.
func (c *PointCloud) HasNormals() bool {
	return !c.Empty() && len(c.Normals) == len(c.Points)
}

// Clone returns a deep copy of the cloud.
func (c *PointCloud) Clone() *PointCloud {
	out := &PointCloud{
		Points:    append([]Point(nil), c.Points...),
		Intensity: c.Intensity,
	}
	if len(c.Normals) > 0 {
		out.Normals = append([]Point(nil), c.Normals...)
	}
	if len(c.Colors) > 0 {
		out.Colors = append([]Color(nil), c.Colors...)
	}
	return out
}

// Validate checks the cloud invariants: non-empty when required,
// parallel sequence lengths, finite coordinates.
func (c *PointCloud) Validate(requirePoints bool) error {
	if requirePoints && c.Empty() {
		return fmt.Errorf("cloud has no points: %w", ErrInvalidInput)
	}
	if len(c.Normals) != 0 && len(c.Normals) != len(c.Points) {
		return fmt.Errorf("normals length %d != points length %d: %w",
			len(c.Normals), len(c.Points), ErrInvalidInput)
	}
	if len(c.Colors) != 0 && len(c.Colors) != len(c.Points) {
		return fmt.Errorf("colors length %d != points length %d: %w",
			len(c.Colors), len(c.Points), ErrInvalidInput)
	}
	for i, p := range c.Points {
		if !p.IsFinite() {
			return fmt.Errorf("non-finite coordinate at point %d: %w", i, ErrInvalidInput)
		}
	}
	return nil
}

// Transformed returns a new cloud with t applied to every point and,
// when present, the rotation part applied to every normal.
func (c *PointCloud) Transformed(t Transform) *PointCloud {
	out := &PointCloud{
		Points:    make([]Point, len(c.Points)),
		Intensity: c.Intensity,
	}
	for i, p := range c.Points {
		out.Points[i] = t.Apply(p)
	}
	if c.HasNormals() {
		out.Normals = make([]Point, len(c.Normals))
		for i, n := range c.Normals {
			out.Normals[i] = t.Rotate(n)
		}
	}
	if len(c.Colors) > 0 {
		out.Colors = append([]Color(nil), c.Colors...)
	}
	return out
}
