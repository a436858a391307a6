package types

// PixelRect represents a rectangle in pixel coordinates.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the pixel area of the rectangle.
func (r *PixelRect) Area() int {
	return r.Width * r.Height
}

// AspectRatio returns width/height, or 0 for a degenerate rectangle.
func (r *PixelRect) AspectRatio() float64 {
	if r.Height == 0 {
		return 0
	}
	return float64(r.Width) / float64(r.Height)
}

// Center returns the center point of the rectangle.
func (r *PixelRect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Clamp ensures the rectangle is within the given frame dimensions.
func (r *PixelRect) Clamp(frameWidth, frameHeight int) {
	if r.X < 0 {
		r.X = 0
	}
	if r.Y < 0 {
		r.Y = 0
	}
	if r.X+r.Width > frameWidth {
		r.Width = frameWidth - r.X
	}
	if r.Y+r.Height > frameHeight {
		r.Height = frameHeight - r.Y
	}
}

// Point is a pixel coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Polygon is a closed polygon in pixel coordinates.
type Polygon []Point

// Contains reports whether p lies inside the polygon using the ray-casting
// rule. Points exactly on an edge count as inside.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			xCross := float64(pj.X-pi.X)*float64(p.Y-pi.Y)/float64(pj.Y-pi.Y) + float64(pi.X)
			if float64(p.X) < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// BoundingBox returns the axis-aligned bounding box of the polygon.
func (poly Polygon) BoundingBox() PixelRect {
	if len(poly) == 0 {
		return PixelRect{}
	}
	minX, minY := poly[0].X, poly[0].Y
	maxX, maxY := poly[0].X, poly[0].Y
	for _, p := range poly[1:] {
		if p.X < minX {
			minX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y > maxY {
			maxY = p.Y
		}
	}
	return PixelRect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}
