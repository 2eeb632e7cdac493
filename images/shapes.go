// Package images - Box geometry and image transforms for the detection pipeline.
package images

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Rect is an axis-aligned box in (x1,y1,x2,y2) pixel coordinates.
//
// Coordinates are float32 so that boxes survive resizing, flipping and
// regression decoding without rounding. X2,Y2 are exclusive.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// XYWH is the center form of a box.
type XYWH struct {
	X, Y, W, H float32
}

// Width of the box. Negative when the box is inverted.
func (r Rect) Width() float32 { return r.X2 - r.X1 }

// Height of the box. Negative when the box is inverted.
func (r Rect) Height() float32 { return r.Y2 - r.Y1 }

// Area returns the box area, or 0 when the box is degenerate.
func (r Rect) Area() float32 {
	if !r.Valid() {
		return 0
	}
	return r.Width() * r.Height()
}

// Valid reports whether the box has a strictly positive width and height.
func (r Rect) Valid() bool {
	return r.X2 > r.X1 && r.Y2 > r.Y1
}

// IoU is shorthand for CalculateIoU(r, o).
func (r Rect) IoU(o Rect) float32 { return CalculateIoU(r, o) }

// ToXYWH converts the box to center form.
func (r Rect) ToXYWH() XYWH {
	w := r.Width()
	h := r.Height()
	return XYWH{X: r.X1 + w/2, Y: r.Y1 + h/2, W: w, H: h}
}

// FromXYWH converts a center-form box back to corner form.
func FromXYWH(b XYWH) Rect {
	return Rect{
		X1: b.X - b.W/2,
		Y1: b.Y - b.H/2,
		X2: b.X + b.W/2,
		Y2: b.Y + b.H/2,
	}
}

// Scale multiplies the x coordinates by fx and the y coordinates by fy.
func (r Rect) Scale(fx, fy float32) Rect {
	return Rect{X1: r.X1 * fx, Y1: r.Y1 * fy, X2: r.X2 * fx, Y2: r.Y2 * fy}
}

// Clip restricts the box to [0,width]x[0,height]. The result may be invalid
// when the box lies entirely outside the frame.
func (r Rect) Clip(width, height float32) Rect {
	return Rect{
		X1: math32.Min(math32.Max(r.X1, 0), width),
		Y1: math32.Min(math32.Max(r.Y1, 0), height),
		X2: math32.Min(math32.Max(r.X2, 0), width),
		Y2: math32.Min(math32.Max(r.Y2, 0), height),
	}
}

// Inside reports whether the box lies entirely within [0,width]x[0,height].
func (r Rect) Inside(width, height float32) bool {
	return r.X1 >= 0 && r.Y1 >= 0 && r.X2 <= width && r.Y2 <= height
}

// String implements fmt.Stringer.
func (r Rect) String() string {
	return fmt.Sprintf("(%.1f,%.1f)-(%.1f,%.1f)", r.X1, r.Y1, r.X2, r.Y2)
}

// CalculateIoU measures how much two boxes overlap: the area of their
// intersection divided by the area of their union.
//
//	IoU = Area of Intersection / Area of Union
//
// A value of 1.0 means the boxes are identical. A value of 0.0 means the boxes
// do not overlap or at least one of them is degenerate.
//
// The intersection corner (ix1, iy1) is the maximum of the two top-left
// corners and (ix2, iy2) the minimum of the two bottom-right corners. When the
// resulting width or height is zero or negative there is no overlap and 0 is
// returned before any division. The union follows inclusion-exclusion:
//
//	Area(Union) = Area(A) + Area(B) - Area(Intersection)
//
// Arguments:
//   - r: The first box.
//   - o: The other box to compare against.
//
// Returns:
//   - float32: A value in [0, 1]. Never NaN.
//
// Example Usage:
// ```go
//
//	a := Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}
//	b := Rect{X1: 5, Y1: 5, X2: 15, Y2: 15}
//
//	iou := CalculateIoU(a, b) // 25 / (100 + 100 - 25) = 0.142857
//
// ```
func CalculateIoU(r, o Rect) float32 {
	if !r.Valid() || !o.Valid() {
		return 0
	}

	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0
	}

	return interArea / unionArea
}
