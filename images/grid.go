package images

// ToGrid maps a pixel coordinate onto the feature-map grid of the given stride.
func ToGrid(v float32, stride int) float32 {
	return v / float32(stride)
}

// FromGrid maps a feature-map cell index to the pixel coordinate of the cell
// centre.
func FromGrid(cell int, stride int) float32 {
	return (float32(cell) + 0.5) * float32(stride)
}

// GridSize returns the number of feature-map cells covering a side of the given
// pixel length.
func GridSize(pixels, stride int) int {
	if stride <= 0 {
		return 0
	}
	return pixels / stride
}
