// Package rpn builds region proposal network targets from ground truth and
// turns network outputs back into proposals.
//
// Both directions go through Grid, which owns the mapping between a
// (row, col, anchor) position on the feature map, its flat tensor index and
// its box in resized-image coordinates.
package rpn

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
)

// AnchorShape is the pixel size of one anchor (scale x ratio).
type AnchorShape struct {
	W, H float32
}

// Grid is the anchor layout of one resized image.
//
// Tensors aligned with the grid have shape (Rows, Cols, A) for per-anchor
// values and (Rows, Cols, 4A) for regression values, where A = len(Shapes).
type Grid struct {
	Rows, Cols    int
	Width, Height int
	Stride        int
	Shapes        []AnchorShape
}

// NewGrid lays anchors out over a width x height resized image.
//
// Shapes are ordered scale-major: the shape of (scale s, ratio r) sits at
// r + len(ratios)*s.
func NewGrid(cfg *config.Config, width, height int) (*Grid, error) {
	if cfg.RPNStride < 1 {
		return nil, errors.Errorf("grid: invalid stride %d", cfg.RPNStride)
	}
	if len(cfg.AnchorBoxScales) == 0 || len(cfg.AnchorBoxRatios) == 0 {
		return nil, errors.New("grid: no anchor scales or ratios")
	}

	g := &Grid{
		Rows:   images.GridSize(height, cfg.RPNStride),
		Cols:   images.GridSize(width, cfg.RPNStride),
		Width:  width,
		Height: height,
		Stride: cfg.RPNStride,
		Shapes: make([]AnchorShape, 0, cfg.NumAnchors()),
	}
	for _, scale := range cfg.AnchorBoxScales {
		for _, ratio := range cfg.AnchorBoxRatios {
			g.Shapes = append(g.Shapes, AnchorShape{W: scale * ratio.W, H: scale * ratio.H})
		}
	}

	if g.Rows == 0 || g.Cols == 0 {
		return nil, errors.Errorf("grid: %dx%d image is smaller than stride %d", width, height, cfg.RPNStride)
	}

	return g, nil
}

// ShapeIndex returns the position of (scale, ratio) within a cell.
func ShapeIndex(scaleIdx, ratioIdx, numRatios int) int {
	return ratioIdx + numRatios*scaleIdx
}

// NumAnchors is the number of anchors per cell.
func (g *Grid) NumAnchors() int { return len(g.Shapes) }

// Len is the total number of anchors on the grid.
func (g *Grid) Len() int { return g.Rows * g.Cols * len(g.Shapes) }

// Index maps (row, col, anchor) to the flat index used by every grid-aligned
// tensor. The regression values of the anchor live at 4*Index .. 4*Index+3.
func (g *Grid) Index(row, col, anchor int) int {
	return (row*g.Cols+col)*len(g.Shapes) + anchor
}

// Position is the inverse of Index.
func (g *Grid) Position(idx int) (row, col, anchor int) {
	a := len(g.Shapes)
	anchor = idx % a
	cell := idx / a
	return cell / g.Cols, cell % g.Cols, anchor
}

// Anchor returns the box of (row, col, anchor) in resized-image coordinates.
func (g *Grid) Anchor(row, col, anchor int) images.Rect {
	s := g.Shapes[anchor]
	cx := images.FromGrid(col, g.Stride)
	cy := images.FromGrid(row, g.Stride)
	return images.Rect{
		X1: cx - s.W/2,
		Y1: cy - s.H/2,
		X2: cx + s.W/2,
		Y2: cy + s.H/2,
	}
}

// AnchorAt returns the box of the anchor at flat index idx.
func (g *Grid) AnchorAt(idx int) images.Rect {
	return g.Anchor(g.Position(idx))
}

// Inside reports whether the anchor at idx lies entirely within the image.
func (g *Grid) Inside(idx int) bool {
	return g.AnchorAt(idx).Inside(float32(g.Width), float32(g.Height))
}
