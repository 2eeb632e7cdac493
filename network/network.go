// Package network defines the trainable detector the pipeline drives. The
// pipeline only depends on these contracts; implementations live in
// sub-packages.
package network

import (
	"io"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/roi"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// RPNLosses are the losses of one region proposal training step.
type RPNLosses struct {
	Class      float32
	Regression float32
}

// Total is the sum of both losses.
func (l RPNLosses) Total() float32 { return l.Class + l.Regression }

// ClassifierLosses are the losses of one classifier training step.
type ClassifierLosses struct {
	Class      float32
	Regression float32
	// Accuracy is the share of ROIs whose arg-max class matched the target.
	Accuracy float32
}

// Total is the sum of both losses.
func (l ClassifierLosses) Total() float32 { return l.Class + l.Regression }

// Backbone maps a normalised (3, H, W) image onto a (Rows, Cols, Channels)
// feature map aligned with the anchor grid.
type Backbone interface {
	Features(img *tensor.Dense, grid *rpn.Grid) (*tensor.Dense, error)
	Channels() int
}

// Detector is the two-headed network trained by the pipeline.
//
// TrainRPN and TrainClassifier run one optimisation step and return the
// losses measured before the update. PredictRPN returns the raw outputs for
// the current weights.
type Detector interface {
	TrainRPN(img *tensor.Dense, grid *rpn.Grid, targets *rpn.Targets) (RPNLosses, error)
	PredictRPN(img *tensor.Dense, grid *rpn.Grid) (*rpn.Output, error)
	TrainClassifier(img *tensor.Dense, grid *rpn.Grid, batch *roi.Batch) (ClassifierLosses, error)
	Save(w io.Writer) error
	Load(r io.Reader) error
}
