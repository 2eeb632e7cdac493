package rpn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
)

// Output is the raw RPN prediction for one image, aligned with Grid.
type Output struct {
	// Objectness scores in [0,1]. (Rows, Cols, A)
	Objectness *tensor.Dense
	// Regression deltas scaled by std scaling. (Rows, Cols, 4A)
	Regression *tensor.Dense
}

// DecodeOptions controls proposal decoding.
type DecodeOptions struct {
	// OverlapThreshold is the NMS IoU threshold.
	OverlapThreshold float32
	// MaxBoxes caps the number of proposals returned.
	MaxBoxes int
	// UseRegression applies the predicted deltas to the anchors. When false
	// the raw anchors are proposed.
	UseRegression bool
}

// DefaultDecodeOptions reads the proposal settings from cfg.
func DefaultDecodeOptions(cfg *config.Config) DecodeOptions {
	return DecodeOptions{
		OverlapThreshold: cfg.ProposalOverlap,
		MaxBoxes:         cfg.ProposalMaxBoxes,
		UseRegression:    true,
	}
}

// Decode converts RPN output into at most opts.MaxBoxes proposals in
// resized-image coordinates, ordered by descending objectness.
//
// Every anchor is decoded with its delta, clipped to the image and dropped
// when the result has no area. Survivors go through greedy NMS.
func Decode(cfg *config.Config, grid *Grid, out *Output, opts DecodeOptions) ([]postprocess.Result, error) {
	if out == nil || out.Objectness == nil || out.Regression == nil {
		return nil, errors.New("rpn: decode of empty output")
	}

	scores, err := float32Data(out.Objectness)
	if err != nil {
		return nil, errors.Wrap(err, "rpn: objectness")
	}
	regr, err := float32Data(out.Regression)
	if err != nil {
		return nil, errors.Wrap(err, "rpn: regression")
	}

	n := grid.Len()
	if len(scores) != n {
		return nil, errors.Errorf("rpn: objectness has %d values, grid has %d anchors", len(scores), n)
	}
	if len(regr) != 4*n {
		return nil, errors.Errorf("rpn: regression has %d values, grid needs %d", len(regr), 4*n)
	}

	width := float32(grid.Width)
	height := float32(grid.Height)
	inv := 1 / cfg.StdScaling

	candidates := make([]postprocess.Result, 0, n)
	for idx := 0; idx < n; idx++ {
		anchor := grid.AnchorAt(idx)
		if !anchor.Valid() {
			continue
		}

		box := anchor
		if opts.UseRegression {
			d := images.Deltas{TX: regr[4*idx], TY: regr[4*idx+1], TW: regr[4*idx+2], TH: regr[4*idx+3]}
			decoded, ok := images.DecodeDeltas(anchor, d.Scale(inv, inv, inv, inv))
			if !ok {
				continue
			}
			box = decoded
		}

		box = box.Clip(width, height)
		if !box.Valid() {
			continue
		}

		candidates = append(candidates, postprocess.Result{
			Box:   box,
			Score: scores[idx],
			Class: -1,
			Index: idx,
		})
	}

	postprocess.SortByScore(candidates)

	return postprocess.ApplyGreedyNMS(candidates, &postprocess.NMSConfig{
		IoUThreshold: opts.OverlapThreshold,
		MaxBoxes:     opts.MaxBoxes,
	}), nil
}

func float32Data(t *tensor.Dense) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	return data, nil
}
