// Package roi matches region proposals against ground truth and samples the
// regions the classifier head trains on.
package roi

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/dataset"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
)

// ErrNoUsableROIs is returned when no proposal overlaps the ground truth
// enough to be used in this step.
var ErrNoUsableROIs = errors.New("roi: no usable proposals")

// Target is the classifier target of one proposal.
type Target struct {
	// Box is the proposal in resized-image coordinates.
	Box images.Rect
	// IoU is the best overlap with any ground-truth box.
	IoU float32
	// Class is the assigned class name; background for negatives.
	Class string
	// ClassIndex is the index of Class in the class mapping.
	ClassIndex int
	// ClassOneHot has one entry per class, background included.
	ClassOneHot []float32
	// RegressionTargets holds 4 scaled deltas per foreground class. Only the
	// slot of ClassIndex is filled.
	RegressionTargets []float32
	// RegressionLabels is 1 on the filled slot of RegressionTargets.
	RegressionLabels []float32
}

// Positive reports whether the proposal matched a foreground object.
func (t Target) Positive() bool {
	return t.Class != config.BackgroundClass
}

// Assignment holds the usable proposals of one step.
type Assignment struct {
	Targets []Target
	// Positive and Negative index into Targets.
	Positive []int
	Negative []int
	// NumClasses is the number of classes, background included.
	NumClasses int
}

// Assign labels every proposal by its best IoU against gt.
//
// Proposals below ClassifierMinOverlap are dropped, those below
// ClassifierMaxOverlap become background and the rest take the class of the
// matched object along with deltas scaled by ClassifierRegrStd. Boxes of both
// proposals and gt are in resized-image coordinates. ErrNoUsableROIs is
// returned when nothing survives.
func Assign(
	cfg *config.Config,
	proposals []postprocess.Result,
	gt []dataset.Object,
	mapping map[string]int,
) (*Assignment, error) {
	bg, ok := mapping[config.BackgroundClass]
	if !ok {
		return nil, errors.New("roi: class mapping has no background class")
	}
	numClasses := len(mapping)
	numFG := numClasses - 1
	if bg != numFG {
		return nil, errors.Errorf("roi: background class must be last, got index %d of %d", bg, numClasses)
	}

	out := &Assignment{NumClasses: numClasses}

	for _, p := range proposals {
		var best float32
		bestGT := -1
		for g, o := range gt {
			if o.Class == config.BackgroundClass {
				continue
			}
			if iou := images.CalculateIoU(p.Box, o.Box); iou > best {
				best = iou
				bestGT = g
			}
		}

		if bestGT < 0 || best < cfg.ClassifierMinOverlap {
			continue
		}

		t := Target{
			Box:               p.Box,
			IoU:               best,
			ClassOneHot:       make([]float32, numClasses),
			RegressionTargets: make([]float32, 4*numFG),
			RegressionLabels:  make([]float32, 4*numFG),
		}

		if best < cfg.ClassifierMaxOverlap {
			t.Class = config.BackgroundClass
			t.ClassIndex = bg
		} else {
			obj := gt[bestGT]
			idx, ok := mapping[obj.Class]
			if !ok {
				return nil, errors.Errorf("roi: class %q missing from class mapping", obj.Class)
			}
			t.Class = obj.Class
			t.ClassIndex = idx

			std := cfg.ClassifierRegrStd
			d := images.EncodeDeltas(p.Box, obj.Box).Scale(std[0], std[1], std[2], std[3])
			copy(t.RegressionTargets[4*idx:], d.Slice())
			for k := 0; k < 4; k++ {
				t.RegressionLabels[4*idx+k] = 1
			}
		}
		t.ClassOneHot[t.ClassIndex] = 1

		if t.Positive() {
			out.Positive = append(out.Positive, len(out.Targets))
		} else {
			out.Negative = append(out.Negative, len(out.Targets))
		}
		out.Targets = append(out.Targets, t)
	}

	if len(out.Targets) == 0 {
		return nil, ErrNoUsableROIs
	}

	return out, nil
}

// Batch is the classifier input and target tensors for a set of selected
// proposals. Rows follow the selection order.
type Batch struct {
	// ROIs are the selected proposals in resized-image coordinates.
	ROIs []images.Rect
	// Classes is the one-hot class target. (R, NumClasses)
	Classes *tensor.Dense
	// RegressionTargets are the scaled deltas. (R, 4*(NumClasses-1))
	RegressionTargets *tensor.Dense
	// RegressionLabels mask RegressionTargets. (R, 4*(NumClasses-1))
	RegressionLabels *tensor.Dense
	// NumPositive is the number of selected foreground rows.
	NumPositive int
}

// Batch gathers the targets at the selected indices. Indices may repeat.
func (a *Assignment) Batch(selected []int) *Batch {
	r := len(selected)
	k := a.NumClasses
	f := 4 * (a.NumClasses - 1)

	b := &Batch{ROIs: make([]images.Rect, r)}
	classes := make([]float32, r*k)
	targets := make([]float32, r*f)
	labels := make([]float32, r*f)

	for row, idx := range selected {
		t := a.Targets[idx]
		b.ROIs[row] = t.Box
		copy(classes[row*k:], t.ClassOneHot)
		copy(targets[row*f:], t.RegressionTargets)
		copy(labels[row*f:], t.RegressionLabels)
		if t.Positive() {
			b.NumPositive++
		}
	}

	b.Classes = tensor.New(tensor.WithShape(r, k), tensor.WithBacking(classes))
	b.RegressionTargets = tensor.New(tensor.WithShape(r, f), tensor.WithBacking(targets))
	b.RegressionLabels = tensor.New(tensor.WithShape(r, f), tensor.WithBacking(labels))

	return b
}
