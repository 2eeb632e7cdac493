package rpn

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
)

var (
	// ErrNoValidAnchors is returned when no anchor lies inside the image.
	ErrNoValidAnchors = errors.New("rpn: no anchor lies inside the image")
	// ErrNoSamples is returned when neither positive nor negative anchors exist.
	ErrNoSamples = errors.New("rpn: no positive or negative anchors")
)

// Label is the objectness assignment of one anchor.
type Label int8

const (
	// Neutral anchors are excluded from the loss.
	Neutral Label = iota
	Negative
	Positive
)

func (l Label) String() string {
	switch l {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	default:
		return "neutral"
	}
}

// Targets are the RPN training targets of one image, aligned with Grid.
type Targets struct {
	Grid *Grid
	// Objectness is 1 for positive anchors and 0 elsewhere. (Rows, Cols, A)
	Objectness *tensor.Dense
	// Valid is 1 for anchors that contribute to the objectness loss. (Rows, Cols, A)
	Valid *tensor.Dense
	// Regression holds the scaled deltas of positive anchors. (Rows, Cols, 4A)
	Regression *tensor.Dense
	// RegressionMask is 1 on the four entries of every positive anchor. (Rows, Cols, 4A)
	RegressionMask *tensor.Dense

	NumPositive int
	NumNegative int
}

// Label returns the sampled assignment of the anchor at flat index idx.
func (t *Targets) Label(idx int) Label {
	if t.Valid.Data().([]float32)[idx] == 0 {
		return Neutral
	}
	if t.Objectness.Data().([]float32)[idx] == 1 {
		return Positive
	}
	return Negative
}

// Deltas returns the regression target of the anchor at idx, undoing the
// std scaling.
func (t *Targets) Deltas(idx int, stdScaling float32) images.Deltas {
	r := t.Regression.Data().([]float32)[4*idx : 4*idx+4]
	return images.Deltas{TX: r[0], TY: r[1], TW: r[2], TH: r[3]}.Scale(
		1/stdScaling, 1/stdScaling, 1/stdScaling, 1/stdScaling)
}

// Encode assigns every anchor of grid a label against the ground-truth
// boxes gt (resized-image coordinates) and samples the anchors that
// contribute to the loss.
//
// Anchors crossing the image border stay neutral. An anchor is positive when
// its best IoU reaches RPNMaxOverlap, negative when it stays below
// RPNMinOverlap and neutral otherwise. The anchor with the highest IoU for
// each ground-truth box is positive even below the threshold. At most
// RPNPositiveFraction of RPNSampleBudget anchors stay positive, and negatives
// fill the rest of the budget; the surplus is dropped at random.
//
// ErrNoValidAnchors and ErrNoSamples mark an image that cannot be trained on.
func Encode(cfg *config.Config, grid *Grid, gt []images.Rect, rng *rand.Rand) (*Targets, error) {
	n := grid.Len()

	labels := make([]Label, n)
	matched := make([]int, n)

	bestIoUForGT := make([]float32, len(gt))
	bestAnchorForGT := make([]int, len(gt))
	for g := range bestAnchorForGT {
		bestAnchorForGT[g] = -1
	}

	inside := 0
	for idx := 0; idx < n; idx++ {
		matched[idx] = -1
		if !grid.Inside(idx) {
			continue
		}
		inside++

		anchor := grid.AnchorAt(idx)
		var best float32
		bestGT := -1
		for g, box := range gt {
			iou := images.CalculateIoU(anchor, box)
			if iou > best {
				best = iou
				bestGT = g
			}
			if iou > bestIoUForGT[g] {
				bestIoUForGT[g] = iou
				bestAnchorForGT[g] = idx
			}
		}

		switch {
		case bestGT >= 0 && best >= cfg.RPNMaxOverlap:
			labels[idx] = Positive
			matched[idx] = bestGT
		case best < cfg.RPNMinOverlap:
			labels[idx] = Negative
		default:
			labels[idx] = Neutral
		}
	}

	if inside == 0 {
		return nil, ErrNoValidAnchors
	}

	// Every ground-truth box with any overlap keeps at least one positive.
	for g, idx := range bestAnchorForGT {
		if idx < 0 || labels[idx] == Positive {
			continue
		}
		labels[idx] = Positive
		matched[idx] = g
	}

	var pos, neg []int
	for idx, l := range labels {
		switch l {
		case Positive:
			pos = append(pos, idx)
		case Negative:
			neg = append(neg, idx)
		}
	}

	posCap := int(float32(cfg.RPNSampleBudget) * cfg.RPNPositiveFraction)
	pos = dropRandom(labels, pos, posCap, rng)
	neg = dropRandom(labels, neg, cfg.RPNSampleBudget-len(pos), rng)

	if len(pos)+len(neg) == 0 {
		return nil, ErrNoSamples
	}

	objectness := make([]float32, n)
	valid := make([]float32, n)
	regression := make([]float32, 4*n)
	mask := make([]float32, 4*n)

	for _, idx := range neg {
		valid[idx] = 1
	}
	for _, idx := range pos {
		valid[idx] = 1
		objectness[idx] = 1

		d := images.EncodeDeltas(grid.AnchorAt(idx), gt[matched[idx]]).
			Scale(cfg.StdScaling, cfg.StdScaling, cfg.StdScaling, cfg.StdScaling)
		copy(regression[4*idx:], d.Slice())
		for k := 0; k < 4; k++ {
			mask[4*idx+k] = 1
		}
	}

	a := grid.NumAnchors()
	return &Targets{
		Grid:           grid,
		Objectness:     gridTensor(grid.Rows, grid.Cols, a, objectness),
		Valid:          gridTensor(grid.Rows, grid.Cols, a, valid),
		Regression:     gridTensor(grid.Rows, grid.Cols, 4*a, regression),
		RegressionMask: gridTensor(grid.Rows, grid.Cols, 4*a, mask),
		NumPositive:    len(pos),
		NumNegative:    len(neg),
	}, nil
}

// dropRandom keeps at most limit of the indices in idx, chosen at random, and
// marks the rest neutral. The kept indices are returned in ascending order.
func dropRandom(labels []Label, idx []int, limit int, rng *rand.Rand) []int {
	if limit < 0 {
		limit = 0
	}
	if len(idx) <= limit {
		return idx
	}

	drop := make([]bool, len(idx))
	for _, p := range rng.Perm(len(idx))[:len(idx)-limit] {
		drop[p] = true
		labels[idx[p]] = Neutral
	}

	kept := make([]int, 0, limit)
	for i, v := range idx {
		if !drop[i] {
			kept = append(kept, v)
		}
	}
	return kept
}

func gridTensor(rows, cols, depth int, data []float32) *tensor.Dense {
	return tensor.New(
		tensor.WithShape(rows, cols, depth),
		tensor.Of(tensor.Float32),
		tensor.WithBacking(data),
	)
}
