package roi

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/dataset"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
)

var mapping = map[string]int{"cat": 0, "dog": 1, "bg": 2}

func proposal(x1, y1, x2, y2 float32) postprocess.Result {
	return postprocess.Result{Box: images.Rect{X1: x1, Y1: y1, X2: x2, Y2: y2}, Class: -1}
}

func TestAssign(t *testing.T) {
	cfg := config.Default()
	gt := []dataset.Object{
		{Class: "cat", Box: images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}},
		{Class: "dog", Box: images.Rect{X1: 200, Y1: 200, X2: 300, Y2: 300}},
	}
	proposals := []postprocess.Result{
		proposal(0, 0, 100, 100),     // cat, IoU 1
		proposal(200, 210, 300, 310), // dog, IoU ~0.82
		proposal(0, 0, 50, 100),      // cat, IoU 0.5 exactly
		proposal(0, 0, 40, 100),      // bg, IoU 0.4
		proposal(500, 500, 600, 600), // discarded
		proposal(90, 90, 190, 190),   // IoU 0.005 -> discarded
	}

	a, err := Assign(cfg, proposals, gt, mapping)
	require.NoError(t, err)

	require.Len(t, a.Targets, 4)
	assert.Equal(t, 3, a.NumClasses)
	assert.Equal(t, []int{0, 1, 2}, a.Positive)
	assert.Equal(t, []int{3}, a.Negative)

	cat := a.Targets[0]
	assert.Equal(t, "cat", cat.Class)
	assert.Equal(t, []float32{1, 0, 0}, cat.ClassOneHot)
	assert.Equal(t, []float32{1, 1, 1, 1, 0, 0, 0, 0}, cat.RegressionLabels)
	assert.Equal(t, make([]float32, 8), cat.RegressionTargets)

	dog := a.Targets[1]
	assert.Equal(t, "dog", dog.Class)
	assert.Equal(t, []float32{0, 1, 0}, dog.ClassOneHot)
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 1, 1, 1}, dog.RegressionLabels)
	// ty = (250 - 260) / 100 scaled by 8
	assert.InDelta(t, -0.8, dog.RegressionTargets[5], 1e-5)

	bg := a.Targets[3]
	assert.Equal(t, config.BackgroundClass, bg.Class)
	assert.Equal(t, []float32{0, 0, 1}, bg.ClassOneHot)
	assert.Equal(t, make([]float32, 8), bg.RegressionLabels)
	assert.False(t, bg.Positive())
}

func TestAssign_RegressionRoundTrip(t *testing.T) {
	cfg := config.Default()
	gt := []dataset.Object{{Class: "dog", Box: images.Rect{X1: 40, Y1: 50, X2: 140, Y2: 170}}}
	p := proposal(45, 45, 150, 160)

	a, err := Assign(cfg, []postprocess.Result{p}, gt, mapping)
	require.NoError(t, err)
	require.Len(t, a.Positive, 1)

	std := cfg.ClassifierRegrStd
	r := a.Targets[0].RegressionTargets[4:8]
	d := images.Deltas{TX: r[0] / std[0], TY: r[1] / std[1], TW: r[2] / std[2], TH: r[3] / std[3]}
	box, ok := images.DecodeDeltas(p.Box, d)
	require.True(t, ok)
	assert.InDelta(t, 40, box.X1, 1e-3)
	assert.InDelta(t, 170, box.Y2, 1e-3)
}

func TestAssign_Failures(t *testing.T) {
	cfg := config.Default()
	gt := []dataset.Object{{Class: "cat", Box: images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}}}

	t.Run("no overlap", func(t *testing.T) {
		_, err := Assign(cfg, []postprocess.Result{proposal(300, 300, 400, 400)}, gt, mapping)
		assert.Equal(t, ErrNoUsableROIs, errors.Cause(err))
	})

	t.Run("no ground truth", func(t *testing.T) {
		_, err := Assign(cfg, []postprocess.Result{proposal(0, 0, 100, 100)}, nil, mapping)
		assert.Equal(t, ErrNoUsableROIs, errors.Cause(err))
	})

	t.Run("no proposals", func(t *testing.T) {
		_, err := Assign(cfg, nil, gt, mapping)
		assert.Equal(t, ErrNoUsableROIs, errors.Cause(err))
	})

	t.Run("background not last", func(t *testing.T) {
		_, err := Assign(cfg, nil, gt, map[string]int{"bg": 0, "cat": 1})
		assert.Error(t, err)
		assert.NotEqual(t, ErrNoUsableROIs, errors.Cause(err))
	})

	t.Run("unknown class", func(t *testing.T) {
		other := []dataset.Object{{Class: "bird", Box: images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}}}
		_, err := Assign(cfg, []postprocess.Result{proposal(0, 0, 100, 100)}, other, mapping)
		assert.Error(t, err)
	})
}

func TestAssignment_Batch(t *testing.T) {
	cfg := config.Default()
	gt := []dataset.Object{{Class: "dog", Box: images.Rect{X1: 0, Y1: 0, X2: 100, Y2: 100}}}
	a, err := Assign(cfg, []postprocess.Result{proposal(0, 0, 100, 100), proposal(0, 0, 30, 100)}, gt, mapping)
	require.NoError(t, err)

	b := a.Batch([]int{0, 1, 1})
	assert.Len(t, b.ROIs, 3)
	assert.Equal(t, 1, b.NumPositive)
	assert.Equal(t, []int{3, 3}, []int(b.Classes.Shape()))
	assert.Equal(t, []int{3, 8}, []int(b.RegressionTargets.Shape()))
	assert.Equal(t, []float32{0, 1, 0, 0, 0, 1, 0, 0, 1}, b.Classes.Data().([]float32))

	labels := b.RegressionLabels.Data().([]float32)
	assert.Equal(t, []float32{0, 0, 0, 0, 1, 1, 1, 1}, labels[:8])
	assert.Equal(t, make([]float32, 16), labels[8:])
}
