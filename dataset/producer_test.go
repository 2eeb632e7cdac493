package dataset

import (
	"context"
	"image"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
)

// memoryLoader serves blank images of fixed sizes keyed by path.
type memoryLoader struct {
	sizes map[string][2]int
	loads []string
}

func (m *memoryLoader) Load(path string) (image.Image, error) {
	m.loads = append(m.loads, path)
	s, ok := m.sizes[path]
	if !ok {
		return nil, errors.Errorf("no such image %s", path)
	}
	return image.NewNRGBA(image.Rect(0, 0, s[0], s[1])), nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ClassMapping = map[string]int{"cat": 0, "bg": 1}
	return cfg
}

func TestProducer_Next(t *testing.T) {
	cfg := testConfig()
	loader := &memoryLoader{sizes: map[string][2]int{"a": {200, 100}, "b": {100, 100}}}
	annotations := []Annotation{
		{Path: "a", Width: 200, Height: 100, Objects: []Object{
			{Class: "cat", Box: images.Rect{X1: 20, Y1: 10, X2: 100, Y2: 90}},
			{Class: "bg", Box: images.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		}},
		{Path: "b", Width: 100, Height: 100, Objects: []Object{
			{Class: "cat", Box: images.Rect{X1: 10, Y1: 10, X2: 50, Y2: 50}},
		}},
	}

	log, _ := test.NewNullLogger()
	p, err := NewProducer(cfg, annotations, loader, rand.New(rand.NewSource(1)), log)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		ex, err := p.Next(context.Background())
		require.NoError(t, err)

		assert.Equal(t, cfg.ImSize, min(ex.Width, ex.Height))
		assert.Equal(t, []int{3, ex.Height, ex.Width}, []int(ex.Image.Shape()))
		assert.Equal(t, ex.Height/cfg.RPNStride, ex.Grid.Rows)
		assert.Equal(t, ex.Width/cfg.RPNStride, ex.Grid.Cols)
		assert.GreaterOrEqual(t, ex.Targets.NumPositive, 1)

		// background objects never reach the encoder
		for _, o := range ex.Objects {
			assert.Equal(t, "cat", o.Class)
			assert.True(t, o.Box.Inside(float32(ex.Width), float32(ex.Height)))
		}
	}

	// each pass visits every image once
	assert.ElementsMatch(t, []string{"a", "b"}, loader.loads[0:2])
	assert.ElementsMatch(t, []string{"a", "b"}, loader.loads[2:4])
	assert.Equal(t, 2, p.Passes())
}

func TestProducer_SkipsFailures(t *testing.T) {
	cfg := testConfig()
	loader := &memoryLoader{sizes: map[string][2]int{"good": {100, 100}}}
	annotations := []Annotation{
		{Path: "missing", Objects: []Object{{Class: "cat", Box: images.Rect{X1: 0, Y1: 0, X2: 10, Y2: 10}}}},
		{Path: "good", Objects: []Object{{Class: "cat", Box: images.Rect{X1: 10, Y1: 10, X2: 60, Y2: 60}}}},
	}

	log, hook := test.NewNullLogger()
	p, err := NewProducer(cfg, annotations, loader, rand.New(rand.NewSource(2)), log)
	require.NoError(t, err)

	// the bad image is drawn back to back across pass boundaries
	for i := 0; i < 10; i++ {
		ex, err := p.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "good", ex.Annotation.Path)
	}
	assert.Greater(t, p.Passes(), 4)

	require.NotEmpty(t, hook.AllEntries())
	entry := hook.AllEntries()[0]
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "missing", entry.Data["image"])
}

func TestProducer_Exhausted(t *testing.T) {
	cfg := testConfig()
	loader := &memoryLoader{}
	annotations := []Annotation{{Path: "x"}, {Path: "y"}}

	log, hook := test.NewNullLogger()
	p, err := NewProducer(cfg, annotations, loader, rand.New(rand.NewSource(3)), log)
	require.NoError(t, err)

	_, err = p.Next(context.Background())
	assert.Equal(t, ErrExhausted, errors.Cause(err))
	assert.Len(t, hook.AllEntries(), 2)
}

func TestProducer_Cancelled(t *testing.T) {
	cfg := testConfig()
	log, _ := test.NewNullLogger()
	p, err := NewProducer(cfg, []Annotation{{Path: "x"}}, &memoryLoader{}, rand.New(rand.NewSource(4)), log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProducer_Empty(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewProducer(testConfig(), nil, &memoryLoader{}, rand.New(rand.NewSource(1)), log)
	assert.Equal(t, ErrNoAnnotations, err)
}

func TestRandomAugmentation(t *testing.T) {
	cfg := testConfig()
	log, _ := test.NewNullLogger()
	p, err := NewProducer(cfg, []Annotation{{Path: "x"}}, &memoryLoader{}, rand.New(rand.NewSource(9)), log)
	require.NoError(t, err)

	rotations := map[int]int{}
	var flipsH, flipsV int
	const n = 2000
	for i := 0; i < n; i++ {
		a := p.RandomAugmentation()
		rotations[a.Rotation]++
		if a.FlipH {
			flipsH++
		}
		if a.FlipV {
			flipsV++
		}
	}

	assert.InDelta(t, n/2, flipsH, n/10)
	assert.InDelta(t, n/2, flipsV, n/10)
	assert.InDelta(t, n/2, rotations[0], n/10)
	for _, angle := range []int{90, 180, 270} {
		assert.InDelta(t, n/6, rotations[angle], n/15)
	}

	cfg.UseHorizontalFlips, cfg.UseVerticalFlips, cfg.Rot90 = false, false, false
	for i := 0; i < 20; i++ {
		assert.True(t, p.RandomAugmentation().Identity())
	}
}

func TestProducer_RescalesToDecodedSize(t *testing.T) {
	cfg := testConfig()
	loader := &memoryLoader{sizes: map[string][2]int{"small": {100, 100}}}
	a := Annotation{Path: "small", Width: 200, Height: 200, Objects: []Object{
		{Class: "cat", Box: images.Rect{X1: 40, Y1: 40, X2: 120, Y2: 120}},
	}}

	log, hook := test.NewNullLogger()
	p, err := NewProducer(cfg, []Annotation{a}, loader, rand.New(rand.NewSource(5)), log)
	require.NoError(t, err)

	ex, err := p.Process(a, images.Augmentation{})
	require.NoError(t, err)

	require.Len(t, ex.Objects, 1)
	box := ex.Objects[0].Box
	assert.InDelta(t, 60, box.X1, 1e-3)
	assert.InDelta(t, 60, box.Y1, 1e-3)
	assert.InDelta(t, 180, box.X2, 1e-3)
	assert.InDelta(t, 180, box.Y2, 1e-3)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestBalancedOrder(t *testing.T) {
	cat := Object{Class: "cat", Box: images.Rect{X2: 10, Y2: 10}}
	dog := Object{Class: "dog", Box: images.Rect{X2: 10, Y2: 10}}
	bg := Object{Class: "bg", Box: images.Rect{X2: 10, Y2: 10}}
	annotations := []Annotation{
		{Path: "c0", Objects: []Object{cat}},
		{Path: "c1", Objects: []Object{cat}},
		{Path: "c2", Objects: []Object{cat, cat}},
		{Path: "d0", Objects: []Object{dog}},
		{Path: "e0", Objects: []Object{bg}},
		{Path: "cd", Objects: []Object{cat, dog}},
	}

	tests := []struct {
		name string
		perm []int
		want []int
	}{
		{"classes alternate", []int{0, 1, 2, 3, 4, 5}, []int{0, 3, 1, 5, 2, 4}},
		{"shared image counts once", []int{5, 4, 3, 2, 1, 0}, []int{5, 3, 2, 1, 0, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := balancedOrder(annotations, tt.perm)
			assert.Equal(t, tt.want, got)
			assert.ElementsMatch(t, tt.perm, got)
		})
	}
}

func TestProducer_BalancedClasses(t *testing.T) {
	cfg := testConfig()
	cfg.ClassMapping = map[string]int{"cat": 0, "dog": 1, "bg": 2}
	cfg.BalancedClasses = true
	cfg.UseHorizontalFlips, cfg.UseVerticalFlips, cfg.Rot90 = false, false, false

	sizes := map[string][2]int{}
	var annotations []Annotation
	for _, path := range []string{"c0", "c1", "c2", "c3", "d0"} {
		class := "cat"
		if path[0] == 'd' {
			class = "dog"
		}
		sizes[path] = [2]int{100, 100}
		annotations = append(annotations, Annotation{Path: path, Objects: []Object{
			{Class: class, Box: images.Rect{X1: 10, Y1: 10, X2: 60, Y2: 60}},
		}})
	}
	loader := &memoryLoader{sizes: sizes}

	log, _ := test.NewNullLogger()
	p, err := NewProducer(cfg, annotations, loader, rand.New(rand.NewSource(8)), log)
	require.NoError(t, err)

	for pass := 0; pass < 3; pass++ {
		for i := 0; i < len(annotations); i++ {
			_, err := p.Next(context.Background())
			require.NoError(t, err)
		}
		// the single dog image is second in every pass
		assert.Equal(t, "d0", loader.loads[pass*len(annotations)+1])
	}
}
