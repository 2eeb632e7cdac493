package trainer

import (
	"context"
	"image"
	"image/color"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rcnn/dataset"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/network/backbone"
	"github.com/nvr-ai/go-rcnn/network/shallow"
	"github.com/nvr-ai/go-rcnn/store"
)

// squareLoader draws a bright centred square on a dark 64x64 canvas.
type squareLoader struct {
	shade map[string]uint8
}

func (l squareLoader) Load(path string) (image.Image, error) {
	shade, ok := l.shade[path]
	if !ok {
		return nil, errors.Errorf("no such image %s", path)
	}
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			c := color.NRGBA{R: 10, G: 10, B: 10, A: 255}
			if x >= 16 && x < 48 && y >= 16 && y < 48 {
				c = color.NRGBA{R: shade, G: shade, B: shade, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img, nil
}

func TestTrainer_RunPipeline(t *testing.T) {
	cfg := testConfig()
	cfg.ImSize = 64
	cfg.NumEpochs = 1
	cfg.EpochLength = 3
	cfg.MaxConsecutiveSkips = 50
	cfg.LearningRate = 0.01
	cfg.ClassifierLearningRate = 0.01

	box := images.Rect{X1: 16, Y1: 16, X2: 48, Y2: 48}
	annotations := []dataset.Annotation{
		{Path: "a.png", Width: 64, Height: 64, Objects: []dataset.Object{{Class: "cat", Box: box}}},
		{Path: "b.png", Width: 64, Height: 64, Objects: []dataset.Object{{Class: "cat", Box: box}}},
	}
	loader := squareLoader{shade: map[string]uint8{"a.png": 220, "b.png": 160}}

	log, _ := test.NewNullLogger()
	rng := rand.New(rand.NewSource(11))

	producer, err := dataset.NewProducer(cfg, annotations, loader, rng, log)
	require.NoError(t, err)
	detector, err := shallow.New(cfg, backbone.NewPool(), cfg.NumClasses(), rng, log)
	require.NoError(t, err)

	bucket := store.NewLocalBucket(t.TempDir())
	record := store.NewRecordStore(bucket, "record.csv")
	weights := store.NewWeightStore(bucket, "model.gob")

	tr, err := New(Options{
		Config:   cfg,
		Source:   producer,
		Detector: detector,
		Weights:  weights,
		Record:   record,
		Snapshot: store.NewConfigStore(bucket, "config.yaml"),
		Rand:     rng,
		Log:      log,
		Progress: io.Discard,
	})
	require.NoError(t, err)

	require.NoError(t, tr.Run(context.Background()))

	require.Len(t, record.Rows(), 1)
	row := record.Rows()[0]
	assert.False(t, math.IsNaN(row.CurrentLoss) || math.IsInf(row.CurrentLoss, 0))
	assert.Greater(t, row.CurrentLoss, 0.0)
	assert.GreaterOrEqual(t, row.ClassAccuracy, 0.0)
	assert.LessOrEqual(t, row.ClassAccuracy, 1.0)

	ok, err := weights.Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	// the checkpoint loads into a fresh detector
	restored, err := shallow.New(cfg, backbone.NewPool(), cfg.NumClasses(), rand.New(rand.NewSource(1)), log)
	require.NoError(t, err)
	require.NoError(t, weights.Load(context.Background(), restored))
}
