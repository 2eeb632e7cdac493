package main

import (
	"io"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/dataset"
	"github.com/nvr-ai/go-rcnn/dataset/cvloader"
	"github.com/nvr-ai/go-rcnn/inference/providers"
	"github.com/nvr-ai/go-rcnn/network"
	"github.com/nvr-ai/go-rcnn/network/backbone"
	"github.com/nvr-ai/go-rcnn/network/shallow"
	"github.com/nvr-ai/go-rcnn/store"
	"github.com/nvr-ai/go-rcnn/trainer"
)

type trainOptions struct {
	Epochs           int
	EpochLength      int
	NumROIs          int
	HorizontalFlips  bool
	VerticalFlips    bool
	Rot90            bool
	Network          string
	BaseNetWeights   string
	BackboneChannels int
	Provider         string
	NoProgress       bool
}

var trainOpts trainOptions

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the region proposal and classifier heads",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applyTrainFlags(cmd, cfg)

		collection, err := loadDataset(cfg)
		if err != nil {
			return err
		}
		cfg.Stamp(time.Now())
		if err := cfg.Validate(); err != nil {
			return err
		}

		rng := rand.New(rand.NewSource(cfg.Seed))

		producer, err := dataset.NewProducer(cfg, collection.Annotations, imageLoader(), rng, log)
		if err != nil {
			return err
		}

		bb, closeBackbone, err := newBackbone(cfg)
		if err != nil {
			return err
		}
		defer closeBackbone()

		detector, err := shallow.New(cfg, bb, cfg.NumClasses(), rng, log)
		if err != nil {
			return err
		}

		bucket, err := store.Open(cfg, log)
		if err != nil {
			return err
		}

		var progress io.Writer
		if !trainOpts.NoProgress {
			progress = os.Stderr
		}

		t, err := trainer.New(trainer.Options{
			Config:   cfg,
			Source:   producer,
			Detector: detector,
			Weights:  store.NewWeightStore(bucket, cfg.Paths.Weights),
			Record:   store.NewRecordStore(bucket, cfg.Paths.Record),
			Snapshot: store.NewConfigStore(bucket, cfg.Paths.Snapshot),
			Rand:     rng,
			Log:      log.WithField("run_id", cfg.RunID),
			Progress: progress,
		})
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{
			"run_id":  cfg.RunID,
			"bucket":  bucket.String(),
			"network": cfg.Network,
			"images":  len(collection.Annotations),
		}).Info("training")

		return t.Run(cmd.Context())
	},
}

func init() {
	f := trainCmd.Flags()
	f.IntVar(&trainOpts.Epochs, "num-epochs", 0, "epochs to train on top of the recorded ones")
	f.IntVar(&trainOpts.EpochLength, "epoch-length", 0, "iterations per epoch")
	f.IntVar(&trainOpts.NumROIs, "num-rois", 0, "ROIs per classifier step")
	f.BoolVar(&trainOpts.HorizontalFlips, "hf", true, "augment with horizontal flips")
	f.BoolVar(&trainOpts.VerticalFlips, "vf", true, "augment with vertical flips")
	f.BoolVar(&trainOpts.Rot90, "rot-90", true, "augment with 90 degree rotations")
	f.StringVar(&trainOpts.Network, "network", "", "backbone: pool or onnx")
	f.StringVar(&trainOpts.BaseNetWeights, "input-weight-path", "", "ONNX backbone model")
	f.IntVar(&trainOpts.BackboneChannels, "backbone-channels", 512, "feature depth of the ONNX backbone")
	f.StringVar(&trainOpts.Provider, "provider", string(providers.CPUProviderBackend), "ONNX Runtime execution provider")
	f.BoolVar(&trainOpts.NoProgress, "no-progress", false, "disable the progress bar")
}

// applyTrainFlags overrides cfg with the flags that were set explicitly.
func applyTrainFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if trainOpts.Epochs > 0 {
		cfg.NumEpochs = trainOpts.Epochs
	}
	if trainOpts.EpochLength > 0 {
		cfg.EpochLength = trainOpts.EpochLength
	}
	if trainOpts.NumROIs > 0 {
		cfg.NumROIs = trainOpts.NumROIs
	}
	if f.Changed("hf") {
		cfg.UseHorizontalFlips = trainOpts.HorizontalFlips
	}
	if f.Changed("vf") {
		cfg.UseVerticalFlips = trainOpts.VerticalFlips
	}
	if f.Changed("rot-90") {
		cfg.Rot90 = trainOpts.Rot90
	}
	if trainOpts.Network != "" {
		cfg.Network = trainOpts.Network
	}
	if trainOpts.BaseNetWeights != "" {
		cfg.BaseNetWeights = trainOpts.BaseNetWeights
	}
}

// loadDataset parses the annotations and fills the class mapping when the
// config does not carry one.
func loadDataset(cfg *config.Config) (*dataset.Collection, error) {
	collection, err := dataset.Load(cfg.Paths.Annotations, dataset.ParseOptions{
		Root:  cfg.Paths.ImageRoot,
		Sizer: dataset.HeaderSizer{},
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.ClassMapping) == 0 {
		cfg.ClassMapping = collection.ClassMapping
	}
	for class := range collection.ClassMapping {
		if _, ok := cfg.ClassMapping[class]; !ok {
			return nil, errors.Errorf("class %q of the annotations is missing from the configured class mapping", class)
		}
	}

	classes := make([]string, 0, len(collection.ClassCount))
	for class := range collection.ClassCount {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		log.WithFields(logrus.Fields{
			"class": class,
			"count": collection.ClassCount[class],
			"index": cfg.ClassMapping[class],
		}).Info("training images per class")
	}
	if collection.Dropped > 0 {
		log.WithField("dropped", collection.Dropped).Warn("dropped degenerate annotation boxes")
	}

	return collection, nil
}

func imageLoader() dataset.ImageLoader {
	if opts.Loader == "opencv" {
		return cvloader.Loader{}
	}
	return dataset.NativeLoader{AutoOrientation: true}
}

// newBackbone builds the configured backbone and a function releasing it.
func newBackbone(cfg *config.Config) (network.Backbone, func(), error) {
	switch cfg.Network {
	case "", "pool":
		return backbone.NewPool(), func() {}, nil
	case "onnx":
		if cfg.BaseNetWeights == "" {
			return nil, nil, errors.New("the onnx backbone needs --input-weight-path")
		}
		pc := providers.DefaultConfig()
		pc.Backend = providers.ProviderBackend(trainOpts.Provider)
		b, err := backbone.NewONNX(pc, cfg.BaseNetWeights, cfg.BackboneInput, cfg.BackboneOutput, trainOpts.BackboneChannels)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				log.WithError(err).Warn("close backbone session")
			}
		}, nil
	default:
		return nil, nil, errors.Errorf("unknown network %q, want pool or onnx", cfg.Network)
	}
}
