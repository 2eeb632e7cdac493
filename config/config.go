// Package config holds the immutable parameter bag shared by every stage of
// the training pipeline.
package config

import (
	"math"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BackgroundClass is the class name reserved for background proposals.
const BackgroundClass = "bg"

// Ratio is an anchor aspect ratio expressed as width and height multipliers
// of the anchor scale.
type Ratio struct {
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
}

// Paths locates every artifact the trainer reads or writes.
type Paths struct {
	// Annotations is the ground-truth text file.
	Annotations string `json:"annotations" yaml:"annotations"`
	// ImageRoot is prepended to relative image paths found in the annotations.
	ImageRoot string `json:"image_root" yaml:"image_root"`
	// Weights is the key of the model weight blob in the artifact bucket.
	Weights string `json:"weights" yaml:"weights"`
	// Record is the key of the running record CSV in the artifact bucket.
	Record string `json:"record" yaml:"record"`
	// Snapshot is the key of the config snapshot in the artifact bucket.
	Snapshot string `json:"snapshot" yaml:"snapshot"`
	// Bucket is a local directory or an s3://bucket/prefix URL.
	Bucket string `json:"bucket" yaml:"bucket"`
}

// S3 configures the S3 artifact bucket. Empty values fall back to the
// environment of the AWS SDK.
type S3 struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	Region          string `json:"region" yaml:"region"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool   `json:"force_path_style" yaml:"force_path_style"`
}

// Config is built once at run start and passed by pointer to every stage.
// Nothing mutates it after Validate succeeds.
type Config struct {
	RunID     string    `json:"run_id" yaml:"run_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`

	Verbose bool `json:"verbose" yaml:"verbose"`

	// Network names the backbone: "pool" or "onnx".
	Network string `json:"network" yaml:"network"`
	// BaseNetWeights is the pretrained backbone model (ONNX) or the initial
	// detector weights when no checkpoint exists yet.
	BaseNetWeights string `json:"base_net_weights" yaml:"base_net_weights"`
	// BackboneInput and BackboneOutput name the image input and the feature
	// map output of the ONNX backbone.
	BackboneInput  string `json:"backbone_input" yaml:"backbone_input"`
	BackboneOutput string `json:"backbone_output" yaml:"backbone_output"`

	UseHorizontalFlips bool `json:"use_horizontal_flips" yaml:"use_horizontal_flips"`
	UseVerticalFlips   bool `json:"use_vertical_flips" yaml:"use_vertical_flips"`
	Rot90              bool `json:"rot_90" yaml:"rot_90"`

	AnchorBoxScales []float32 `json:"anchor_box_scales" yaml:"anchor_box_scales"`
	AnchorBoxRatios []Ratio   `json:"anchor_box_ratios" yaml:"anchor_box_ratios"`

	// ImSize is the length of the shorter image side after resizing.
	ImSize           int       `json:"im_size" yaml:"im_size"`
	ImgChannelMean   []float32 `json:"img_channel_mean" yaml:"img_channel_mean"`
	ImgScalingFactor float32   `json:"img_scaling_factor" yaml:"img_scaling_factor"`

	NumROIs   int `json:"num_rois" yaml:"num_rois"`
	RPNStride int `json:"rpn_stride" yaml:"rpn_stride"`

	BalancedClasses bool `json:"balanced_classes" yaml:"balanced_classes"`

	// StdScaling multiplies RPN regression targets.
	StdScaling float32 `json:"std_scaling" yaml:"std_scaling"`
	// ClassifierRegrStd multiplies classifier regression targets (tx,ty,tw,th).
	ClassifierRegrStd [4]float32 `json:"classifier_regr_std" yaml:"classifier_regr_std"`

	RPNMinOverlap float32 `json:"rpn_min_overlap" yaml:"rpn_min_overlap"`
	RPNMaxOverlap float32 `json:"rpn_max_overlap" yaml:"rpn_max_overlap"`

	ClassifierMinOverlap float32 `json:"classifier_min_overlap" yaml:"classifier_min_overlap"`
	ClassifierMaxOverlap float32 `json:"classifier_max_overlap" yaml:"classifier_max_overlap"`

	// RPNSampleBudget caps the anchors contributing to the RPN loss per image.
	RPNSampleBudget int `json:"rpn_sample_budget" yaml:"rpn_sample_budget"`
	// RPNPositiveFraction caps positives at this share of the budget.
	RPNPositiveFraction float32 `json:"rpn_positive_fraction" yaml:"rpn_positive_fraction"`

	ProposalOverlap  float32 `json:"proposal_overlap" yaml:"proposal_overlap"`
	ProposalMaxBoxes int     `json:"proposal_max_boxes" yaml:"proposal_max_boxes"`

	ClassMapping map[string]int `json:"class_mapping" yaml:"class_mapping"`

	EpochLength int   `json:"epoch_length" yaml:"epoch_length"`
	NumEpochs   int   `json:"num_epochs" yaml:"num_epochs"`
	Seed        int64 `json:"seed" yaml:"seed"`

	LearningRate           float32 `json:"learning_rate" yaml:"learning_rate"`
	ClassifierLearningRate float32 `json:"classifier_learning_rate" yaml:"classifier_learning_rate"`

	LambdaRPNRegr  float32 `json:"lambda_rpn_regr" yaml:"lambda_rpn_regr"`
	LambdaRPNClass float32 `json:"lambda_rpn_class" yaml:"lambda_rpn_class"`
	LambdaClsRegr  float32 `json:"lambda_cls_regr" yaml:"lambda_cls_regr"`
	LambdaClsClass float32 `json:"lambda_cls_class" yaml:"lambda_cls_class"`
	Epsilon        float32 `json:"epsilon" yaml:"epsilon"`

	// MaxConsecutiveSkips aborts the run after this many skipped steps in a row.
	MaxConsecutiveSkips int `json:"max_consecutive_skips" yaml:"max_consecutive_skips"`

	Paths Paths `json:"paths" yaml:"paths"`
	S3    S3    `json:"s3" yaml:"s3"`
}

// Default returns the configuration of the reference trainer.
func Default() *Config {
	sqrt2 := float32(math.Sqrt2)
	return &Config{
		Verbose:            true,
		Network:            "pool",
		BackboneInput:      "input",
		BackboneOutput:     "features",
		UseHorizontalFlips: true,
		UseVerticalFlips:   true,
		Rot90:              true,
		AnchorBoxScales:    []float32{64, 128, 256},
		AnchorBoxRatios: []Ratio{
			{W: 1, H: 1},
			{W: 1 / sqrt2, H: 2 / sqrt2},
			{W: 2 / sqrt2, H: 1 / sqrt2},
		},
		ImSize:                 300,
		ImgChannelMean:         []float32{103.939, 116.779, 123.68},
		ImgScalingFactor:       1.0,
		NumROIs:                4,
		RPNStride:              16,
		StdScaling:             4.0,
		ClassifierRegrStd:      [4]float32{8.0, 8.0, 4.0, 4.0},
		RPNMinOverlap:          0.3,
		RPNMaxOverlap:          0.7,
		ClassifierMinOverlap:   0.1,
		ClassifierMaxOverlap:   0.5,
		RPNSampleBudget:        256,
		RPNPositiveFraction:    0.5,
		ProposalOverlap:        0.7,
		ProposalMaxBoxes:       300,
		EpochLength:            1000,
		NumEpochs:              40,
		Seed:                   2019,
		LearningRate:           1e-5,
		ClassifierLearningRate: 1e-5,
		LambdaRPNRegr:          1.0,
		LambdaRPNClass:         1.0,
		LambdaClsRegr:          1.0,
		LambdaClsClass:         1.0,
		Epsilon:                1e-4,
		MaxConsecutiveSkips:    100,
		Paths: Paths{
			Annotations: "data/train_annotation.txt",
			Weights:     "saved_model/saved_model.gob",
			Record:      "record/record.csv",
			Snapshot:    "config/config.yaml",
			Bucket:      ".",
		},
	}
}

// Load overlays the YAML file at path on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

// Marshal serialises the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return data, nil
}

// Redacted returns a copy of c without S3 credentials, fit for writing next
// to the run artifacts.
func (c *Config) Redacted() *Config {
	out := *c
	out.S3.AccessKeyID = ""
	out.S3.SecretAccessKey = ""
	return &out
}

// Unmarshal parses a YAML snapshot without applying defaults.
func Unmarshal(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

// Stamp assigns a fresh run id and creation time.
func (c *Config) Stamp(now time.Time) {
	c.RunID = uuid.NewString()
	c.CreatedAt = now.UTC()
}

// NumAnchors is the number of anchor shapes per feature-map cell.
func (c *Config) NumAnchors() int {
	return len(c.AnchorBoxScales) * len(c.AnchorBoxRatios)
}

// ClassNames returns the class names ordered by their index.
func (c *Config) ClassNames() []string {
	names := make([]string, 0, len(c.ClassMapping))
	for name := range c.ClassMapping {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return c.ClassMapping[names[i]] < c.ClassMapping[names[j]]
	})
	return names
}

// BackgroundIndex returns the index of the background class, or -1 when the
// mapping has none.
func (c *Config) BackgroundIndex() int {
	if idx, ok := c.ClassMapping[BackgroundClass]; ok {
		return idx
	}
	return -1
}

// NumClasses is the number of classes including background.
func (c *Config) NumClasses() int {
	return len(c.ClassMapping)
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case len(c.AnchorBoxScales) == 0:
		return errors.New("config: anchor_box_scales must not be empty")
	case len(c.AnchorBoxRatios) == 0:
		return errors.New("config: anchor_box_ratios must not be empty")
	case c.ImSize < 1:
		return errors.Errorf("config: im_size must be positive, got %d", c.ImSize)
	case c.RPNStride < 1:
		return errors.Errorf("config: rpn_stride must be positive, got %d", c.RPNStride)
	case c.NumROIs < 1:
		return errors.Errorf("config: num_rois must be positive, got %d", c.NumROIs)
	case len(c.ImgChannelMean) != 3:
		return errors.Errorf("config: img_channel_mean needs 3 values, got %d", len(c.ImgChannelMean))
	case c.ImgScalingFactor == 0:
		return errors.New("config: img_scaling_factor must be non-zero")
	case c.StdScaling <= 0:
		return errors.New("config: std_scaling must be positive")
	case c.RPNMinOverlap < 0 || c.RPNMinOverlap > c.RPNMaxOverlap || c.RPNMaxOverlap > 1:
		return errors.Errorf("config: rpn overlaps must satisfy 0 <= min <= max <= 1, got %v/%v",
			c.RPNMinOverlap, c.RPNMaxOverlap)
	case c.ClassifierMinOverlap < 0 || c.ClassifierMinOverlap > c.ClassifierMaxOverlap || c.ClassifierMaxOverlap > 1:
		return errors.Errorf("config: classifier overlaps must satisfy 0 <= min <= max <= 1, got %v/%v",
			c.ClassifierMinOverlap, c.ClassifierMaxOverlap)
	case c.RPNSampleBudget < 1:
		return errors.Errorf("config: rpn_sample_budget must be positive, got %d", c.RPNSampleBudget)
	case c.RPNPositiveFraction <= 0 || c.RPNPositiveFraction > 1:
		return errors.Errorf("config: rpn_positive_fraction must be in (0,1], got %v", c.RPNPositiveFraction)
	case c.ProposalOverlap <= 0 || c.ProposalOverlap > 1:
		return errors.Errorf("config: proposal_overlap must be in (0,1], got %v", c.ProposalOverlap)
	case c.ProposalMaxBoxes < 1:
		return errors.Errorf("config: proposal_max_boxes must be positive, got %d", c.ProposalMaxBoxes)
	case c.EpochLength < 1:
		return errors.Errorf("config: epoch_length must be positive, got %d", c.EpochLength)
	case c.NumEpochs < 0:
		return errors.Errorf("config: num_epochs must not be negative, got %d", c.NumEpochs)
	case c.MaxConsecutiveSkips < 1:
		return errors.Errorf("config: max_consecutive_skips must be positive, got %d", c.MaxConsecutiveSkips)
	}

	for i, s := range c.AnchorBoxScales {
		if s <= 0 {
			return errors.Errorf("config: anchor scale %d must be positive, got %v", i, s)
		}
	}
	for i, r := range c.AnchorBoxRatios {
		if r.W <= 0 || r.H <= 0 {
			return errors.Errorf("config: anchor ratio %d must be positive, got %v", i, r)
		}
	}

	if c.ClassMapping != nil {
		seen := make(map[int]string, len(c.ClassMapping))
		for name, idx := range c.ClassMapping {
			if idx < 0 || idx >= len(c.ClassMapping) {
				return errors.Errorf("config: class %q has index %d outside [0,%d)", name, idx, len(c.ClassMapping))
			}
			if other, ok := seen[idx]; ok {
				return errors.Errorf("config: classes %q and %q share index %d", name, other, idx)
			}
			seen[idx] = name
		}
		if bg := c.BackgroundIndex(); bg >= 0 && bg != len(c.ClassMapping)-1 {
			return errors.Errorf("config: background class must have the last index, got %d", bg)
		}
	}

	return nil
}
