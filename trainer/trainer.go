// Package trainer runs the alternating RPN and classifier training loop.
package trainer

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/dataset"
	"github.com/nvr-ai/go-rcnn/network"
	"github.com/nvr-ai/go-rcnn/roi"
	"github.com/nvr-ai/go-rcnn/rpn"
	"github.com/nvr-ai/go-rcnn/store"
)

// Source yields training examples. *dataset.Producer implements it.
type Source interface {
	Next(ctx context.Context) (*dataset.Example, error)
}

// Options wires a Trainer.
type Options struct {
	Config   *config.Config
	Source   Source
	Detector network.Detector
	Weights  *store.WeightStore
	Record   *store.RecordStore
	Snapshot *store.ConfigStore
	Rand     *rand.Rand
	Log      logrus.FieldLogger

	// Progress receives the per-epoch progress bar. Nil disables it.
	Progress io.Writer
	// OnTransition is called on every state change.
	OnTransition func(State)
	// Now defaults to time.Now.
	Now func() time.Time
}

// Iteration holds the measurements of one completed step.
type Iteration struct {
	RPN        network.RPNLosses
	Classifier network.ClassifierLosses
	// Overlapping is the number of positive ROIs found for the image.
	Overlapping int
}

// Trainer owns the loss accumulator and the best loss of a run.
type Trainer struct {
	opts  Options
	cfg   *config.Config
	log   logrus.FieldLogger
	state State

	iterations []Iteration
	overlaps   []float64
	best       float64
}

// New validates opts and returns a trainer.
func New(opts Options) (*Trainer, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("trainer: nil config")
	case opts.Source == nil:
		return nil, errors.New("trainer: nil example source")
	case opts.Detector == nil:
		return nil, errors.New("trainer: nil detector")
	case opts.Weights == nil || opts.Record == nil:
		return nil, errors.New("trainer: weight and record stores are required")
	case opts.Rand == nil:
		return nil, errors.New("trainer: nil random source")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Trainer{
		opts: opts,
		cfg:  opts.Config,
		log:  opts.Log,
		best: math.Inf(1),
	}, nil
}

// State returns the current state.
func (t *Trainer) State() State { return t.state }

// BestLoss returns the lowest epoch loss seen, +Inf before the first epoch.
func (t *Trainer) BestLoss() float64 { return t.best }

func (t *Trainer) transition(s State) {
	t.state = s
	if t.opts.OnTransition != nil {
		t.opts.OnTransition(s)
	}
}

// Run resumes from the stored record and weights, then trains NumEpochs more
// epochs.
func (t *Trainer) Run(ctx context.Context) error {
	if t.opts.Snapshot != nil {
		if err := t.opts.Snapshot.Save(ctx, t.cfg); err != nil {
			return err
		}
	}

	rows, err := t.opts.Record.Load(ctx)
	if err != nil {
		return err
	}
	if best, ok := t.opts.Record.BestLoss(); ok {
		t.best = best
	}

	exists, err := t.opts.Weights.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		if err := t.opts.Weights.Load(ctx, t.opts.Detector); err != nil {
			return err
		}
	}

	start := len(rows)
	t.log.WithFields(logrus.Fields{
		"completed_epochs": start,
		"best_loss":        t.best,
		"resumed_weights":  exists,
	}).Info("starting training")

	for epoch := start; epoch < start+t.cfg.NumEpochs; epoch++ {
		if err := t.runEpoch(ctx, epoch, start+t.cfg.NumEpochs); err != nil {
			return errors.Wrapf(err, "epoch %d", epoch+1)
		}
	}

	t.log.Info("training complete")
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch, total int) error {
	n := t.cfg.EpochLength
	t.iterations = t.iterations[:0]
	t.overlaps = t.overlaps[:0]
	started := t.opts.Now()

	var bar *progressbar.ProgressBar
	if t.opts.Progress != nil {
		bar = progressbar.NewOptions(n,
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, total)),
			progressbar.OptionSetWriter(t.opts.Progress),
			progressbar.OptionShowCount(),
		)
	}

	skips := 0
	for len(t.iterations) < n {
		if err := ctx.Err(); err != nil {
			return err
		}

		it, err := t.Step(ctx)
		if err != nil {
			if !IsSkippable(err) {
				return err
			}
			skips++
			t.log.WithField("reason", err.Error()).Debug("skipping step")
			if skips >= t.cfg.MaxConsecutiveSkips {
				return errors.Wrapf(ErrRetryBudgetExceeded, "%d skips, last: %v", skips, err)
			}
			continue
		}
		skips = 0
		t.iterations = append(t.iterations, it)

		if bar != nil {
			m := t.means()
			bar.Describe(fmt.Sprintf("epoch %d/%d rpn_cls %.4f rpn_regr %.4f cls %.4f regr %.4f",
				epoch+1, total, m.LossRPNClass, m.LossRPNRegression, m.LossClassClass, m.LossClassRegression))
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}

	return t.endEpoch(ctx, epoch, started)
}

// Step processes one image end to end. Failures that only concern the
// current image are returned as *SkipError.
func (t *Trainer) Step(ctx context.Context) (Iteration, error) {
	var it Iteration

	t.transition(WaitingForBatch)
	ex, err := t.opts.Source.Next(ctx)
	if err != nil {
		return it, errors.Wrap(err, "next example")
	}

	t.transition(RPNStep)
	it.RPN, err = t.opts.Detector.TrainRPN(ex.Image, ex.Grid, ex.Targets)
	if err != nil {
		return it, errors.Wrap(err, "train rpn")
	}

	t.transition(DecodeProposals)
	out, err := t.opts.Detector.PredictRPN(ex.Image, ex.Grid)
	if err != nil {
		return it, errors.Wrap(err, "predict rpn")
	}
	proposals, err := rpn.Decode(t.cfg, ex.Grid, out, rpn.DefaultDecodeOptions(t.cfg))
	if err != nil {
		return it, errors.Wrap(err, "decode proposals")
	}

	t.transition(AssignROIs)
	assigned, err := roi.Assign(t.cfg, proposals, ex.Objects, t.cfg.ClassMapping)
	if errors.Cause(err) == roi.ErrNoUsableROIs {
		t.overlaps = append(t.overlaps, 0)
		return it, Skip(AssignROIs, err)
	}
	if err != nil {
		return it, errors.Wrap(err, "assign rois")
	}
	it.Overlapping = len(assigned.Positive)
	t.overlaps = append(t.overlaps, float64(it.Overlapping))

	t.transition(SampleROIs)
	selected, err := roi.Sample(t.cfg.NumROIs, assigned.Positive, assigned.Negative, t.opts.Rand)
	if errors.Cause(err) == roi.ErrEmptyPools {
		return it, Skip(SampleROIs, err)
	}
	if err != nil {
		return it, errors.Wrap(err, "sample rois")
	}
	batch := assigned.Batch(selected)

	t.transition(ClassifierStep)
	it.Classifier, err = t.opts.Detector.TrainClassifier(ex.Image, ex.Grid, batch)
	if err != nil {
		return it, errors.Wrap(err, "train classifier")
	}

	t.transition(RecordIteration)
	t.log.WithFields(logrus.Fields{
		"image":        ex.Annotation.Path,
		"proposals":    len(proposals),
		"positive":     len(assigned.Positive),
		"negative":     len(assigned.Negative),
		"rpn_loss":     it.RPN.Total(),
		"class_loss":   it.Classifier.Total(),
		"class_acc":    it.Classifier.Accuracy,
		"augmentation": fmt.Sprintf("%+v", ex.Augmentation),
	}).Debug("step")

	return it, nil
}

// means aggregates the iterations recorded in the current epoch.
func (t *Trainer) means() store.Row {
	n := len(t.iterations)
	cols := make([][]float64, 5)
	for i := range cols {
		cols[i] = make([]float64, n)
	}
	for i, it := range t.iterations {
		cols[0][i] = float64(it.RPN.Class)
		cols[1][i] = float64(it.RPN.Regression)
		cols[2][i] = float64(it.Classifier.Class)
		cols[3][i] = float64(it.Classifier.Regression)
		cols[4][i] = float64(it.Classifier.Accuracy)
	}

	row := store.Row{
		LossRPNClass:        stat.Mean(cols[0], nil),
		LossRPNRegression:   stat.Mean(cols[1], nil),
		LossClassClass:      stat.Mean(cols[2], nil),
		LossClassRegression: stat.Mean(cols[3], nil),
		ClassAccuracy:       stat.Mean(cols[4], nil),
	}
	if len(t.overlaps) > 0 {
		row.MeanOverlappingBoxes = stat.Mean(t.overlaps, nil)
	}
	row.CurrentLoss = row.LossRPNClass + row.LossRPNRegression + row.LossClassClass + row.LossClassRegression
	return row
}

func (t *Trainer) endEpoch(ctx context.Context, epoch int, started time.Time) error {
	t.transition(EndOfEpoch)

	row := t.means()
	row.ElapsedTime = t.opts.Now().Sub(started).Minutes()

	fields := logrus.Fields{
		"epoch":            epoch + 1,
		"mean_overlapping": row.MeanOverlappingBoxes,
		"class_acc":        row.ClassAccuracy,
		"loss_rpn_cls":     row.LossRPNClass,
		"loss_rpn_regr":    row.LossRPNRegression,
		"loss_class_cls":   row.LossClassClass,
		"loss_class_regr":  row.LossClassRegression,
		"total_loss":       row.CurrentLoss,
		"elapsed_minutes":  row.ElapsedTime,
	}
	t.log.WithFields(fields).Info("epoch complete")

	if t.cfg.Verbose && row.MeanOverlappingBoxes == 0 {
		t.log.WithField("epoch", epoch+1).
			Warn("RPN is not producing bounding boxes that overlap the ground truth boxes, check the RPN settings or keep training")
	}

	if row.CurrentLoss < t.best {
		t.log.WithFields(logrus.Fields{
			"previous": t.best,
			"current":  row.CurrentLoss,
		}).Info("total loss decreased, saving weights")
		t.best = row.CurrentLoss
		if err := t.opts.Weights.Save(ctx, t.opts.Detector); err != nil {
			return err
		}
	}

	return t.opts.Record.Append(ctx, row)
}
