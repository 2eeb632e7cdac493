package dataset

import (
	"context"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// ErrExhausted is returned when every annotation failed without a single
// example being produced in between.
var ErrExhausted = errors.New("dataset: every image in a full pass failed")

// Example is one processed training image.
type Example struct {
	// Image is the normalised (3, H, W) input.
	Image *tensor.Dense
	// Grid is the anchor layout of the resized image.
	Grid *rpn.Grid
	// Targets are the sampled RPN targets.
	Targets *rpn.Targets
	// Annotation is the source ground truth in original image coordinates.
	Annotation Annotation
	// Objects are the non-background objects in resized-image coordinates,
	// after augmentation.
	Objects []Object
	// Augmentation is what was applied before resizing.
	Augmentation images.Augmentation
	// Width and Height of the resized image.
	Width, Height int
}

// Producer is a pull iterator over training examples. It walks a shuffled
// copy of the annotations and reshuffles every time the list is exhausted,
// so Next never runs dry on its own. With BalancedClasses set, each pass
// cycles through the classes so rare classes show up early in every pass.
//
// A Producer is not safe for concurrent use.
type Producer struct {
	cfg         *config.Config
	annotations []Annotation
	loader      ImageLoader
	rng         *rand.Rand
	log         logrus.FieldLogger

	order  []int
	pos    int
	passes int
}

// NewProducer returns a producer over annotations.
func NewProducer(
	cfg *config.Config,
	annotations []Annotation,
	loader ImageLoader,
	rng *rand.Rand,
	log logrus.FieldLogger,
) (*Producer, error) {
	if len(annotations) == 0 {
		return nil, ErrNoAnnotations
	}
	if loader == nil {
		return nil, errors.New("dataset: nil image loader")
	}

	p := &Producer{
		cfg:         cfg,
		annotations: annotations,
		loader:      loader,
		rng:         rng,
		log:         log,
	}
	p.reshuffle()

	return p, nil
}

// Passes is the number of completed passes over the annotations.
func (p *Producer) Passes() int { return p.passes }

func (p *Producer) reshuffle() {
	p.order = p.rng.Perm(len(p.annotations))
	if p.cfg.BalancedClasses {
		p.order = balancedOrder(p.annotations, p.order)
	}
	p.pos = 0
}

// balancedOrder reorders perm round-robin over the sorted foreground classes:
// each turn takes the next image of perm that holds the current class and
// was not taken yet. Classes without remaining images leave the cycle and
// images without foreground objects go last, so the result is still a
// permutation of perm.
func balancedOrder(annotations []Annotation, perm []int) []int {
	byClass := map[string][]int{}
	for _, idx := range perm {
		seen := map[string]bool{}
		for _, o := range annotations[idx].Objects {
			if o.Class == config.BackgroundClass || seen[o.Class] {
				continue
			}
			seen[o.Class] = true
			byClass[o.Class] = append(byClass[o.Class], idx)
		}
	}

	classes := make([]string, 0, len(byClass))
	for class := range byClass {
		classes = append(classes, class)
	}
	sort.Strings(classes)

	order := make([]int, 0, len(perm))
	taken := make(map[int]bool, len(perm))
	for len(classes) > 0 {
		active := classes[:0]
		for _, class := range classes {
			queue := byClass[class]
			for len(queue) > 0 && taken[queue[0]] {
				queue = queue[1:]
			}
			if len(queue) == 0 {
				continue
			}
			taken[queue[0]] = true
			order = append(order, queue[0])
			byClass[class] = queue[1:]
			active = append(active, class)
		}
		classes = active
	}

	for _, idx := range perm {
		if !taken[idx] {
			order = append(order, idx)
		}
	}
	return order
}

func (p *Producer) advance() int {
	if p.pos == len(p.order) {
		p.passes++
		p.reshuffle()
	}
	idx := p.order[p.pos]
	p.pos++
	return idx
}

// Next returns the next example. Images that fail to load, augment, resize or
// encode are logged and skipped. ErrExhausted is returned once every
// annotation has failed since the last example was produced.
func (p *Producer) Next(ctx context.Context) (*Example, error) {
	failed := make(map[int]bool)
	for len(failed) < len(p.annotations) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		idx := p.advance()
		a := p.annotations[idx]
		ex, err := p.Process(a, p.RandomAugmentation())
		if err == nil {
			return ex, nil
		}
		failed[idx] = true

		p.log.WithFields(logrus.Fields{
			"image":  a.Path,
			"reason": err.Error(),
		}).Warn("skipping image")
	}

	return nil, ErrExhausted
}

// RandomAugmentation draws the transforms for one image. Each enabled flip is
// applied with probability 1/2. When rotation is enabled the image is rotated
// with probability 1/2 by 90, 180 or 270 degrees chosen uniformly.
func (p *Producer) RandomAugmentation() images.Augmentation {
	var a images.Augmentation
	if p.cfg.UseHorizontalFlips {
		a.FlipH = p.rng.Intn(2) == 0
	}
	if p.cfg.UseVerticalFlips {
		a.FlipV = p.rng.Intn(2) == 0
	}
	if p.cfg.Rot90 && p.rng.Intn(2) == 0 {
		a.Rotation = 90 * (1 + p.rng.Intn(3))
	}
	return a
}

// Process turns one annotation into an example using the given augmentation.
func (p *Producer) Process(a Annotation, aug images.Augmentation) (*Example, error) {
	img, err := p.loader.Load(a.Path)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, 0, len(a.Objects))
	for _, o := range a.Objects {
		if o.Class != config.BackgroundClass {
			objects = append(objects, o)
		}
	}
	boxes := make([]images.Rect, len(objects))
	for i, o := range objects {
		boxes[i] = o.Box
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if a.Width != 0 && a.Height != 0 && (a.Width != w || a.Height != h) {
		p.log.WithFields(logrus.Fields{
			"image":     a.Path,
			"annotated": []int{a.Width, a.Height},
			"decoded":   []int{w, h},
		}).Warn("image size differs from annotation, rescaling boxes")
		boxes = images.ScaleBoxes(boxes, float32(w)/float32(a.Width), float32(h)/float32(a.Height))
	}

	img, boxes, err = images.Augment(img, boxes, aug)
	if err != nil {
		return nil, errors.Wrap(err, "augment")
	}

	img, fx, fy, err := images.ResizeShortestSide(img, p.cfg.ImSize)
	if err != nil {
		return nil, errors.Wrap(err, "resize")
	}
	boxes = images.ScaleBoxes(boxes, fx, fy)
	rw, rh := img.Bounds().Dx(), img.Bounds().Dy()

	grid, err := rpn.NewGrid(p.cfg, rw, rh)
	if err != nil {
		return nil, errors.Wrap(err, "anchor grid")
	}

	targets, err := rpn.Encode(p.cfg, grid, boxes, p.rng)
	if err != nil {
		return nil, errors.Wrap(err, "encode")
	}

	input, err := images.ToCHW(img, p.cfg.ImgChannelMean, p.cfg.ImgScalingFactor)
	if err != nil {
		return nil, errors.Wrap(err, "normalise")
	}

	resized := make([]Object, len(objects))
	for i, o := range objects {
		resized[i] = Object{Class: o.Class, Box: boxes[i]}
	}

	return &Example{
		Image:        input,
		Grid:         grid,
		Targets:      targets,
		Annotation:   a,
		Objects:      resized,
		Augmentation: aug,
		Width:        rw,
		Height:       rh,
	}, nil
}
