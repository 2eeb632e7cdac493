// Package shallow implements network.Detector as two linear heads on top of a
// frozen backbone. Gradients come from a gorgonia graph rebuilt for every
// step, the weights are updated with Adam.
package shallow

import (
	"encoding/gob"
	"io"
	"math"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/network"
	"github.com/nvr-ai/go-rcnn/roi"
	"github.com/nvr-ai/go-rcnn/rpn"
)

const (
	initStd           = 0.01
	checkpointVersion = 1
)

// Detector is a region proposal head and a classifier head sharing one
// frozen backbone.
//
// The RPN head maps every grid cell's features to A objectness logits and 4A
// deltas. The classifier head pools the cells under each ROI (mean and max)
// and maps them to K class logits and 4(K-1) deltas.
type Detector struct {
	cfg        *config.Config
	backbone   network.Backbone
	numClasses int
	log        logrus.FieldLogger

	rpnCls  *param
	rpnRegr *param
	clsCls  *param
	clsRegr *param

	rpnOpt *adam
	clsOpt *adam

	cache featureCache
}

var _ network.Detector = (*Detector)(nil)

// New returns a detector with freshly initialised heads.
func New(
	cfg *config.Config,
	backbone network.Backbone,
	numClasses int,
	rng *rand.Rand,
	log logrus.FieldLogger,
) (*Detector, error) {
	if numClasses < 2 {
		return nil, errors.Errorf("shallow: need at least one class besides background, got %d classes", numClasses)
	}
	a := cfg.NumAnchors()
	if a < 1 {
		return nil, errors.New("shallow: no anchor shapes configured")
	}

	c := backbone.Channels()
	rpnIn := c + 1
	clsIn := 2*c + 1

	d := &Detector{
		cfg:        cfg,
		backbone:   backbone,
		numClasses: numClasses,
		log:        log,
		rpnCls:     newParam("rpn_out_class", rpnIn, a, initStd, rng),
		rpnRegr:    newParam("rpn_out_regress", rpnIn, 4*a, initStd, rng),
		clsCls:     newParam("dense_class", clsIn, numClasses, initStd, rng),
		clsRegr:    newParam("dense_regress", clsIn, 4*(numClasses-1), initStd, rng),
		rpnOpt:     newAdam(cfg.LearningRate),
		clsOpt:     newAdam(cfg.ClassifierLearningRate),
	}

	log.WithFields(logrus.Fields{
		"channels": c,
		"anchors":  a,
		"classes":  numClasses,
	}).Debug("initialised detector heads")

	return d, nil
}

// featureCache keeps the backbone output of the most recent image, which is
// shared by the RPN step, the proposal prediction and the classifier step.
type featureCache struct {
	img      *tensor.Dense
	grid     *rpn.Grid
	features []float32
}

// features returns the (Rows*Cols, C) backbone output of img.
func (d *Detector) features(img *tensor.Dense, grid *rpn.Grid) ([]float32, error) {
	if d.cache.img == img && d.cache.grid == grid {
		return d.cache.features, nil
	}

	f, err := d.backbone.Features(img, grid)
	if err != nil {
		return nil, errors.Wrap(err, "backbone")
	}
	shape := f.Shape()
	if len(shape) != 3 || shape[0] != grid.Rows || shape[1] != grid.Cols || shape[2] != d.backbone.Channels() {
		return nil, errors.Errorf("backbone returned shape %v, want (%d, %d, %d)",
			shape, grid.Rows, grid.Cols, d.backbone.Channels())
	}
	data, ok := f.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("backbone returned %v, want float32", f.Dtype())
	}

	d.cache = featureCache{img: img, grid: grid, features: data}
	return data, nil
}

// design appends the bias column to the cell features. (Rows*Cols, C+1)
func (d *Detector) design(img *tensor.Dense, grid *rpn.Grid) ([]float32, int, error) {
	f, err := d.features(img, grid)
	if err != nil {
		return nil, 0, err
	}
	c := d.backbone.Channels()
	n := grid.Rows * grid.Cols

	x := make([]float32, n*(c+1))
	for i := 0; i < n; i++ {
		copy(x[i*(c+1):], f[i*c:(i+1)*c])
		x[i*(c+1)+c] = 1
	}
	return x, n, nil
}

// TrainRPN implements network.Detector.
func (d *Detector) TrainRPN(img *tensor.Dense, grid *rpn.Grid, t *rpn.Targets) (network.RPNLosses, error) {
	var losses network.RPNLosses

	a := grid.NumAnchors()
	if a != d.rpnCls.cols {
		return losses, errors.Errorf("shallow: grid has %d anchors per cell, head has %d", a, d.rpnCls.cols)
	}

	x, n, err := d.design(img, grid)
	if err != nil {
		return losses, err
	}

	y, err := denseData(t.Objectness, n*a)
	if err != nil {
		return losses, errors.Wrap(err, "objectness targets")
	}
	valid, err := denseData(t.Valid, n*a)
	if err != nil {
		return losses, errors.Wrap(err, "valid mask")
	}
	regr, err := denseData(t.Regression, n*4*a)
	if err != nil {
		return losses, errors.Wrap(err, "regression targets")
	}
	mask, err := denseData(t.RegressionMask, n*4*a)
	if err != nil {
		return losses, errors.Wrap(err, "regression mask")
	}

	eps := d.cfg.Epsilon
	offset := make([]float32, n*a)
	sign := make([]float32, n*a)
	for i, v := range y {
		offset[i] = 1 - v + eps
		sign[i] = 2*v - 1
	}
	clsDenom := float32(n*a)*eps + sum(valid)
	maskSum := sum(mask)
	regrDenom := float32(n*4*a)*eps + maskSum

	g := G.NewGraph()
	X := matrix(g, "x", n, d.rpnCls.rows, x)
	wc := matrix(g, d.rpnCls.name, d.rpnCls.rows, d.rpnCls.cols, d.rpnCls.dense().Data().([]float32))
	wr := matrix(g, d.rpnRegr.name, d.rpnRegr.rows, d.rpnRegr.cols, d.rpnRegr.dense().Data().([]float32))

	p := G.Must(G.Sigmoid(G.Must(G.Mul(X, wc))))
	q := G.Must(G.Add(matrix(g, "offset", n, a, offset), G.Must(G.HadamardProd(matrix(g, "sign", n, a, sign), p))))
	bce := G.Must(G.Sum(G.Must(G.HadamardProd(matrix(g, "valid", n, a, valid), G.Must(G.Log(q))))))
	clsCost := G.Must(G.Mul(G.NewConstant(-d.cfg.LambdaRPNClass/clsDenom), bce))

	pred := G.Must(G.Mul(X, wr))
	regrCost := G.Must(G.Mul(
		G.NewConstant(d.cfg.LambdaRPNRegr/regrDenom),
		pseudoHuber(g, pred, matrix(g, "regression", n, 4*a, regr), matrix(g, "mask", n, 4*a, mask), n, 4*a),
	))

	cost := G.Must(G.Add(clsCost, regrCost))
	grads, err := d.run(g, cost, clsCost, regrCost, wc, wr)
	if err != nil {
		return losses, errors.Wrap(err, "rpn step")
	}

	losses.Class = grads.values[0]
	// pseudo-Huber is sqrt(d^2+1)-1; the constant part is removed here.
	losses.Regression = grads.values[1] - d.cfg.LambdaRPNRegr*maskSum/regrDenom

	if err := d.rpnOpt.step([]*param{d.rpnCls, d.rpnRegr}, grads.grads); err != nil {
		return losses, err
	}
	return losses, nil
}

// PredictRPN implements network.Detector.
func (d *Detector) PredictRPN(img *tensor.Dense, grid *rpn.Grid) (*rpn.Output, error) {
	a := grid.NumAnchors()
	if a != d.rpnCls.cols {
		return nil, errors.Errorf("shallow: grid has %d anchors per cell, head has %d", a, d.rpnCls.cols)
	}

	x, n, err := d.design(img, grid)
	if err != nil {
		return nil, err
	}

	logits, err := matmul(x, n, d.rpnCls)
	if err != nil {
		return nil, err
	}
	for i, v := range logits {
		logits[i] = sigmoid(v)
	}
	deltas, err := matmul(x, n, d.rpnRegr)
	if err != nil {
		return nil, err
	}

	return &rpn.Output{
		Objectness: tensor.New(tensor.WithShape(grid.Rows, grid.Cols, a), tensor.WithBacking(logits)),
		Regression: tensor.New(tensor.WithShape(grid.Rows, grid.Cols, 4*a), tensor.WithBacking(deltas)),
	}, nil
}

// TrainClassifier implements network.Detector.
func (d *Detector) TrainClassifier(img *tensor.Dense, grid *rpn.Grid, b *roi.Batch) (network.ClassifierLosses, error) {
	var losses network.ClassifierLosses

	r := len(b.ROIs)
	if r == 0 {
		return losses, errors.New("shallow: empty ROI batch")
	}
	k := d.numClasses
	f := 4 * (k - 1)

	y, err := denseData(b.Classes, r*k)
	if err != nil {
		return losses, errors.Wrap(err, "class targets")
	}
	regr, err := denseData(b.RegressionTargets, r*f)
	if err != nil {
		return losses, errors.Wrap(err, "regression targets")
	}
	labels, err := denseData(b.RegressionLabels, r*f)
	if err != nil {
		return losses, errors.Wrap(err, "regression labels")
	}

	x, err := d.pool(img, grid, b)
	if err != nil {
		return losses, err
	}

	logits, err := matmul(x, r, d.clsCls)
	if err != nil {
		return losses, err
	}
	rowMax := make([]float32, r*k)
	var correct int
	for i := 0; i < r; i++ {
		row := logits[i*k : (i+1)*k]
		m := row[argmax(row)]
		for j := range row {
			rowMax[i*k+j] = m
		}
		if argmax(row) == argmax(y[i*k:(i+1)*k]) {
			correct++
		}
	}
	losses.Accuracy = float32(correct) / float32(r)

	labelSum := sum(labels)
	regrDenom := float32(r*f)*d.cfg.Epsilon + labelSum

	g := G.NewGraph()
	X := matrix(g, "rois", r, d.clsCls.rows, x)
	wk := matrix(g, d.clsCls.name, d.clsCls.rows, d.clsCls.cols, d.clsCls.dense().Data().([]float32))
	wg := matrix(g, d.clsRegr.name, d.clsRegr.rows, d.clsRegr.cols, d.clsRegr.dense().Data().([]float32))

	shifted := G.Must(G.Sub(G.Must(G.Mul(X, wk)), matrix(g, "row_max", r, k, rowMax)))
	lse := G.Must(G.Sum(G.Must(G.Log(G.Must(G.Sum(G.Must(G.Exp(shifted)), 1))))))
	picked := G.Must(G.Sum(G.Must(G.HadamardProd(matrix(g, "classes", r, k, y), shifted))))
	clsCost := G.Must(G.Mul(G.NewConstant(d.cfg.LambdaClsClass/float32(r)), G.Must(G.Sub(lse, picked))))

	pred := G.Must(G.Mul(X, wg))
	regrCost := G.Must(G.Mul(
		G.NewConstant(d.cfg.LambdaClsRegr/regrDenom),
		pseudoHuber(g, pred, matrix(g, "regression", r, f, regr), matrix(g, "labels", r, f, labels), r, f),
	))

	cost := G.Must(G.Add(clsCost, regrCost))
	grads, err := d.run(g, cost, clsCost, regrCost, wk, wg)
	if err != nil {
		return losses, errors.Wrap(err, "classifier step")
	}

	losses.Class = grads.values[0]
	losses.Regression = grads.values[1] - d.cfg.LambdaClsRegr*labelSum/regrDenom

	if err := d.clsOpt.step([]*param{d.clsCls, d.clsRegr}, grads.grads); err != nil {
		return losses, err
	}
	return losses, nil
}

// pool builds the (R, 2C+1) classifier input: per ROI the mean and the max of
// the feature cells it covers, followed by a bias column.
func (d *Detector) pool(img *tensor.Dense, grid *rpn.Grid, b *roi.Batch) ([]float32, error) {
	feat, err := d.features(img, grid)
	if err != nil {
		return nil, err
	}
	c := d.backbone.Channels()
	width := 2*c + 1
	s := float32(grid.Stride)

	out := make([]float32, len(b.ROIs)*width)
	for i, box := range b.ROIs {
		c0, c1 := cellSpan(box.X1/s, box.X2/s, grid.Cols)
		r0, r1 := cellSpan(box.Y1/s, box.Y2/s, grid.Rows)

		row := out[i*width : (i+1)*width]
		mean, peak := row[:c], row[c:2*c]
		for ch := range peak {
			peak[ch] = -math.MaxFloat32
		}
		for y := r0; y < r1; y++ {
			for x := c0; x < c1; x++ {
				cell := feat[(y*grid.Cols+x)*c:]
				for ch := 0; ch < c; ch++ {
					mean[ch] += cell[ch]
					peak[ch] = math32.Max(peak[ch], cell[ch])
				}
			}
		}
		cells := float32((r1 - r0) * (c1 - c0))
		for ch := range mean {
			mean[ch] /= cells
		}
		row[2*c] = 1
	}
	return out, nil
}

// cellSpan converts a box side in cell units to a non-empty [lo, hi) range of
// cells within [0, n).
func cellSpan(from, to float32, n int) (int, int) {
	lo := int(math32.Floor(from))
	hi := int(math32.Ceil(to))
	lo = min(max(lo, 0), n-1)
	hi = min(max(hi, lo+1), n)
	return lo, hi
}

type stepResult struct {
	values []float32
	grads  [][]float32
}

// run differentiates cost with respect to weights, executes the graph and
// returns the values of the reported nodes with the gradients.
func (d *Detector) run(g *G.ExprGraph, cost, clsCost, regrCost *G.Node, weights ...*G.Node) (*stepResult, error) {
	gradNodes, err := G.Grad(cost, weights...)
	if err != nil {
		return nil, errors.Wrap(err, "differentiate")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()

	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "run graph")
	}

	res := &stepResult{}
	for _, n := range []*G.Node{clsCost, regrCost} {
		v, err := scalar(n)
		if err != nil {
			return nil, err
		}
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return nil, errors.Errorf("%s is not finite", n.Name())
		}
		res.values = append(res.values, v)
	}
	for _, n := range gradNodes {
		data, ok := n.Value().Data().([]float32)
		if !ok {
			return nil, errors.Errorf("gradient %s is %T, want []float32", n.Name(), n.Value().Data())
		}
		grad := make([]float32, len(data))
		copy(grad, data)
		res.grads = append(res.grads, grad)
	}
	return res, nil
}

// pseudoHuber returns sum(mask * sqrt((pred-target)^2 + 1)).
func pseudoHuber(g *G.ExprGraph, pred, target, mask *G.Node, rows, cols int) *G.Node {
	ones := make([]float32, rows*cols)
	for i := range ones {
		ones[i] = 1
	}
	diff := G.Must(G.Sub(pred, target))
	h := G.Must(G.Sqrt(G.Must(G.Add(G.Must(G.Square(diff)), matrix(g, "ones", rows, cols, ones)))))
	return G.Must(G.Sum(G.Must(G.HadamardProd(mask, h))))
}

func matrix(g *G.ExprGraph, name string, rows, cols int, data []float32) *G.Node {
	return G.NewMatrix(g, G.Float32,
		G.WithShape(rows, cols),
		G.WithName(name),
		G.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(data))),
	)
}

func scalar(n *G.Node) (float32, error) {
	switch v := n.Value().Data().(type) {
	case float32:
		return v, nil
	case []float32:
		if len(v) == 1 {
			return v[0], nil
		}
	}
	return 0, errors.Errorf("%s is not a float32 scalar", n.Name())
}

func denseData(t *tensor.Dense, want int) ([]float32, error) {
	if t == nil {
		return nil, errors.New("missing tensor")
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("expected float32 tensor, got %v", t.Dtype())
	}
	if len(data) != want {
		return nil, errors.Errorf("tensor of shape %v has %d values, want %d", t.Shape(), len(data), want)
	}
	return data, nil
}

func sum(v []float32) float32 {
	var s float32
	for _, x := range v {
		s += x
	}
	return s
}

type checkpoint struct {
	Version int
	Weights map[string]*tensor.Dense
	M       map[string]*tensor.Dense
	V       map[string]*tensor.Dense
	Steps   map[string]int
}

func (d *Detector) params() []*param {
	return []*param{d.rpnCls, d.rpnRegr, d.clsCls, d.clsRegr}
}

// Save implements network.Detector. Weights and optimiser state are written
// as a gob stream.
func (d *Detector) Save(w io.Writer) error {
	ck := checkpoint{
		Version: checkpointVersion,
		Weights: map[string]*tensor.Dense{},
		M:       map[string]*tensor.Dense{},
		V:       map[string]*tensor.Dense{},
		Steps:   map[string]int{"rpn": d.rpnOpt.t, "classifier": d.clsOpt.t},
	}
	for _, p := range d.params() {
		ck.Weights[p.name] = p.dense()
		ck.M[p.name] = tensor.New(tensor.WithShape(p.rows, p.cols), tensor.WithBacking(append([]float32(nil), p.m...)))
		ck.V[p.name] = tensor.New(tensor.WithShape(p.rows, p.cols), tensor.WithBacking(append([]float32(nil), p.v...)))
	}
	if err := gob.NewEncoder(w).Encode(&ck); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	return nil
}

// Load implements network.Detector. Every head must match the shapes of the
// current configuration.
func (d *Detector) Load(r io.Reader) error {
	var ck checkpoint
	if err := gob.NewDecoder(r).Decode(&ck); err != nil {
		return errors.Wrap(err, "decode checkpoint")
	}
	if ck.Version != checkpointVersion {
		return errors.Errorf("checkpoint version %d, want %d", ck.Version, checkpointVersion)
	}

	for _, p := range d.params() {
		w, ok := ck.Weights[p.name]
		if !ok {
			return errors.Errorf("checkpoint has no weights for %s", p.name)
		}
		if err := p.set(p.name, w, p.w); err != nil {
			return err
		}
		if m, ok := ck.M[p.name]; ok {
			if err := p.set(p.name+"/m", m, p.m); err != nil {
				return err
			}
		}
		if v, ok := ck.V[p.name]; ok {
			if err := p.set(p.name+"/v", v, p.v); err != nil {
				return err
			}
		}
	}
	d.rpnOpt.t = ck.Steps["rpn"]
	d.clsOpt.t = ck.Steps["classifier"]
	d.cache = featureCache{}

	d.log.WithField("steps", ck.Steps).Info("loaded detector checkpoint")
	return nil
}
