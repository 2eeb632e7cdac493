package shallow

import (
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// param is one trainable weight matrix with its Adam moments.
type param struct {
	name       string
	rows, cols int
	w, m, v    []float32
}

// newParam initialises a rows x cols matrix with N(0, std) weights. The last
// row is the bias and starts at zero.
func newParam(name string, rows, cols int, std float64, rng *rand.Rand) *param {
	p := &param{
		name: name,
		rows: rows,
		cols: cols,
		w:    make([]float32, rows*cols),
		m:    make([]float32, rows*cols),
		v:    make([]float32, rows*cols),
	}
	for i := 0; i < (rows-1)*cols; i++ {
		p.w[i] = float32(rng.NormFloat64() * std)
	}
	return p
}

// dense returns a tensor view over a copy of the weights.
func (p *param) dense() *tensor.Dense {
	w := make([]float32, len(p.w))
	copy(w, p.w)
	return tensor.New(tensor.WithShape(p.rows, p.cols), tensor.WithBacking(w))
}

func (p *param) set(name string, t *tensor.Dense, dst []float32) error {
	shape := t.Shape()
	if len(shape) != 2 || shape[0] != p.rows || shape[1] != p.cols {
		return errors.Errorf("checkpoint %s has shape %v, want (%d, %d)", name, shape, p.rows, p.cols)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return errors.Errorf("checkpoint %s is %v, want float32", name, t.Dtype())
	}
	copy(dst, data)
	return nil
}

// adam holds the step counter of one head.
type adam struct {
	lr    float32
	beta1 float32
	beta2 float32
	eps   float32
	t     int
}

func newAdam(lr float32) *adam {
	return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
}

// step applies one bias-corrected Adam update of params with grads.
func (a *adam) step(params []*param, grads [][]float32) error {
	if len(params) != len(grads) {
		return errors.Errorf("adam: %d params, %d gradients", len(params), len(grads))
	}
	for i, p := range params {
		if len(grads[i]) != len(p.w) {
			return errors.Errorf("adam: gradient of %s has %d values, want %d", p.name, len(grads[i]), len(p.w))
		}
	}

	a.t++
	c1 := 1 - math32.Pow(a.beta1, float32(a.t))
	c2 := 1 - math32.Pow(a.beta2, float32(a.t))

	for i, p := range params {
		for j, g := range grads[i] {
			p.m[j] = a.beta1*p.m[j] + (1-a.beta1)*g
			p.v[j] = a.beta2*p.v[j] + (1-a.beta2)*g*g
			mhat := p.m[j] / c1
			vhat := p.v[j] / c2
			p.w[j] -= a.lr * mhat / (math32.Sqrt(vhat) + a.eps)
		}
	}
	return nil
}

// matmul multiplies the rows x p.rows matrix x by the weights of p.
func matmul(x []float32, rows int, p *param) ([]float32, error) {
	if len(x) != rows*p.rows {
		return nil, errors.Errorf("matmul: input has %d values, want %d x %d", len(x), rows, p.rows)
	}
	in := tensor.New(tensor.WithShape(rows, p.rows), tensor.WithBacking(x))
	out, err := in.MatMul(p.dense())
	if err != nil {
		return nil, errors.Wrapf(err, "matmul with %s", p.name)
	}
	return out.Data().([]float32), nil
}

func sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}
