package backbone

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/inference/providers"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// ONNX runs a pretrained convolutional trunk exported to ONNX. The model
// takes a (1,3,H,W) image and returns a (1,C,H/stride,W/stride) feature map.
type ONNX struct {
	session  *providers.Session
	channels int
}

// NewONNX loads the model at modelPath.
func NewONNX(cfg providers.Config, modelPath, inputName, outputName string, channels int) (*ONNX, error) {
	if channels < 1 {
		return nil, errors.Errorf("onnx backbone: invalid channel count %d", channels)
	}
	session, err := providers.NewSession(cfg, modelPath, inputName, outputName)
	if err != nil {
		return nil, errors.Wrap(err, "onnx backbone")
	}
	return &ONNX{session: session, channels: channels}, nil
}

// Channels implements network.Backbone.
func (o *ONNX) Channels() int { return o.channels }

// Features implements network.Backbone.
func (o *ONNX) Features(img *tensor.Dense, grid *rpn.Grid) (*tensor.Dense, error) {
	shape := img.Shape()
	if len(shape) != 3 {
		return nil, errors.Errorf("onnx backbone: expected a (3,H,W) image, got %v", shape)
	}

	data, ok := img.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("onnx backbone: expected float32 image, got %v", img.Dtype())
	}

	out, outShape, err := o.session.Run(data, []int64{1, int64(shape[0]), int64(shape[1]), int64(shape[2])})
	if err != nil {
		return nil, errors.Wrap(err, "onnx backbone")
	}
	if len(outShape) != 4 || outShape[0] != 1 {
		return nil, errors.Errorf("onnx backbone: unexpected output shape %v", outShape)
	}

	features, err := NCHWToGrid(out, int(outShape[1]), int(outShape[2]), int(outShape[3]), grid.Rows, grid.Cols)
	if err != nil {
		return nil, err
	}
	if int(outShape[1]) != o.channels {
		return nil, errors.Errorf("onnx backbone: model has %d channels, configured %d", outShape[1], o.channels)
	}

	return tensor.New(tensor.WithShape(grid.Rows, grid.Cols, o.channels), tensor.WithBacking(features)), nil
}

// Close releases the session.
func (o *ONNX) Close() error { return o.session.Close() }

// NCHWToGrid transposes a (C,H,W) feature map into (rows, cols, C), cropping
// the bottom and right edges when the map is larger than the anchor grid.
func NCHWToGrid(data []float32, c, h, w, rows, cols int) ([]float32, error) {
	if len(data) != c*h*w {
		return nil, errors.Errorf("feature map has %d values, shape needs %d", len(data), c*h*w)
	}
	if rows > h || cols > w {
		return nil, errors.Errorf("feature map %dx%d is smaller than the %dx%d grid", h, w, rows, cols)
	}

	out := make([]float32, rows*cols*c)
	for ch := 0; ch < c; ch++ {
		plane := data[ch*h*w:]
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				out[(y*cols+x)*c+ch] = plane[y*w+x]
			}
		}
	}
	return out, nil
}
