// Package cvloader decodes training images with OpenCV.
package cvloader

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Loader reads images through gocv. It handles every format the linked
// OpenCV build supports.
type Loader struct{}

// Load implements dataset.ImageLoader.
func (Loader) Load(path string) (image.Image, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()

	if mat.Empty() {
		return nil, errors.Errorf("gocv: could not read %s", path)
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, errors.Wrapf(err, "gocv: convert %s", path)
	}
	return img, nil
}
