package dataset

import (
	"image"

	_ "github.com/chai2010/webp" // registers the WebP decoder
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rcnn/images"
)

// ImageLoader decodes the image at path.
type ImageLoader interface {
	Load(path string) (image.Image, error)
}

// NativeLoader decodes JPEG, PNG and WebP files in pure Go.
type NativeLoader struct {
	// AutoOrientation applies the EXIF orientation tag.
	AutoOrientation bool
}

// Load implements ImageLoader.
func (l NativeLoader) Load(path string) (image.Image, error) {
	if _, ok := images.FormatFromPath(path); !ok {
		return nil, errors.Errorf("unsupported image format: %s", path)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(l.AutoOrientation))
	if err != nil {
		return nil, errors.Wrapf(err, "open image %s", path)
	}
	return img, nil
}
