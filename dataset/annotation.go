// Package dataset loads ground-truth annotations and turns them into training
// examples for the region proposal network.
package dataset

import (
	"encoding/csv"
	"image"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rcnn/config"
	"github.com/nvr-ai/go-rcnn/images"
)

var (
	// ErrNoAnnotations is returned when an annotation source holds no image.
	ErrNoAnnotations = errors.New("dataset: no annotated images found")
	// ErrNoClasses is returned when an annotation source names no class.
	ErrNoClasses = errors.New("dataset: no classes found")
)

// Object is one ground-truth box.
type Object struct {
	Class string
	Box   images.Rect
}

// Annotation is the ground truth of one image. Immutable once parsed.
type Annotation struct {
	Path   string
	Width  int
	Height int
	// Objects are in original image pixel coordinates.
	Objects []Object
}

// Boxes returns the boxes of all non-background objects.
func (a Annotation) Boxes() []images.Rect {
	out := make([]images.Rect, 0, len(a.Objects))
	for _, o := range a.Objects {
		if o.Class == config.BackgroundClass {
			continue
		}
		out = append(out, o.Box)
	}
	return out
}

// Collection is a parsed annotation source.
type Collection struct {
	// Annotations in order of first appearance of each image.
	Annotations []Annotation
	// ClassCount is the number of objects per class, background included.
	ClassCount map[string]int
	// ClassMapping assigns each class an index. Background is always last.
	ClassMapping map[string]int
	// Dropped counts objects whose box had no area.
	Dropped int
}

// ImageSizer reports the pixel size of an image file.
type ImageSizer interface {
	Size(path string) (width, height int, err error)
}

// HeaderSizer reads the size from the image header without decoding pixels.
type HeaderSizer struct{}

// Size implements ImageSizer.
func (HeaderSizer) Size(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "decode header of %s", path)
	}
	return cfg.Width, cfg.Height, nil
}

// ParseOptions tunes Parse.
type ParseOptions struct {
	// Root is prepended to relative image paths.
	Root string
	// Sizer fills Annotation.Width and Height. When nil the sizes stay zero
	// and are taken from the decoded image later.
	Sizer ImageSizer
}

// Parse reads annotations in the text format
//
//	path,x1,y1,x2,y2,class
//
// with one object per line. Lines of the same path are grouped into one
// Annotation. Classes are indexed in order of first appearance and the
// background class "bg" is moved to, or appended at, the last index.
func Parse(r io.Reader, opts ParseOptions) (*Collection, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 6
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	c := &Collection{
		ClassCount:   map[string]int{},
		ClassMapping: map[string]int{},
	}
	byPath := map[string]int{}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse annotations")
		}
		line, _ := reader.FieldPos(0)

		obj, path, err := parseRecord(record)
		if err != nil {
			return nil, errors.Wrapf(err, "parse annotations: line %d", line)
		}
		if opts.Root != "" && !filepath.IsAbs(path) {
			path = filepath.Join(opts.Root, path)
		}

		c.ClassCount[obj.Class]++
		if _, ok := c.ClassMapping[obj.Class]; !ok {
			c.ClassMapping[obj.Class] = len(c.ClassMapping)
		}

		idx, ok := byPath[path]
		if !ok {
			a := Annotation{Path: path}
			if opts.Sizer != nil {
				a.Width, a.Height, err = opts.Sizer.Size(path)
				if err != nil {
					return nil, errors.Wrapf(err, "parse annotations: line %d", line)
				}
			}
			idx = len(c.Annotations)
			byPath[path] = idx
			c.Annotations = append(c.Annotations, a)
		}

		if !obj.Box.Valid() {
			c.Dropped++
			continue
		}
		c.Annotations[idx].Objects = append(c.Annotations[idx].Objects, obj)
	}

	if len(c.Annotations) == 0 {
		return nil, ErrNoAnnotations
	}
	if len(c.ClassMapping) == 0 {
		return nil, ErrNoClasses
	}

	c.placeBackgroundLast()

	return c, nil
}

func parseRecord(record []string) (Object, string, error) {
	path := strings.TrimSpace(record[0])
	if path == "" {
		return Object{}, "", errors.New("empty image path")
	}

	var coords [4]float32
	for i := range coords {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 32)
		if err != nil {
			return Object{}, "", errors.Wrapf(err, "coordinate %d", i+1)
		}
		coords[i] = float32(v)
	}

	class := strings.TrimSpace(record[5])
	if class == "" {
		return Object{}, "", errors.New("empty class name")
	}

	return Object{
		Class: class,
		Box:   images.Rect{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]},
	}, path, nil
}

// placeBackgroundLast appends the background class when absent and swaps it
// with the last class otherwise.
func (c *Collection) placeBackgroundLast() {
	bg, ok := c.ClassMapping[config.BackgroundClass]
	if !ok {
		c.ClassCount[config.BackgroundClass] = 0
		c.ClassMapping[config.BackgroundClass] = len(c.ClassMapping)
		return
	}

	last := len(c.ClassMapping) - 1
	if bg == last {
		return
	}
	for name, idx := range c.ClassMapping {
		if idx == last {
			c.ClassMapping[name] = bg
			break
		}
	}
	c.ClassMapping[config.BackgroundClass] = last
}

// Load opens and parses the annotation file at path.
func Load(path string, opts ParseOptions) (*Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open annotations %s", path)
	}
	defer f.Close()

	return Parse(f, opts)
}
