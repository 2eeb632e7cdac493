// Package postprocess - provides Non-Maximum Suppression for detection results.
package postprocess

import (
	flatbush "github.com/bmharper/flatbush-go"

	"github.com/nvr-ai/go-rcnn/images"
)

// NMSConfig defines parameters for Non-Maximum Suppression.
type NMSConfig struct {
	IoUThreshold float32 // Boxes overlapping a kept box with IoU >= threshold are suppressed.
	MaxBoxes     int     // Stop once this many boxes are kept. Zero means no limit.
	ClassAware   bool    // If true, suppress only within same class.
}

// ApplyGreedyNMS performs greedy Non-Maximum Suppression.
//
// The highest scoring remaining box is kept and every other remaining box
// with IoU >= IoUThreshold against it is discarded, until all boxes are
// processed or MaxBoxes are kept. Candidate overlaps are looked up in a
// flatbush spatial index so only boxes that touch the kept box are compared.
//
// Arguments:
//   - detections: Slice of detections sorted by descending confidence.
//   - config: NMS configuration.
//
// Returns:
//   - The kept detections, a subset of the input in input order. If no
//     detections are provided, returns nil.
func ApplyGreedyNMS(detections []Result, config *NMSConfig) []Result {
	n := len(detections)
	if n == 0 {
		return nil
	}

	limit := n
	if config.MaxBoxes > 0 && config.MaxBoxes < n {
		limit = config.MaxBoxes
	}

	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(n)
	for _, d := range detections {
		fb.Add(d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
	}
	fb.Finish()

	filtered := make([]Result, 0, limit)
	used := make([]bool, n)
	nearby := []int{}

	for i := 0; i < n && len(filtered) < limit; i++ {
		if used[i] {
			continue
		}

		anchor := detections[i]
		filtered = append(filtered, anchor)
		used[i] = true

		nearby = fb.SearchFast(anchor.Box.X1, anchor.Box.Y1, anchor.Box.X2, anchor.Box.Y2, nearby[:0])
		for _, j := range nearby {
			if j <= i || used[j] {
				continue
			}
			if config.ClassAware && detections[j].Class != anchor.Class {
				continue
			}
			if images.CalculateIoU(anchor.Box, detections[j].Box) >= config.IoUThreshold {
				used[j] = true
			}
		}
	}

	return filtered
}
