// Package postprocess - Postprocessing utilities for region proposals.
package postprocess

import (
	"sort"

	"github.com/nvr-ai/go-rcnn/images"
)

// Result represents a single scored box.
type Result struct {
	// The bounding box of the result.
	Box images.Rect
	// The confidence score of the result.
	Score float32
	// The predicted class index of the result, -1 when class agnostic.
	Class int
	// Index is the flat position the result was decoded from.
	Index int
}

// SortByScore orders results by descending score. Ties keep the lower Index
// first so that the order is deterministic for deterministic input.
func SortByScore(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
}

// Boxes returns the boxes of results in order.
func Boxes(results []Result) []images.Rect {
	out := make([]images.Rect, len(results))
	for i, r := range results {
		out[i] = r.Box
	}
	return out
}
