package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-rcnn/dataset"
	"github.com/nvr-ai/go-rcnn/rpn"
)

var inspectImages int

var inspectCmd = &cobra.Command{
	Use:   "inspect-anchors",
	Short: "Print the RPN anchor labels of a few augmented training images",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		collection, err := loadDataset(cfg)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		producer, err := dataset.NewProducer(cfg, collection.Annotations, imageLoader(),
			rand.New(rand.NewSource(cfg.Seed)), log)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for i := 0; i < inspectImages; i++ {
			ex, err := producer.Next(cmd.Context())
			if err != nil {
				return err
			}
			printExample(out, ex)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectImages, "images", "n", 5, "number of images to inspect")
}

func printExample(w io.Writer, ex *dataset.Example) {
	var neutral int
	for idx := 0; idx < ex.Grid.Len(); idx++ {
		if ex.Targets.Label(idx) == rpn.Neutral {
			neutral++
		}
	}

	fmt.Fprintf(w, "%s %dx%d grid=%dx%d aug=%+v objects=%d positive=%d negative=%d neutral=%d\n",
		ex.Annotation.Path, ex.Width, ex.Height, ex.Grid.Cols, ex.Grid.Rows, ex.Augmentation,
		len(ex.Objects), ex.Targets.NumPositive, ex.Targets.NumNegative, neutral)

	for idx := 0; idx < ex.Grid.Len(); idx++ {
		if ex.Targets.Label(idx) != rpn.Positive {
			continue
		}
		row, col, a := ex.Grid.Position(idx)
		fmt.Fprintf(w, "  positive anchor row=%d col=%d shape=%d box=%s\n", row, col, a, ex.Grid.AnchorAt(idx))
	}
}
