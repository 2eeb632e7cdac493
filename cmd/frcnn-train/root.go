package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-rcnn/config"
)

// Version is the application version.
const Version = "0.1.0"

// Options holds the flags shared by every command.
type Options struct {
	ConfigPath  string
	Annotations string
	ImageRoot   string
	Bucket      string
	Loader      string
	Seed        int64
	Debug       bool
}

var (
	opts Options
	log  = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "frcnn-train",
	Short:         "Train a Faster R-CNN style detector",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if opts.Debug {
			log.SetLevel(logrus.DebugLevel)
		}
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&opts.ConfigPath, "config", "c", "", "YAML config file overlaid on the defaults")
	f.StringVarP(&opts.Annotations, "path", "p", "", "annotation file (path,x1,y1,x2,y2,class per line)")
	f.StringVar(&opts.ImageRoot, "image-root", "", "directory prepended to relative image paths")
	f.StringVar(&opts.Bucket, "bucket", "", "artifact location: a directory or s3://bucket/prefix")
	f.StringVar(&opts.Loader, "loader", "native", "image decoder: native or opencv")
	f.Int64Var(&opts.Seed, "seed", 0, "random seed (0 keeps the configured seed)")
	f.BoolVar(&opts.Debug, "debug", false, "log every training step")

	rootCmd.AddCommand(trainCmd, inspectCmd, versionCmd)
}

// loadConfig builds the run configuration from the config file and the
// persistent flags.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, err
		}
	}

	if opts.Annotations != "" {
		cfg.Paths.Annotations = opts.Annotations
	}
	if opts.ImageRoot != "" {
		cfg.Paths.ImageRoot = opts.ImageRoot
	}
	if opts.Bucket != "" {
		cfg.Paths.Bucket = opts.Bucket
	}
	if opts.Seed != 0 {
		cfg.Seed = opts.Seed
	}
	return cfg, nil
}
