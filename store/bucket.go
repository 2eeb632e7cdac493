// Package store persists training artifacts: model weights, the config
// snapshot and the running record. Artifacts live in a Bucket, which is a
// local directory or an S3 prefix.
package store

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-rcnn/config"
)

// ErrNotFound is returned by Bucket.Get for a key that does not exist.
var ErrNotFound = errors.New("store: object not found")

// Bucket is a flat key/value blob store.
type Bucket interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
	Exists(ctx context.Context, key string) (bool, error)
	String() string
}

// Open returns the bucket named by cfg.Paths.Bucket: an s3://bucket/prefix
// URL or a local directory.
func Open(cfg *config.Config, log logrus.FieldLogger) (Bucket, error) {
	loc := cfg.Paths.Bucket
	if loc == "" {
		loc = "."
	}

	if !strings.HasPrefix(loc, "s3://") {
		return NewLocalBucket(loc), nil
	}

	u, err := url.Parse(loc)
	if err != nil {
		return nil, errors.Wrapf(err, "parse bucket url %s", loc)
	}
	if u.Host == "" {
		return nil, errors.Errorf("bucket url %s has no bucket name", loc)
	}
	return NewS3Bucket(cfg.S3, u.Host, strings.Trim(u.Path, "/"), log)
}

// LocalBucket stores objects as files under Root.
type LocalBucket struct {
	Root string
}

// NewLocalBucket returns a bucket rooted at dir.
func NewLocalBucket(dir string) *LocalBucket {
	return &LocalBucket{Root: dir}
}

func (b *LocalBucket) path(key string) string {
	return filepath.Join(b.Root, filepath.FromSlash(path.Clean("/"+key)))
}

// Get opens the file of key.
func (b *LocalBucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", key)
	}
	return f, nil
}

// Put writes r to key through a temporary file so that readers never see a
// partial object.
func (b *LocalBucket) Put(_ context.Context, key string, r io.Reader) error {
	dst := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return errors.Wrapf(err, "create temp file for %s", key)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", key)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Wrapf(err, "rename %s", key)
	}
	return nil
}

// Exists reports whether key is present.
func (b *LocalBucket) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Wrapf(err, "stat %s", key)
	}
}

func (b *LocalBucket) String() string { return b.Root }
