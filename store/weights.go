package store

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rcnn/config"
)

// Saver writes model weights.
type Saver interface {
	Save(w io.Writer) error
}

// Loader reads model weights.
type Loader interface {
	Load(r io.Reader) error
}

// WeightStore keeps the model weight blob under a single key.
type WeightStore struct {
	bucket Bucket
	key    string
}

// NewWeightStore returns a store for the weights at key.
func NewWeightStore(bucket Bucket, key string) *WeightStore {
	return &WeightStore{bucket: bucket, key: key}
}

// Exists reports whether weights were saved before.
func (s *WeightStore) Exists(ctx context.Context) (bool, error) {
	return s.bucket.Exists(ctx, s.key)
}

// Load restores the saved weights into m.
func (s *WeightStore) Load(ctx context.Context, m Loader) error {
	rc, err := s.bucket.Get(ctx, s.key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := m.Load(rc); err != nil {
		return errors.Wrapf(err, "load weights %s", s.key)
	}
	return nil
}

// Save serialises m and replaces the stored weights.
func (s *WeightStore) Save(ctx context.Context, m Saver) error {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return errors.Wrap(err, "serialise weights")
	}
	if err := s.bucket.Put(ctx, s.key, &buf); err != nil {
		return errors.Wrapf(err, "save weights %s", s.key)
	}
	return nil
}

// ConfigStore keeps the config snapshot of a run.
type ConfigStore struct {
	bucket Bucket
	key    string
}

// NewConfigStore returns a store for the snapshot at key.
func NewConfigStore(bucket Bucket, key string) *ConfigStore {
	return &ConfigStore{bucket: bucket, key: key}
}

// Save writes cfg as YAML with the S3 credentials removed.
func (s *ConfigStore) Save(ctx context.Context, cfg *config.Config) error {
	data, err := cfg.Redacted().Marshal()
	if err != nil {
		return err
	}
	if err := s.bucket.Put(ctx, s.key, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "save config snapshot %s", s.key)
	}
	return nil
}

// Load reads the snapshot back.
func (s *ConfigStore) Load(ctx context.Context) (*config.Config, error) {
	rc, err := s.bucket.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read config snapshot %s", s.key)
	}
	return config.Unmarshal(data)
}
