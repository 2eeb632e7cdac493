package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rcnn/config"
)

func TestLocalBucket(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBucket(t.TempDir())

	ok, err := b.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Get(ctx, "a/b.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, b.Put(ctx, "a/b.txt", strings.NewReader("hello")))
	require.NoError(t, b.Put(ctx, "a/b.txt", strings.NewReader("world")))

	ok, err = b.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := b.Get(ctx, "a/b.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	entries, err := os.ReadDir(filepath.Join(b.Root, "a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestLocalBucket_KeysStayInsideRoot(t *testing.T) {
	root := t.TempDir()
	b := NewLocalBucket(filepath.Join(root, "bucket"))

	require.NoError(t, b.Put(context.Background(), "../escape.txt", strings.NewReader("x")))
	_, err := os.Stat(filepath.Join(root, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "bucket", "escape.txt"))
	assert.NoError(t, err)
}

func TestOpen(t *testing.T) {
	log, _ := test.NewNullLogger()

	tests := []struct {
		name    string
		bucket  string
		want    string
		wantErr bool
	}{
		{name: "default", bucket: "", want: "."},
		{name: "local", bucket: "/tmp/run", want: "/tmp/run"},
		{name: "s3", bucket: "s3://models/frcnn/run1", want: "s3://models/frcnn/run1"},
		{name: "s3 without bucket", bucket: "s3:///x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.Bucket = tt.bucket
			cfg.S3.Region = "us-east-1"

			b, err := Open(cfg, log)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.String())
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "record/record.csv", objectKey("", "record/record.csv"))
	assert.Equal(t, "runs/1/record/record.csv", objectKey("runs/1", "record/record.csv"))
	assert.Equal(t, "runs/1/x.csv", objectKey("runs/1", "../x.csv"))
}

func TestRecord_WriteRead(t *testing.T) {
	rows := []Row{
		{MeanOverlappingBoxes: 3.14159, ClassAccuracy: 0.5, LossRPNClass: 0.6931, LossRPNRegression: 0.1,
			LossClassClass: 1.2, LossClassRegression: 0.3, CurrentLoss: 2.2931, ElapsedTime: 1.5},
		{CurrentLoss: 1.0004},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(RecordColumns, ","), lines[0])
	assert.Equal(t, "3.142,0.5,0.693,0.1,1.2,0.3,2.293,1.5,0", lines[1])

	got, err := ReadRecord(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 3.142, got[0].MeanOverlappingBoxes, 1e-9)
	assert.InDelta(t, 2.293, got[0].CurrentLoss, 1e-9)
	assert.InDelta(t, 1.0, got[1].CurrentLoss, 1e-9)
}

func TestReadRecord(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		rows    int
		wantErr bool
	}{
		{name: "empty", input: "", rows: 0},
		{name: "header only", input: strings.Join(RecordColumns, ",") + "\n", rows: 0},
		{
			name: "without mAP",
			input: "curr_loss,mean_overlapping_bboxes,class_acc,loss_rpn_cls,loss_rpn_regr,loss_class_cls,loss_class_regr,elapsed_time\n" +
				"1,2,3,4,5,6,7,8\n",
			rows: 1,
		},
		{name: "missing column", input: "curr_loss\n1\n", wantErr: true},
		{name: "bad number", input: strings.Join(RecordColumns, ",") + "\n1,2,3,4,5,6,x,8,9\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := ReadRecord(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, rows, tt.rows)
		})
	}
}

func TestRecordStore(t *testing.T) {
	ctx := context.Background()
	b := NewLocalBucket(t.TempDir())

	s := NewRecordStore(b, "record/record.csv")
	rows, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, ok := s.BestLoss()
	assert.False(t, ok)

	require.NoError(t, s.Append(ctx, Row{CurrentLoss: 2.5}))
	require.NoError(t, s.Append(ctx, Row{CurrentLoss: 1.25}))
	require.NoError(t, s.Append(ctx, Row{CurrentLoss: 1.75}))

	resumed := NewRecordStore(b, "record/record.csv")
	rows, err = resumed.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	best, ok := resumed.BestLoss()
	require.True(t, ok)
	assert.InDelta(t, 1.25, best, 1e-9)
}

type blob struct{ data string }

func (b *blob) Save(w io.Writer) error {
	_, err := io.WriteString(w, b.data)
	return err
}

func (b *blob) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	b.data = string(data)
	return err
}

func TestWeightStore(t *testing.T) {
	ctx := context.Background()
	s := NewWeightStore(NewLocalBucket(t.TempDir()), "saved_model/model.gob")

	ok, err := s.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, errors.Is(s.Load(ctx, &blob{}), ErrNotFound))

	require.NoError(t, s.Save(ctx, &blob{data: "weights"}))
	ok, err = s.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	var got blob
	require.NoError(t, s.Load(ctx, &got))
	assert.Equal(t, "weights", got.data)
}

func TestConfigStore(t *testing.T) {
	ctx := context.Background()
	s := NewConfigStore(NewLocalBucket(t.TempDir()), "config/config.yaml")

	cfg := config.Default()
	cfg.ClassMapping = map[string]int{"cat": 0, "dog": 1, "bg": 2}
	cfg.RunID = "run-1"
	require.NoError(t, s.Save(ctx, cfg))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.ClassMapping, got.ClassMapping)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, cfg.AnchorBoxScales, got.AnchorBoxScales)
}

func TestConfigStore_OmitsCredentials(t *testing.T) {
	ctx := context.Background()
	bucket := NewLocalBucket(t.TempDir())
	s := NewConfigStore(bucket, "config.yaml")

	cfg := config.Default()
	cfg.S3.Region = "eu-west-1"
	cfg.S3.AccessKeyID = "AKIDEXAMPLE"
	cfg.S3.SecretAccessKey = "super-secret-value"
	require.NoError(t, s.Save(ctx, cfg))

	rc, err := bucket.Get(ctx, "config.yaml")
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-value")
	assert.NotContains(t, string(raw), "AKIDEXAMPLE")

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", got.S3.Region)
	assert.Empty(t, got.S3.SecretAccessKey)

	// the live config keeps its credentials
	assert.Equal(t, "super-secret-value", cfg.S3.SecretAccessKey)
}
