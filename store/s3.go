package store

import (
	"context"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-rcnn/config"
)

// S3Bucket stores objects under a prefix of an S3 bucket.
type S3Bucket struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	log      logrus.FieldLogger
}

// NewS3Bucket connects to bucket. Endpoint, region and static credentials
// are taken from conf when set, otherwise from the SDK environment.
func NewS3Bucket(conf config.S3, bucket, prefix string, log logrus.FieldLogger) (*S3Bucket, error) {
	awsConf := &aws.Config{
		S3ForcePathStyle: aws.Bool(conf.ForcePathStyle),
	}
	if conf.Endpoint != "" {
		awsConf.Endpoint = aws.String(conf.Endpoint)
	}
	if conf.Region != "" {
		awsConf.Region = aws.String(conf.Region)
	}
	if conf.AccessKeyID != "" {
		awsConf.Credentials = credentials.NewStaticCredentials(conf.AccessKeyID, conf.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsConf)
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}
	client := s3.New(sess)

	return &S3Bucket{
		client:   client,
		uploader: s3manager.NewUploaderWithClient(client),
		bucket:   bucket,
		prefix:   prefix,
		log:      log,
	}, nil
}

func (b *S3Bucket) key(key string) string {
	return objectKey(b.prefix, key)
}

func objectKey(prefix, key string) string {
	k := path.Clean("/" + key)[1:]
	if prefix == "" {
		return k
	}
	return path.Join(prefix, k)
}

// Get streams the object of key.
func (b *S3Bucket) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if isNotFound(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get s3://%s/%s", b.bucket, b.key(key))
	}
	return out.Body, nil
}

// Put uploads r to key.
func (b *S3Bucket) Put(ctx context.Context, key string, r io.Reader) error {
	up, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
		Body:   r,
	})
	if err != nil {
		return errors.Wrapf(err, "upload s3://%s/%s", b.bucket, b.key(key))
	}
	b.log.WithField("location", up.Location).Debug("uploaded artifact")
	return nil
}

// Exists reports whether key is present.
func (b *S3Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "head s3://%s/%s", b.bucket, b.key(key))
	}
	return true, nil
}

func (b *S3Bucket) String() string {
	return "s3://" + path.Join(b.bucket, b.prefix)
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
