package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Client is the part of the S3 API the store needs.
type S3Client interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// S3Store keeps artifacts as objects under Prefix in Bucket.
type S3Store struct {
	svc    S3Client
	Bucket string
	Prefix string
}

// NewS3Store uses svc, or a client built from the shared AWS config (the
// environment and ~/.aws) when svc is nil.
func NewS3Store(svc S3Client, bucket, prefix string) (*S3Store, error) {
	if svc == nil {
		sess, err := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			return nil, fmt.Errorf("create aws session: %w", err)
		}
		svc = s3.New(sess)
	}
	return &S3Store{svc: svc, Bucket: bucket, Prefix: prefix}, nil
}

func (s *S3Store) Location() string { return "s3://" + path.Join(s.Bucket, s.Prefix) }

func (s *S3Store) key(name string) string {
	return path.Join(s.Prefix, name)
}

// Put buffers the artifact in memory and uploads it in one request.
func (s *S3Store) Put(ctx context.Context, name string, write func(io.Writer) error) error {
	var buf bytes.Buffer
	if err := write(&buf); err != nil {
		return err
	}
	_, err := s.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", s.Bucket, s.key(name), err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, name string, read func(io.Reader) error) error {
	resp, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("get s3://%s/%s: %w", s.Bucket, s.key(name), err)
	}
	defer resp.Body.Close()
	return read(resp.Body)
}
