package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads decoded payloads to a bucket. Payloads that are not data URLs
// are assumed to be references already and are returned unchanged.
type S3 struct {
	client putObjectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3 builds an uploader using the default AWS credential chain.
func NewS3(ctx context.Context, region, bucket, prefix string) (*S3, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("media: load aws config: %w", err)
	}
	return newS3(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newS3(client putObjectAPI, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// Put uploads payload under <prefix><kind>/<yyyymmdd>/<session>/<uuid><ext>
// and returns an s3:// URI.
func (s *S3) Put(ctx context.Context, kind Kind, sessionID, payload string) (string, error) {
	mime, data, err := ParseDataURL(payload)
	if errors.Is(err, ErrNotDataURL) {
		return payload, nil
	}
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s%s/%s/%s/%s%s",
		s.prefix, kind, s.now().UTC().Format("20060102"), sessionID, uuid.New().String(), extensionFor(mime))

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mime),
	})
	if err != nil {
		return "", fmt.Errorf("media: put %s: %w", key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
