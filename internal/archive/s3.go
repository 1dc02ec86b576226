package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3PutClient is the subset of the S3 API the uploader calls.
// Satisfied by *s3.Client.
type S3PutClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader writes audit archives to the configured bucket under the
// Glacier Instant Retrieval storage class. Archives are read rarely, if
// ever, but must stay queryable for compliance requests.
type S3Uploader struct {
	client S3PutClient
	bucket string
}

// NewS3Uploader creates an uploader targeting the given bucket.
func NewS3Uploader(client S3PutClient, bucket string) *S3Uploader {
	return &S3Uploader{client: client, bucket: bucket}
}

// Upload implements ObjectUploader.
func (u *S3Uploader) Upload(ctx context.Context, key string, body []byte) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(u.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(body),
		ContentType:  aws.String("application/zstd"),
		StorageClass: s3types.StorageClassGlacierIr,
	})
	if err != nil {
		return fmt.Errorf("putting s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}

var _ ObjectUploader = (*S3Uploader)(nil)
