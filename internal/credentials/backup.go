package credentials

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client used for backups.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Backup uploads credential archives to an S3 bucket so paired identities
// survive loss of the local disk.
type S3Backup struct {
	client ObjectPutter
	store  *Store
	bucket string
	prefix string
}

// NewS3Backup wraps an existing client.
func NewS3Backup(client ObjectPutter, store *Store, bucket, prefix string) *S3Backup {
	return &S3Backup{client: client, store: store, bucket: bucket, prefix: prefix}
}

// NewS3BackupFromEnv builds a client from the default AWS credential chain.
func NewS3BackupFromEnv(ctx context.Context, store *Store, region, bucket, prefix string) (*S3Backup, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Backup(s3.NewFromConfig(cfg), store, bucket, prefix), nil
}

// Key is the object key used for id.
func (b *S3Backup) Key(id string) string {
	return path.Join(b.prefix, id+".zip")
}

// Backup archives the credential directory of id and uploads it.
func (b *S3Backup) Backup(ctx context.Context, id string) error {
	var buf bytes.Buffer
	if err := b.store.Archive(id, &buf); err != nil {
		return err
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.Key(id)),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", b.Key(id), err)
	}
	return nil
}
