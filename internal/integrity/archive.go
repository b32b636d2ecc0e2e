package integrity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Options configures an S3 or S3-compatible (MinIO, R2) destination.
type S3Options struct {
	Endpoint       string
	Region         string
	Bucket         string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	Prefix         string
}

// Archiver stores reports as JSON objects.
type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewArchiver archives through client into bucket under prefix.
func NewArchiver(client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: prefix}
}

// NewS3Archiver builds an S3 client from opts. Static credentials are used
// when an access key is set; otherwise the default AWS chain applies.
func NewS3Archiver(ctx context.Context, opts S3Options) (*Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("integrity: archive bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("integrity: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		if u, err := url.Parse(endpoint); err != nil || u.Scheme == "" {
			endpoint = "https://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return NewArchiver(s3.NewFromConfig(awsCfg, s3Opts...), opts.Bucket, opts.Prefix), nil
}

// Key is the object key a report is stored under:
// <prefix>/YYYY/MM/DD/<taken_at>-<pass|fail>.json.
func (a *Archiver) Key(r *Report) string {
	outcome := "pass"
	if !r.Passed {
		outcome = "fail"
	}
	t := r.TakenAt.UTC()
	return path.Join(a.prefix, t.Format("2006/01/02"), t.Format("150405.000000000")+"-"+outcome+".json")
}

// Archive uploads r and returns its key.
func (a *Archiver) Archive(ctx context.Context, r *Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("integrity: encode report: %w", err)
	}
	key := a.Key(r)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("integrity: put %s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}
