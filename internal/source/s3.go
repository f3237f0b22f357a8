package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Options configures the default AWS-backed ObjectFetcher. Empty keys
// fall back to the SDK's default credential chain.
type S3Options struct {
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// ObjectFetcher downloads an object into dst and returns its original file
// name, if the object carries one in its metadata.
type ObjectFetcher interface {
	Fetch(ctx context.Context, bucket, key string, dst io.WriterAt) (name string, err error)
}

// S3Fetcher is the AWS SDK implementation of ObjectFetcher.
type S3Fetcher struct {
	client     *s3.Client
	downloader *manager.Downloader
}

// NewS3Fetcher loads the AWS config, preferring static credentials when given.
func NewS3Fetcher(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	cli := s3.NewFromConfig(cfg)
	return &S3Fetcher{client: cli, downloader: manager.NewDownloader(cli)}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, bucket, key string, dst io.WriterAt) (string, error) {
	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}

	n, err := f.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}

	var name string
	for k, v := range head.Metadata {
		if strings.EqualFold(k, "name") {
			name = v
			break
		}
	}
	log.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Str("name", name).Msg("downloaded s3 object")
	return name, nil
}

// ParseS3Ref splits s3://bucket/key.
func ParseS3Ref(ref string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(ref, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not an s3 reference", ErrInvalidRef, ref)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q needs a bucket and key", ErrInvalidRef, ref)
	}
	return bucket, key, nil
}

func (r *Resolver) objects(ctx context.Context) (ObjectFetcher, error) {
	r.s3once.Do(func() {
		if r.opts.Objects != nil {
			return
		}
		f, err := NewS3Fetcher(ctx, r.opts.S3)
		if err != nil {
			r.s3err = err
			return
		}
		r.opts.Objects = f
	})
	if r.s3err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, r.s3err)
	}
	return r.opts.Objects, nil
}

func (r *Resolver) fromS3(ctx context.Context, ref string) (*Local, error) {
	bucket, key, err := ParseS3Ref(ref)
	if err != nil {
		return nil, err
	}
	fetcher, err := r.objects(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(r.opts.ScratchDir, scratchPrefix+"*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	loc := &Local{Path: f.Name(), scratch: true}

	name, err := fetcher.Fetch(ctx, bucket, key, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		loc.Cleanup()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	loc.DisplayName = name
	return loc, nil
}
