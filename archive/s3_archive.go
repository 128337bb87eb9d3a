// Package archive copies a finished run's results directory to S3.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
)

type S3API interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3ArchiveInput struct {
	AwsConfig         aws.Config
	Bucket            string
	Prefix            string    // key prefix, objects go under <prefix>/<run id>/
	UploadConcurrency int       // 8 by default
	Progress          io.Writer // where to draw a progress bar, none if nil
}

type S3Archive struct {
	input    *S3ArchiveInput
	s3       S3API
	uploader Uploader
}

func NewS3Archive(input *S3ArchiveInput) *S3Archive {
	client := s3.NewFromConfig(input.AwsConfig)
	return newS3Archive(input, client, manager.NewUploader(client))
}

func newS3Archive(input *S3ArchiveInput, client S3API, uploader Uploader) *S3Archive {
	in := *input
	if in.UploadConcurrency <= 0 {
		in.UploadConcurrency = 8
	}
	return &S3Archive{input: &in, s3: client, uploader: uploader}
}

// EnsureBucket creates the bucket unless we already own it.
func (a *S3Archive) EnsureBucket(ctx context.Context) error {
	in := &s3.CreateBucketInput{
		Bucket: &a.input.Bucket,
		ACL:    s3Types.BucketCannedACLPrivate,
	}
	// us-east-1 rejects an explicit location constraint
	if region := a.input.AwsConfig.Region; region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(region),
		}
	}
	_, err := a.s3.CreateBucket(ctx, in)
	var e *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &e) {
		slog.Debug("bucket already exists", slog.String("name", a.input.Bucket))
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", a.input.Bucket, err)
	}
	slog.Debug("created bucket", slog.String("name", a.input.Bucket))
	return nil
}

func (a *S3Archive) Key(runID string, name string) string {
	return path.Join(a.input.Prefix, runID, name)
}

// Upload copies every regular file in dir under <prefix>/<run id>/ and returns how many made it.
// Hidden files are skipped. Every file is attempted even if some uploads fail.
func (a *S3Archive) Upload(ctx context.Context, dir string, runID string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}

	slog.Info("uploading results", slog.String("bucket", a.input.Bucket), slog.Int("files", len(names)))
	var bar *progressbar.ProgressBar
	if a.input.Progress != nil {
		bar = progressbar.NewOptions(len(names),
			progressbar.OptionSetWriter(a.input.Progress),
			progressbar.OptionSetDescription("Uploading results:"),
			progressbar.OptionShowCount(),
		)
	} else {
		bar = progressbar.DefaultSilent(int64(len(names)))
	}

	var mu sync.Mutex
	var errs []error
	uploaded := 0
	pool := pond.New(a.input.UploadConcurrency, 0, pond.MinWorkers(a.input.UploadConcurrency))
	for _, name := range names {
		pool.Submit(func() {
			defer bar.Add(1)
			err := a.uploadFile(ctx, filepath.Join(dir, name), a.Key(runID, name))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Error("failed to upload S3 object", slog.String("file", name), slog.String("error", err.Error()))
				errs = append(errs, err)
				return
			}
			uploaded++
		})
	}
	pool.StopAndWait()
	bar.Finish()

	if len(errs) > 0 {
		return uploaded, fmt.Errorf("some results failed to upload: %w", errors.Join(errs...))
	}
	slog.Info("done uploading", slog.String("bucket", a.input.Bucket), slog.String("prefix", a.Key(runID, "")))
	return uploaded, nil
}

func (a *S3Archive) uploadFile(ctx context.Context, localPath string, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &a.input.Bucket,
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s failed: %w", key, err)
	}
	return nil
}
