// Package s3remote implements engine.Remote on an S3 compatible bucket.
// Directories are key prefixes; an empty directory is kept alive by a
// zero-byte "dir/" marker object. The object ETag is the version.
package s3remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/fruitsalade/fileprovider/internal/engine"
	"github.com/fruitsalade/fileprovider/internal/logging"
)

// API is the subset of the S3 client used here. *s3.Client implements it.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Config holds bucket settings for one account.
type Config struct {
	Endpoint  string // empty for AWS
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Prefix    string // key prefix the account is rooted at
}

// Remote is an engine.Remote backed by a bucket.
type Remote struct {
	api    API
	bucket string
	prefix string
}

// New connects to the bucket described by cfg.
func New(ctx context.Context, cfg Config) (*Remote, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logging.Info("s3 remote configured",
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("prefix", cfg.Prefix))
	return NewWithAPI(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, bucket, prefix string) *Remote {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Remote{api: api, bucket: bucket, prefix: prefix}
}

// key returns the object key for remotePath; the root maps to the prefix.
func (r *Remote) key(remotePath string) string {
	p := strings.TrimPrefix(path.Clean("/"+remotePath), "/")
	return r.prefix + p
}

// dirPrefix returns the key prefix holding the children of remotePath.
func (r *Remote) dirPrefix(remotePath string) string {
	k := r.key(remotePath)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func isRoot(remotePath string) bool {
	return path.Clean("/"+remotePath) == "/"
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

// ListChildren implements engine.Remote.
func (r *Remote) ListChildren(ctx context.Context, remotePath string) ([]engine.Entry, error) {
	prefix := r.dirPrefix(remotePath)
	paginator := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []engine.Entry
	found := false
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", remotePath, err)
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name == "" {
				continue
			}
			entries = append(entries, engine.Entry{Name: name, IsContainer: true})
		}
		for _, obj := range page.Contents {
			found = true
			key := aws.ToString(obj.Key)
			if key == prefix {
				continue // directory marker
			}
			entries = append(entries, objectEntry(strings.TrimPrefix(key, prefix), obj.ETag, aws.ToInt64(obj.Size), obj.LastModified))
		}
	}

	if !found && !isRoot(remotePath) {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, remotePath)
	}
	return entries, nil
}

// Stat implements engine.Remote.
func (r *Remote) Stat(ctx context.Context, remotePath string) (engine.Entry, error) {
	if isRoot(remotePath) {
		return engine.Entry{Name: "", IsContainer: true}, nil
	}

	head, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(remotePath)),
	})
	if err == nil {
		return objectEntry(path.Base(remotePath), head.ETag, aws.ToInt64(head.ContentLength), head.LastModified), nil
	}
	if !isNotFound(err) {
		return engine.Entry{}, fmt.Errorf("stat %s: %w", remotePath, err)
	}

	out, err := r.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.bucket),
		Prefix:  aws.String(r.dirPrefix(remotePath)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return engine.Entry{}, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return engine.Entry{}, fmt.Errorf("%w: %s", engine.ErrNotFound, remotePath)
	}
	return engine.Entry{Name: path.Base(remotePath), IsContainer: true}, nil
}

// Download implements engine.Remote.
func (r *Remote) Download(ctx context.Context, remotePath, localPath string, progress *engine.Progress) error {
	out, err := r.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(remotePath)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", engine.ErrNotFound, remotePath)
		}
		return fmt.Errorf("get %s: %w", remotePath, err)
	}
	defer out.Body.Close()

	if n := aws.ToInt64(out.ContentLength); n > 0 {
		progress.SetTotal(n)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("create local dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(progress.Writer(tmp), out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", remotePath, err)
	}
	return os.Rename(tmp.Name(), localPath)
}

// Upload implements engine.Remote.
func (r *Remote) Upload(ctx context.Context, remotePath, localPath string, progress *engine.Progress) (engine.UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return engine.UploadResult{}, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return engine.UploadResult{}, fmt.Errorf("stat source: %w", err)
	}
	progress.SetTotal(info.Size())

	out, err := r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(r.key(remotePath)),
		Body:          &fileBody{f: f, progress: progress},
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return engine.UploadResult{}, fmt.Errorf("put %s: %w", remotePath, err)
	}

	return engine.UploadResult{
		Version:    strings.Trim(aws.ToString(out.ETag), `"`),
		Size:       info.Size(),
		ModifiedAt: time.Now().UTC(),
	}, nil
}

// Delete implements engine.Remote. Deleting a directory removes every object
// below it.
func (r *Remote) Delete(ctx context.Context, remotePath string) error {
	if isRoot(remotePath) {
		return fmt.Errorf("delete %s: refusing to delete the account root", remotePath)
	}

	keys := []string{}
	if _, err := r.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(remotePath)),
	}); err == nil {
		keys = append(keys, r.key(remotePath))
	} else if !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", remotePath, err)
	}

	paginator := s3.NewListObjectsV2Paginator(r.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.dirPrefix(remotePath)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", remotePath, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	if len(keys) == 0 {
		return fmt.Errorf("%w: %s", engine.ErrNotFound, remotePath)
	}

	for len(keys) > 0 {
		n := min(len(keys), 1000)
		batch := make([]types.ObjectIdentifier, 0, n)
		for _, k := range keys[:n] {
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(k)})
		}
		keys = keys[n:]

		out, err := r.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(r.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", remotePath, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("delete %s: %s: %s", remotePath, aws.ToString(e.Key), aws.ToString(e.Message))
		}
	}
	return nil
}

// CreateDirectory implements engine.Remote by writing a directory marker.
func (r *Remote) CreateDirectory(ctx context.Context, remotePath string) error {
	_, err := r.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(r.dirPrefix(remotePath)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", remotePath, err)
	}
	return nil
}

func objectEntry(name string, etag *string, size int64, modified *time.Time) engine.Entry {
	mod := aws.ToTime(modified)
	return engine.Entry{
		Name:       name,
		Size:       size,
		Version:    strings.Trim(aws.ToString(etag), `"`),
		CreatedAt:  mod,
		ModifiedAt: mod,
	}
}

// fileBody is a seekable upload body that reports progress. The SDK may
// read the body to compute a checksum and seek back; progress follows the
// read position.
type fileBody struct {
	f        *os.File
	progress *engine.Progress
	pos      int64
}

func (b *fileBody) Read(p []byte) (int, error) {
	if b.progress.Cancelled() {
		return 0, engine.ErrCancelled
	}
	n, err := b.f.Read(p)
	b.pos += int64(n)
	b.progress.Add(int64(n))
	return n, err
}

func (b *fileBody) Seek(offset int64, whence int) (int64, error) {
	pos, err := b.f.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	b.progress.Add(pos - b.pos)
	b.pos = pos
	return pos, nil
}
