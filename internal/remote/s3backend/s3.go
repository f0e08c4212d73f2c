// Package s3backend maps a remote folder onto an S3 bucket prefix. Keys
// ending in "/" are folder markers; folders implied by deeper keys are
// reported even without a marker. S3 has no stable object identity, so
// renames are never detected remotely and Move is copy plus delete.
package s3backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	syncerr "github.com/alexjbarnes/treesync/internal/errors"
	"github.com/alexjbarnes/treesync/internal/localfs"
	"github.com/alexjbarnes/treesync/internal/models"
	"github.com/alexjbarnes/treesync/internal/remote"
	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// metaFingerprint is the user metadata key holding the content hash.
const metaFingerprint = "fingerprint"

const defaultPageSize = 1000

// Config holds S3 connection settings for one root.
type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// objectAPI is the subset of the S3 client the backend uses.
type objectAPI interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend implements remote.API on S3.
type Backend struct {
	client   objectAPI
	bucket   string
	prefix   string
	pageSize int32
}

var _ remote.API = (*Backend)(nil)

// New creates a backend from cfg. Without static keys the default AWS
// credential chain is used. A custom endpoint switches to path-style
// addressing for S3-compatible stores.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, syncerr.Config(fmt.Errorf("loading aws config: %w", err))
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newBackend(client, cfg.Bucket, cfg.Prefix), nil
}

func newBackend(client objectAPI, bucket, prefix string) *Backend {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &Backend{client: client, bucket: bucket, prefix: prefix, pageSize: defaultPageSize}
}

func (b *Backend) fileKey(path string) string {
	return b.prefix + path
}

func (b *Backend) folderKey(path string) string {
	return b.prefix + path + "/"
}

// ListPage implements remote.API. The cursor is the S3 continuation
// token.
func (b *Backend) ListPage(ctx context.Context, cursor string) (remote.Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.prefix),
		MaxKeys: aws.Int32(b.pageSize),
	}
	if cursor != "" {
		in.ContinuationToken = aws.String(cursor)
	}

	out, err := b.client.ListObjectsV2(ctx, in)
	if err != nil {
		return remote.Page{}, classify("list", b.prefix, err, true)
	}

	page := remote.Page{}
	seen := make(map[string]bool)

	addFolder := func(p string, obj *types.Object) {
		if p == "" || seen[p] {
			return
		}

		seen[p] = true

		e := models.RemoteEntry{Path: p, Folder: true}
		if obj != nil {
			e.ETag = aws.ToString(obj.ETag)
			if obj.LastModified != nil {
				e.MTime = obj.LastModified.UnixMilli()
			}
		}

		page.Entries = append(page.Entries, e)
	}

	for i := range out.Contents {
		obj := &out.Contents[i]

		rel := strings.TrimPrefix(aws.ToString(obj.Key), b.prefix)
		if rel == "" {
			continue
		}

		isFolder := strings.HasSuffix(rel, "/")
		rel = localfs.NormalizePath(rel)

		for parent := models.Parent(rel); parent != ""; parent = models.Parent(parent) {
			addFolder(parent, nil)
		}

		if isFolder {
			addFolder(rel, obj)
			continue
		}

		e := models.RemoteEntry{
			Path: rel,
			ETag: aws.ToString(obj.ETag),
			Size: aws.ToInt64(obj.Size),
		}
		if obj.LastModified != nil {
			e.MTime = obj.LastModified.UnixMilli()
		}

		page.Entries = append(page.Entries, e)
	}

	if aws.ToBool(out.IsTruncated) {
		page.Next = aws.ToString(out.NextContinuationToken)
	}

	return page, nil
}

// Get implements remote.API.
func (b *Backend) Get(ctx context.Context, path string, w io.Writer) (models.RemoteEntry, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fileKey(path)),
	})
	if err != nil {
		return models.RemoteEntry{}, classify("get", path, err, false)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		if ctx.Err() != nil {
			return models.RemoteEntry{}, ctx.Err()
		}

		return models.RemoteEntry{}, syncerr.Op("get", path, syncerr.Retryable(fmt.Errorf("reading object: %w", err)))
	}

	e := models.RemoteEntry{
		Path:        path,
		ETag:        aws.ToString(out.ETag),
		Size:        n,
		Fingerprint: out.Metadata[metaFingerprint],
	}
	if out.LastModified != nil {
		e.MTime = out.LastModified.UnixMilli()
	}

	return e, nil
}

// Put implements remote.API. The content hash is computed while
// streaming and stored as object metadata when the reader is seekable.
func (b *Backend) Put(ctx context.Context, path string, r io.Reader, size int64, pre remote.Precondition) (models.RemoteEntry, error) {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fileKey(path)),
		Body:          r,
		ContentLength: aws.Int64(size),
	}

	if pre.ETag != "" {
		in.IfMatch = aws.String(pre.ETag)
	}

	if pre.MustNotExist {
		in.IfNoneMatch = aws.String("*")
	}

	if rs, ok := r.(io.ReadSeeker); ok {
		fp, _, err := localfs.FingerprintReader(rs)
		if err != nil {
			return models.RemoteEntry{}, syncerr.Op("put", path, err)
		}

		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return models.RemoteEntry{}, syncerr.Op("put", path, err)
		}

		in.Metadata = map[string]string{metaFingerprint: fp}
	}

	out, err := b.client.PutObject(ctx, in)
	if err != nil {
		return models.RemoteEntry{}, classify("put", path, err, false)
	}

	e := models.RemoteEntry{
		Path: path,
		ETag: aws.ToString(out.ETag),
		Size: size,
	}
	if in.Metadata != nil {
		e.Fingerprint = in.Metadata[metaFingerprint]
	}

	return e, nil
}

// Mkdir implements remote.API by writing a folder marker.
func (b *Backend) Mkdir(ctx context.Context, path string) (models.RemoteEntry, error) {
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.folderKey(path)),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return models.RemoteEntry{}, classify("mkdir", path, err, false)
	}

	return models.RemoteEntry{Path: path, Folder: true, ETag: aws.ToString(out.ETag)}, nil
}

// Delete implements remote.API. Folders are deleted only when nothing
// but their marker remains below them.
func (b *Backend) Delete(ctx context.Context, path string, pre remote.Precondition) error {
	folder, err := b.isFolder(ctx, path)
	if err != nil {
		return err
	}

	key := b.fileKey(path)

	if folder {
		empty, err := b.folderEmpty(ctx, path)
		if err != nil {
			return err
		}

		if !empty {
			return syncerr.Op("delete", path, fmt.Errorf("folder not empty: %w", remote.ErrPrecondition))
		}

		key = b.folderKey(path)
	}

	in := &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if pre.ETag != "" && !folder {
		in.IfMatch = aws.String(pre.ETag)
	}

	if _, err := b.client.DeleteObject(ctx, in); err != nil {
		return classify("delete", path, err, false)
	}

	return nil
}

// Move implements remote.API as copy plus delete. Folders are moved key
// by key.
func (b *Backend) Move(ctx context.Context, from, to string) (models.RemoteEntry, error) {
	folder, err := b.isFolder(ctx, from)
	if err != nil {
		return models.RemoteEntry{}, err
	}

	if !folder {
		if exists, err := b.exists(ctx, b.fileKey(to)); err != nil {
			return models.RemoteEntry{}, err
		} else if exists {
			return models.RemoteEntry{}, syncerr.Op("move", to, remote.ErrPrecondition)
		}

		etag, err := b.moveKey(ctx, b.fileKey(from), b.fileKey(to))
		if err != nil {
			return models.RemoteEntry{}, classify("move", from, err, false)
		}

		return models.RemoteEntry{Path: to, ETag: etag}, nil
	}

	keys, err := b.keysUnder(ctx, b.folderKey(from))
	if err != nil {
		return models.RemoteEntry{}, err
	}

	for _, key := range keys {
		dst := b.folderKey(to) + strings.TrimPrefix(key, b.folderKey(from))
		if _, err := b.moveKey(ctx, key, dst); err != nil {
			return models.RemoteEntry{}, classify("move", from, err, false)
		}
	}

	return models.RemoteEntry{Path: to, Folder: true}, nil
}

func (b *Backend) moveKey(ctx context.Context, src, dst string) (string, error) {
	out, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(b.bucket + "/" + url.PathEscape(src)),
	})
	if err != nil {
		return "", err
	}

	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(src),
	}); err != nil {
		return "", err
	}

	if out.CopyObjectResult != nil {
		return aws.ToString(out.CopyObjectResult.ETag), nil
	}

	return "", nil
}

// isFolder reports whether path names a folder: a marker or any key
// below it. A missing path is ErrRemoteNotFound.
func (b *Backend) isFolder(ctx context.Context, path string) (bool, error) {
	exists, err := b.exists(ctx, b.fileKey(path))
	if err != nil {
		return false, err
	}

	if exists {
		return false, nil
	}

	keys, err := b.list(ctx, b.folderKey(path), 1)
	if err != nil {
		return false, err
	}

	if len(keys) == 0 {
		return false, syncerr.Op("stat", path, remote.ErrNotFound)
	}

	return true, nil
}

func (b *Backend) folderEmpty(ctx context.Context, path string) (bool, error) {
	keys, err := b.list(ctx, b.folderKey(path), 2)
	if err != nil {
		return false, err
	}

	for _, k := range keys {
		if k != b.folderKey(path) {
			return false, nil
		}
	}

	return true, nil
}

func (b *Backend) exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	classified := classify("head", key, err, false)
	if errors.Is(classified, remote.ErrNotFound) {
		return false, nil
	}

	return false, classified
}

func (b *Backend) list(ctx context.Context, prefix string, limit int32) ([]string, error) {
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(limit),
	})
	if err != nil {
		return nil, classify("list", prefix, err, false)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}

	return keys, nil
}

func (b *Backend) keysUnder(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list", prefix, err, false)
		}

		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

// classify maps an S3 error to the sync error kinds. listing marks the
// root listing, where a missing bucket means the folder is gone.
func classify(op, path string, err error, listing bool) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		noKey    *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
	)

	switch {
	case errors.As(err, &noBucket):
		return syncerr.Op(op, path, syncerr.Fatal(fmt.Errorf("%w: %w", err, syncerr.ErrRemoteFolderGone)))
	case errors.As(err, &noKey), errors.As(err, &notFound):
		return syncerr.Op(op, path, fmt.Errorf("%w: %w", err, remote.ErrNotFound))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return syncerr.Op(op, path, syncerr.Fatal(fmt.Errorf("%w: %w", err, syncerr.ErrAuth)))
		case "PreconditionFailed", "ConditionalRequestConflict":
			return syncerr.Op(op, path, fmt.Errorf("%w: %w", err, remote.ErrPrecondition))
		case "SlowDown", "Throttling", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return syncerr.Op(op, path, syncerr.Retryable(err))
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound && listing:
			return syncerr.Op(op, path, syncerr.Fatal(fmt.Errorf("%w: %w", err, syncerr.ErrRemoteFolderGone)))
		case status == http.StatusNotFound:
			return syncerr.Op(op, path, fmt.Errorf("%w: %w", err, remote.ErrNotFound))
		case status == http.StatusPreconditionFailed || status == http.StatusConflict:
			return syncerr.Op(op, path, fmt.Errorf("%w: %w", err, remote.ErrPrecondition))
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return syncerr.Op(op, path, syncerr.Fatal(fmt.Errorf("%w: %w", err, syncerr.ErrAuth)))
		case status == http.StatusTooManyRequests || status >= 500:
			return syncerr.Op(op, path, syncerr.Retryable(err))
		default:
			return syncerr.Op(op, path, err)
		}
	}

	// No HTTP response at all: connection-level failure.
	return syncerr.Op(op, path, syncerr.Retryable(err))
}
