// Implements a 9p file system that talks to Amazon's S3 Object Storage
// Service.
//
// Also supports any S3-compatible service as well. The root lists buckets,
// each bucket is a directory, and keys are files; "/" in a key separates
// directories.
package s3fs

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jeffh/vfspreload/ninep"
)

// API is the subset of *s3.Client the file system uses.
type API interface {
	s3.ListObjectsV2APIClient
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Objects opened for writing are buffered in memory up to this size.
const DefaultMaxWriteBuffer = 64 << 20

type s3Fs struct {
	client         API
	maxWriteBuffer int64
}

var _ ninep.FileSystem = (*s3Fs)(nil)

// Reasonable default configuration of NewFs(), an empty string of endpoint
// defaults to AWS' S3 service
func NewBasicFs(ctx context.Context, endpoint string) (ninep.FileSystem, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewFs(client), nil
}

func NewFs(client API) ninep.FileSystem {
	return &s3Fs{client: client, maxWriteBuffer: DefaultMaxWriteBuffer}
}

// Splits a cleaned path into bucket and key. The key never has a leading slash.
func splitBucketKey(p string) (bucket, key string) {
	bucket, key, _ = strings.Cut(p, "/")
	return bucket, key
}

func dirInfo(name string, modTime time.Time) os.FileInfo {
	return &ninep.SimpleFileInfo{FIName: name, FIMode: os.ModeDir | 0755, FIModTime: modTime}
}

func fileInfo(name string, size int64, modTime time.Time) os.FileInfo {
	return &ninep.SimpleFileInfo{FIName: name, FIMode: 0644, FISize: size, FIModTime: modTime}
}

func (f *s3Fs) Stat(ctx context.Context, p string) (os.FileInfo, error) {
	bucket, key := splitBucketKey(p)
	if bucket == "" {
		return dirInfo("", time.Time{}), nil
	}
	if key == "" {
		if _, err := f.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
			return nil, mapAwsErrToNinep(err)
		}
		return dirInfo(bucket, time.Time{}), nil
	}

	head, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return fileInfo(path.Base(key), aws.ToInt64(head.ContentLength), aws.ToTime(head.LastModified)), nil
	}
	if !isNotFound(err) {
		return nil, mapAwsErrToNinep(err)
	}

	// no object, but keys under it make it a directory
	out, err := f.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		Prefix:  aws.String(key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return nil, mapAwsErrToNinep(err)
	}
	if aws.ToInt32(out.KeyCount) == 0 && len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return nil, &os.PathError{Op: "stat", Path: p, Err: os.ErrNotExist}
	}
	return dirInfo(path.Base(key), time.Time{}), nil
}

func (f *s3Fs) ListDir(ctx context.Context, p string) ([]os.FileInfo, error) {
	bucket, key := splitBucketKey(p)
	if bucket == "" {
		out, err := f.client.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return nil, mapAwsErrToNinep(err)
		}
		infos := make([]os.FileInfo, 0, len(out.Buckets))
		for _, b := range out.Buckets {
			infos = append(infos, dirInfo(aws.ToString(b.Name), aws.ToTime(b.CreationDate)))
		}
		return infos, nil
	}

	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	var infos []os.FileInfo
	pages := s3.NewListObjectsV2Paginator(f.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, mapAwsErrToNinep(err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				infos = append(infos, dirInfo(name, time.Time{}))
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			// console-created folder markers
			if name == "" || strings.HasSuffix(name, "/") {
				continue
			}
			infos = append(infos, fileInfo(name, aws.ToInt64(obj.Size), aws.ToTime(obj.LastModified)))
		}
	}
	return infos, nil
}

func (f *s3Fs) OpenFile(ctx context.Context, p string, flag ninep.OpenMode) (ninep.FileHandle, error) {
	bucket, key := splitBucketKey(p)
	if bucket == "" || key == "" {
		return nil, ErrBucketsAreDirectories
	}
	info, err := f.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", os.ErrInvalid, p)
	}

	h := &objectHandle{
		client: f.client,
		bucket: bucket,
		key:    key,
		flag:   flag,
		max:    f.maxWriteBuffer,
	}
	if flag.IsWriteable() && flag&ninep.OTRUNC == 0 {
		// partial writes rewrite the whole object, so start from its contents
		if info.Size() > f.maxWriteBuffer {
			return nil, ErrObjectTooLarge
		}
		if err := h.load(ctx); err != nil {
			return nil, err
		}
	} else if flag&ninep.OTRUNC != 0 {
		h.buf = []byte{}
		h.dirty = true
	}
	return h, nil
}
