// Package archive stores published batches as zstd-compressed tarballs in S3.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"
)

// Archiver stores the staged tree of a batch.
type Archiver interface {
	// Archive stores dir and returns the object key.
	Archive(ctx context.Context, batch, digest, dir string) (string, error)
}

// Uploader is the subset of *manager.Uploader used by S3Archiver.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver uploads archives to keys like:
//
//	<prefix>/<batch>/<digest>.tar.zst
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
}

// NewS3Archiver creates an S3Archiver using the default AWS credential
// chain. region overrides AWS_REGION when set.
func NewS3Archiver(ctx context.Context, bucket, prefix, region string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}

	var opts []func(*awsConfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsConfig.WithRegion(region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewWithUploader(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

// NewWithUploader creates an S3Archiver around an existing uploader.
func NewWithUploader(bucket, prefix string, u Uploader) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: u}
}

// Key returns the object key for a batch archive.
func (a *S3Archiver) Key(batch, digest string) string {
	return path.Join(a.prefix, batch, digest+".tar.zst")
}

// Archive packs dir and uploads it.
func (a *S3Archiver) Archive(ctx context.Context, batch, digest, dir string) (string, error) {
	var buf bytes.Buffer
	if err := Pack(dir, &buf); err != nil {
		return "", fmt.Errorf("pack %s: %w", dir, err)
	}

	key := a.Key(batch, digest)
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(buf.Bytes()),
		ContentType:          aws.String("application/zstd"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"batch":  batch,
			"digest": digest,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

// Pack writes dir as a zstd-compressed tar stream to w. Entry names are
// slash-separated and relative to dir.
func Pack(dir string, w io.Writer) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		_ = f.Close()
		return err
	})
	if err != nil {
		_ = tw.Close()
		_ = zw.Close()
		return err
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
