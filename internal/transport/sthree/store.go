// Package sthree implements transport.Transport on an S3 bucket with
// versioning enabled.
//
// The current version of an object is found with ListObjectVersions, which also
// reveals delete markers. Conditional writes compare that version with the
// expected one before the PutObject; two writers racing between the compare
// and the put can both succeed, the later one winning. Buckets without
// versioning fall back to ETags as version ids.
package sthree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/javanhut/settingsync/internal/transport"
)

const (
	listPageSize   = 100
	nullVersion    = "null"
	maxObjectBytes = 256 << 20
)

type Option func(*s3FS)

func Bucket(bucket string) Option {
	return func(fs *s3FS) {
		fs.bucket = bucket
	}
}

// Prefix places every object under prefix.
func Prefix(prefix string) Option {
	return func(fs *s3FS) {
		fs.prefix = prefix
	}
}

func AWSConfig(cfg *aws.Config) Option {
	return func(fs *s3FS) {
		fs.awsConfig = cfg
	}
}

// Client uses an existing S3 client instead of creating a session.
func Client(client s3iface.S3API) Option {
	return func(fs *s3FS) {
		fs.s3 = client
	}
}

func New(option Option, options ...Option) (transport.Transport, error) {
	fs := new(s3FS)
	option(fs)
	for _, apply := range options {
		apply(fs)
	}
	if fs.bucket == "" {
		return nil, errors.New("s3 transport requires a bucket")
	}
	if fs.s3 == nil {
		sess, err := session.NewSession(fs.awsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		fs.s3 = s3.New(sess)
	}
	return fs, nil
}

type s3FS struct {
	bucket    string
	prefix    string
	awsConfig *aws.Config
	s3        s3iface.S3API
}

func (s *s3FS) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *s3FS) LatestVersionID(ctx context.Context, name string) (string, error) {
	key := s.key(name)
	var (
		version string
		deleted bool
		found   bool
	)
	err := s.s3.ListObjectVersionsPagesWithContext(ctx, &s3.ListObjectVersionsInput{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int64(listPageSize),
	}, func(page *s3.ListObjectVersionsOutput, _ bool) bool {
		for _, v := range page.Versions {
			if aws.StringValue(v.Key) == key && aws.BoolValue(v.IsLatest) {
				version, found = aws.StringValue(v.VersionId), true
			}
		}
		for _, m := range page.DeleteMarkers {
			if aws.StringValue(m.Key) == key && aws.BoolValue(m.IsLatest) {
				version, deleted, found = aws.StringValue(m.VersionId), true, true
			}
		}
		return !found
	})
	if err != nil {
		return "", fmt.Errorf("failed to list versions of %s: %w", key, toSentinelErrors(err))
	}
	switch {
	case !found:
		return "", transport.ErrNotFound
	case deleted:
		return version, transport.ErrDeleted
	case version == nullVersion || version == "":
		return s.etag(ctx, key)
	}
	return version, nil
}

// etag returns the ETag of an object in a bucket without versioning.
func (s *s3FS) etag(ctx context.Context, key string) (string, error) {
	out, err := s.s3.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", toSentinelErrors(err)
	}
	return aws.StringValue(out.ETag), nil
}

func (s *s3FS) Read(ctx context.Context, name string) ([]byte, string, error) {
	key := s.key(name)
	obj, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = toSentinelErrors(err)
		if errors.Is(err, transport.ErrNotFound) {
			// tell a delete marker apart from an object that never existed
			if _, latestErr := s.LatestVersionID(ctx, name); errors.Is(latestErr, transport.ErrDeleted) {
				return nil, "", latestErr
			}
		}
		return nil, "", err
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(io.LimitReader(obj.Body, maxObjectBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, versionOf(obj.VersionId, obj.ETag), nil
}

func (s *s3FS) WriteConditional(ctx context.Context, name string, data []byte, expected string) (string, error) {
	current, err := s.LatestVersionID(ctx, name)
	switch {
	case expected == "" && transport.IsMissing(err):
	case err != nil && !transport.IsMissing(err):
		return "", err
	case err == nil && current == expected:
	default:
		return "", fmt.Errorf("%w: %s is at %q, expected %q", transport.ErrConflict, name, current, expected)
	}
	return s.Write(ctx, name, data)
}

func (s *s3FS) Write(ctx context.Context, name string, data []byte) (string, error) {
	out, err := s.s3.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(name)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", name, toSentinelErrors(err))
	}
	return versionOf(out.VersionId, out.ETag), nil
}

func (s *s3FS) Delete(ctx context.Context, name string) error {
	if _, err := s.LatestVersionID(ctx, name); err != nil {
		return err
	}
	_, err := s.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, toSentinelErrors(err))
	}
	return nil
}

func (s *s3FS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.LatestVersionID(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case transport.IsMissing(err):
		return false, nil
	default:
		return false, err
	}
}

func versionOf(versionID, etag *string) string {
	if v := aws.StringValue(versionID); v != "" && v != nullVersion {
		return v
	}
	return aws.StringValue(etag)
}
