// Package storage keeps scan pose photos in object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"golang.org/x/crypto/blake2b"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/models"
)

var ErrUnsupportedType = errors.New("unsupported image type")

type PhotoStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	PresignGet(key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, keys []string) error
}

var allowedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

func ValidateContentType(contentType string) error {
	if !allowedTypes[contentType] {
		return fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
	return nil
}

// PoseKey is the object key of one pose photo. Keys are stable per pose so a re-upload
// overwrites the previous object.
func PoseKey(uid, scanID string, pose models.Pose) string {
	return fmt.Sprintf("scans/%s/%s/%s", uid, scanID, pose)
}

// Digest is the hex blake2b-256 of data, used to spot identical re-uploads.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func NewSession(cfg config.AWSConfig) (*session.Session, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

type S3Store struct {
	Uploader s3manageriface.UploaderAPI
	Client   s3iface.S3API
	Bucket   string
}

func NewS3(sess *session.Session, bucket string) *S3Store {
	return &S3Store{
		Uploader: s3manager.NewUploader(sess),
		Client:   s3.New(sess),
		Bucket:   bucket,
	}
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.Uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

// PresignGet returns a time-limited download URL the vision provider can fetch.
func (s *S3Store) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := s.Client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return url, nil
}

// Delete removes keys in batches of at most 1000, the S3 DeleteObjects limit.
func (s *S3Store) Delete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))

		objects := make([]*s3.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, &s3.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.Client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("failed to delete %d objects, first %s: %s",
				len(out.Errors), aws.StringValue(first.Key), aws.StringValue(first.Message))
		}
	}
	return nil
}
