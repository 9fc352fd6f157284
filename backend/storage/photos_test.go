package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravigill3969/fitscan/backend/config"
	"github.com/ravigill3969/fitscan/backend/models"
)

type fakeUploader struct {
	s3manageriface.UploaderAPI
	inputs []*s3manager.UploadInput
	bodies []string
	err    error
}

func (f *fakeUploader) UploadWithContext(_ aws.Context, in *s3manager.UploadInput, _ ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, string(body))
	return &s3manager.UploadOutput{}, nil
}

type fakeS3 struct {
	s3iface.S3API
	batches [][]string
	failKey string
}

func (f *fakeS3) DeleteObjectsWithContext(_ aws.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	var keys []string
	out := &s3.DeleteObjectsOutput{}
	for _, o := range in.Delete.Objects {
		k := aws.StringValue(o.Key)
		keys = append(keys, k)
		if k == f.failKey {
			out.Errors = append(out.Errors, &s3.Error{Key: o.Key, Message: aws.String("AccessDenied")})
		}
	}
	f.batches = append(f.batches, keys)
	return out, nil
}

func TestPoseKeyAndDigest(t *testing.T) {
	assert.Equal(t, "scans/u1/s1/front", PoseKey("u1", "s1", models.PoseFront))

	a := Digest([]byte("photo"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Digest([]byte("photo")))
	assert.NotEqual(t, a, Digest([]byte("photo2")))
}

func TestValidateContentType(t *testing.T) {
	assert.NoError(t, ValidateContentType("image/jpeg"))
	assert.NoError(t, ValidateContentType("image/heic"))
	assert.ErrorIs(t, ValidateContentType("application/pdf"), ErrUnsupportedType)
	assert.ErrorIs(t, ValidateContentType(""), ErrUnsupportedType)
}

func TestS3Put(t *testing.T) {
	up := &fakeUploader{}
	st := &S3Store{Uploader: up, Bucket: "bucket"}

	require.NoError(t, st.Put(context.Background(), "scans/u1/s1/front", "image/jpeg", []byte("data")))
	require.Len(t, up.inputs, 1)
	assert.Equal(t, "bucket", aws.StringValue(up.inputs[0].Bucket))
	assert.Equal(t, "scans/u1/s1/front", aws.StringValue(up.inputs[0].Key))
	assert.Equal(t, "image/jpeg", aws.StringValue(up.inputs[0].ContentType))
	assert.Equal(t, "data", up.bodies[0])

	up.err = errors.New("throttled")
	assert.ErrorContains(t, st.Put(context.Background(), "k", "image/jpeg", nil), "throttled")
}

func TestS3DeleteBatches(t *testing.T) {
	client := &fakeS3{}
	st := &S3Store{Client: client, Bucket: "bucket"}

	keys := make([]string, 1500)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	require.NoError(t, st.Delete(context.Background(), keys))
	require.Len(t, client.batches, 2)
	assert.Len(t, client.batches[0], 1000)
	assert.Len(t, client.batches[1], 500)

	client.failKey = "k3"
	err := st.Delete(context.Background(), keys[:10])
	assert.ErrorContains(t, err, "k3")
}

func TestS3PresignGetIsOffline(t *testing.T) {
	sess, err := NewSession(config.AWSConfig{Region: "us-east-1", AccessKey: "AKIDEXAMPLE", SecretKey: "secret"})
	require.NoError(t, err)
	st := NewS3(sess, "fitscan-test")

	url, err := st.PresignGet("scans/u1/s1/front", 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "fitscan-test"))
	assert.True(t, strings.Contains(url, "scans/u1/s1/front"))
	assert.True(t, strings.Contains(url, "X-Amz-Signature="))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory("http://localhost/objects")
	ctx := context.Background()

	_, err := m.PresignGet("missing", time.Minute)
	assert.Error(t, err)

	require.NoError(t, m.Put(ctx, "a", "image/png", []byte("x")))
	obj, ok := m.Get("a")
	require.True(t, ok)
	assert.Equal(t, "image/png", obj.ContentType)

	url, err := m.PresignGet("a", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost/objects/a?expires="))

	require.NoError(t, m.Delete(ctx, []string{"a", "b"}))
	assert.Equal(t, 0, m.Len())
}
