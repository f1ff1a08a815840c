package store

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string
	denyPut bool
	denyAll bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.denyAll {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodHead:
		if r.URL.Path == "/media-bucket" {
			w.WriteHeader(http.StatusOK)
			return
		}
		obj, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(obj)))
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if f.denyPut {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`))
			return
		}
		f.puts = append(f.puts, r.URL.Path)
		f.objects[r.URL.Path] = []byte("stored")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		obj, ok := f.objects[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write(obj)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
}

func newFakeS3Storage(t *testing.T, opts S3Options) (*S3ObjectStorage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:                     "eu-west-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
	return NewS3ObjectStorage(client, "media-bucket", opts, logging.NewNopLogger()), fake
}

func writeTempFile(t *testing.T, name string, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestClassify(t *testing.T) {
	assert.True(t, apperror.IsPermanent(classify(&smithy.GenericAPIError{Code: "InvalidAccessKeyId"})))
	assert.True(t, apperror.IsPermanent(classify(&smithy.GenericAPIError{Code: "NoSuchBucket"})))

	item := classify(&smithy.GenericAPIError{Code: "NoSuchKey"})
	assert.False(t, apperror.IsPermanent(item))
	assert.NotErrorIs(t, item, apperror.ErrTransient)

	assert.ErrorIs(t, classify(&smithy.GenericAPIError{Code: "SlowDown"}), apperror.ErrTransient)
	assert.ErrorIs(t, classify(errors.New("connection reset by peer")), apperror.ErrTransient)
	assert.NotErrorIs(t, classify(&os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist}), apperror.ErrTransient)
	assert.Nil(t, classify(nil))
}

func TestKeyForAndURL(t *testing.T) {
	s, _ := newFakeS3Storage(t, S3Options{Prefix: "/media/"})
	assert.Equal(t, "media/a1/photo.jpg", s.KeyFor("a1", "/srv/uploads/2026/photo.jpg"))
	assert.Equal(t, "https://media-bucket.s3.eu-west-1.amazonaws.com/media/a1/photo.jpg", s.publicURL("media/a1/photo.jpg"))

	cdn, _ := newFakeS3Storage(t, S3Options{CDNBaseURL: "https://cdn.example.com/"})
	assert.Equal(t, "a1/photo.jpg", cdn.KeyFor("a1", "photo.jpg"))
	assert.Equal(t, "https://cdn.example.com/a1/photo.jpg", cdn.publicURL("a1/photo.jpg"))
}

func TestUpload_PutsSmallFile(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3Storage(t, S3Options{Prefix: "media", CDNBaseURL: "https://cdn.example.com"})
	local := writeTempFile(t, "photo.jpg", "jpeg-bytes")

	url, err := s.Upload(ctx, local, "media/a1/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/a1/photo.jpg", url)
	assert.Equal(t, []string{"/media-bucket/media/a1/photo.jpg"}, fake.puts)
}

func TestUpload_SkipsWhenSameSizeExists(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3Storage(t, S3Options{})
	local := writeTempFile(t, "photo.jpg", "stored")
	fake.objects["/media-bucket/a1/photo.jpg"] = []byte("stored")

	_, err := s.Upload(ctx, local, "a1/photo.jpg")
	require.NoError(t, err)
	assert.Empty(t, fake.puts)
}

func TestUpload_AccessDeniedIsPermanent(t *testing.T) {
	s, fake := newFakeS3Storage(t, S3Options{})
	fake.denyPut = true
	local := writeTempFile(t, "photo.jpg", "jpeg-bytes")

	_, err := s.Upload(context.Background(), local, "a1/photo.jpg")
	require.Error(t, err)
	assert.True(t, apperror.IsPermanent(err))
}

func TestUpload_MissingLocalFileFailsItem(t *testing.T) {
	s, _ := newFakeS3Storage(t, S3Options{})
	_, err := s.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), "a1/gone.jpg")
	require.Error(t, err)
	assert.False(t, apperror.IsPermanent(err))
	assert.NotErrorIs(t, err, apperror.ErrTransient)
}

func TestDownloadAndDelete(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3Storage(t, S3Options{})
	fake.objects["/media-bucket/a1/photo.jpg"] = []byte("remote-bytes")

	dest := filepath.Join(t.TempDir(), "restored", "photo.jpg")
	require.NoError(t, s.Download(ctx, "a1/photo.jpg", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "remote-bytes", string(got))

	require.NoError(t, s.Delete(ctx, "a1/photo.jpg"))
	_, ok := fake.objects["/media-bucket/a1/photo.jpg"]
	assert.False(t, ok)

	err = s.Download(ctx, "a1/photo.jpg", dest)
	require.Error(t, err)
	assert.False(t, apperror.IsPermanent(err))
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()
	s, fake := newFakeS3Storage(t, S3Options{})
	require.NoError(t, s.Preflight(ctx))

	fake.denyAll = true
	err := s.Preflight(ctx)
	require.Error(t, err)
	assert.True(t, apperror.IsPermanent(err))

	unset := NewS3ObjectStorage(s.client, "", S3Options{}, logging.NewNopLogger())
	assert.True(t, apperror.IsPermanent(unset.Preflight(ctx)))
}
