package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const minPartSize = 5 * 1024 * 1024

type ObjectStorage interface {
	Upload(ctx context.Context, localPath string, remoteKey string) (string, error)
	Download(ctx context.Context, remoteKey string, localPath string) error
	Delete(ctx context.Context, remoteKey string) error
	GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Preflight fails with a permanent error when the bucket cannot be used
	// with the configured credentials.
	Preflight(ctx context.Context) error
	KeyFor(assetID string, localPath string) string
}

type S3ObjectStorage struct {
	client             *s3.Client
	bucketName         string
	prefix             string
	cdnBaseURL         string
	multipartThreshold int64 // files at or above this size use multipart upload

	logger logging.Logger
}

type S3Options struct {
	Prefix             string
	CDNBaseURL         string
	MultipartThreshold int64
}

func NewS3ObjectStorage(client *s3.Client, bucketName string, opts S3Options, l logging.Logger) *S3ObjectStorage {
	threshold := opts.MultipartThreshold
	if threshold < minPartSize {
		threshold = minPartSize
	}
	return &S3ObjectStorage{
		client:             client,
		bucketName:         bucketName,
		prefix:             strings.Trim(opts.Prefix, "/"),
		cdnBaseURL:         strings.TrimRight(opts.CDNBaseURL, "/"),
		multipartThreshold: threshold,
		logger:             l,
	}
}

// permanentCodes are S3 error codes no retry can fix.
var permanentCodes = map[string]struct{}{
	"AccessDenied":          {},
	"AllAccessDisabled":     {},
	"Forbidden":             {},
	"InvalidAccessKeyId":    {},
	"SignatureDoesNotMatch": {},
	"ExpiredToken":          {},
	"InvalidToken":          {},
	"NoSuchBucket":          {},
	"InvalidBucketName":     {},
}

// itemCodes are failures of one object, not of the service.
var itemCodes = map[string]struct{}{
	"NoSuchKey":         {},
	"NotFound":          {},
	"EntityTooLarge":    {},
	"InvalidObjectName": {},
}

// classify tags err as permanent or transient. Object-level failures and
// local I/O errors are returned untouched: they fail the item only.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if _, ok := permanentCodes[code]; ok {
			return apperror.Permanent(err)
		}
		if _, ok := itemCodes[code]; ok {
			return err
		}
		return apperror.Transient(err)
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return err
	}
	return apperror.Transient(err)
}

func (s *S3ObjectStorage) KeyFor(assetID string, localPath string) string {
	name := path.Base(filepath.ToSlash(localPath))
	if s.prefix == "" {
		return assetID + "/" + name
	}
	return s.prefix + "/" + assetID + "/" + name
}

func (s *S3ObjectStorage) publicURL(key string) string {
	if s.cdnBaseURL != "" {
		return s.cdnBaseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucketName, s.client.Options().Region, key)
}

func (s *S3ObjectStorage) Preflight(ctx context.Context) error {
	if s.bucketName == "" {
		return apperror.Permanent(errors.New("s3 bucket is not configured"))
	}

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucketName),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		s.logger.Error("bucket preflight failed", "bucket", s.bucketName, "code", apiErr.ErrorCode())
		return apperror.Permanent(fmt.Errorf("bucket %s unusable: %w", s.bucketName, err))
	}
	return classify(err)
}

func (s *S3ObjectStorage) Upload(ctx context.Context, localPath string, remoteKey string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("localPath cannot be empty")
	}
	if remoteKey == "" {
		return "", fmt.Errorf("remoteKey cannot be empty")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}
	size := fi.Size()

	existing, err := s.objectSize(ctx, remoteKey)
	if err != nil {
		return "", classify(err)
	}
	if existing == size {
		s.logger.Info("remote object already present, skipping upload", "key", remoteKey, "size", size)
		return s.publicURL(remoteKey), nil
	}

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if size < s.multipartThreshold {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(remoteKey),
			Body:          f,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			s.logger.Error("failed to put object", "key", remoteKey, "error", err)
			return "", classify(fmt.Errorf("put object %s: %w", remoteKey, err))
		}
	} else {
		s.logger.Info("large file, using multipart upload", "key", remoteKey, "size", size)
		if err := s.abortStaleMultipartUploads(ctx, remoteKey); err != nil {
			s.logger.Warn("could not clean stale multipart uploads", "key", remoteKey, "error", err)
		}
		if err := s.multipartUpload(ctx, f, size, remoteKey, contentType); err != nil {
			return "", classify(err)
		}
	}

	s.logger.Debug("uploaded object", "key", remoteKey, "size", size)
	return s.publicURL(remoteKey), nil
}

func (s *S3ObjectStorage) multipartUpload(
	ctx context.Context,
	f *os.File,
	size int64,
	key string,
	contentType string,
) (err error) {
	createOut, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "key", key, "error", err)
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := *createOut.UploadId
	s.logger.Debug("created multipart upload", "upload_id", uploadID)

	defer func() {
		if err != nil {
			s.logger.Warn("aborting multipart upload due to error", "upload_id", uploadID, "key", key)
			if abortErr := s.abortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	partSize := int64(minPartSize)
	if size/partSize >= 10000 {
		partSize = size/9999 + 1
	}

	var completedParts []types.CompletedPart
	for offset, partNumber := int64(0), int32(1); offset < size; offset, partNumber = offset+partSize, partNumber+1 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		length := min(partSize, size-offset)
		upOut, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          io.NewSectionReader(f, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err != nil {
			s.logger.Error("failed to upload part", "part_number", partNumber, "key", key, "error", err)
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       upOut.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "upload_id", uploadID, "key", key, "error", err)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("successfully completed multipart upload", "upload_id", uploadID, "key", key, "parts", len(completedParts))
	return nil
}

func (s *S3ObjectStorage) abortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

func (s *S3ObjectStorage) abortStaleMultipartUploads(ctx context.Context, key string) error {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to list multipart uploads: %w", err)
	}

	abortedCount := 0
	for _, upload := range out.Uploads {
		if aws.ToString(upload.Key) != key {
			continue
		}
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucketName),
			Key:      upload.Key,
			UploadId: upload.UploadId,
		})
		if err != nil {
			s.logger.Error("failed to abort multipart upload", "upload_id", aws.ToString(upload.UploadId), "error", err)
			continue
		}
		abortedCount++
	}

	if abortedCount > 0 {
		s.logger.Info("aborted stale multipart uploads", "key", key, "aborted_count", abortedCount)
	}
	return nil
}

// objectSize returns the remote object's size, or -1 when it does not exist.
func (s *S3ObjectStorage) objectSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return aws.ToInt64(out.ContentLength), nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return -1, nil
	}
	return 0, fmt.Errorf("failed to check object existence: %w", err)
}

func (s *S3ObjectStorage) Download(ctx context.Context, remoteKey string, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		s.logger.Error("failed to get object", "key", remoteKey, "error", err)
		return classify(fmt.Errorf("get object %s: %w", remoteKey, err))
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", localPath, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, out.Body); err != nil {
		tmp.Close()
		return classify(fmt.Errorf("download %s: %w", remoteKey, err))
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return fmt.Errorf("move download into place: %w", err)
	}

	s.logger.Debug("downloaded object", "key", remoteKey, "path", localPath)
	return nil
}

func (s *S3ObjectStorage) Delete(ctx context.Context, remoteKey string) error {
	if remoteKey == "" {
		return fmt.Errorf("remoteKey cannot be empty")
	}

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(remoteKey),
	})
	if err != nil {
		s.logger.Error("failed to delete object", "key", remoteKey, "error", err)
		return classify(fmt.Errorf("delete object %s: %w", remoteKey, err))
	}
	return nil
}

func (s *S3ObjectStorage) GenerateDownloadUrl(ctx context.Context, key string, ttl time.Duration) (string, error) {
	presigner := s3.NewPresignClient(s.client)

	presigned, err := presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", err
	}

	return presigned.URL, nil
}
