// Package aws stores instance records in Amazon S3 through aws-sdk-go-v2.
// It honours the usual AWS credential chain (environment, shared config,
// web identity, IMDS).
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/storage"
)

const (
	recordSuffix = ".json"
	awsOpTimeout = time.Minute
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			// S3-compatible endpoints rarely accept the flexible checksum trailers.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= awsOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) recordsPrefix() string {
	if s.cfg.Prefix == "" {
		return "records/"
	}
	return s.cfg.Prefix + "/records/"
}

func (s *Store) objectName(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("aws: invalid identity %q", id)
	}
	return path.Join(s.recordsPrefix(), id+recordSuffix), nil
}

// LoadRecord downloads the record object for id and returns its ETag.
func (s *Store) LoadRecord(ctx context.Context, id string) (storage.LoadResult, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := s.objectName(id)
	if err != nil {
		return storage.LoadResult{}, err
	}
	logger.Trace("aws.load_record.begin", "instance", id, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.load_record.get_error", "instance", id, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "aws: get record")
	}
	defer resp.Body.Close()
	rec, err := storage.DecodeRecord(resp.Body)
	if err != nil {
		logger.Debug("aws.load_record.decode_error", "instance", id, "object", object, "error", err)
		return storage.LoadResult{}, err
	}
	return storage.LoadResult{Record: rec, ETag: stripETag(aws.ToString(resp.ETag))}, nil
}

// StoreRecord uploads rec for id using IfMatch or IfNoneMatch.
func (s *Store) StoreRecord(ctx context.Context, id string, rec *storage.Record, expectedETag string) (string, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object, err := s.objectName(id)
	if err != nil {
		return "", err
	}
	payload, err := storage.EncodeRecord(rec)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(storage.ContentTypeJSON),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) || (expectedETag != "" && isNotFound(err)) {
			logger.Debug("aws.store_record.cas_mismatch", "instance", id, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		logger.Debug("aws.store_record.put_error", "instance", id, "object", object, "error", err)
		return "", s.wrapError(err, "aws: put record")
	}
	etag := stripETag(aws.ToString(out.ETag))
	if etag == "" {
		stat, statErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
		if statErr == nil {
			etag = stripETag(aws.ToString(stat.ETag))
		}
	}
	logger.Trace("aws.store_record.success", "instance", id, "etag", etag, "elapsed", time.Since(start))
	return etag, nil
}

// DeleteRecord removes the record object, comparing ETags when expectedETag
// is supplied.
func (s *Store) DeleteRecord(ctx context.Context, id string, expectedETag string) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object, err := s.objectName(id)
	if err != nil {
		return err
	}
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "aws: stat record")
	}
	if expectedETag != "" && stripETag(aws.ToString(stat.ETag)) != expectedETag {
		logger.Debug("aws.delete_record.cas_mismatch", "instance", id, "expected_etag", expectedETag)
		return storage.ErrCASMismatch
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}); err != nil {
		logger.Debug("aws.delete_record.remove_error", "instance", id, "object", object, "error", err)
		return s.wrapError(err, "aws: remove record")
	}
	return nil
}

// ListRecords pages through the record objects under the configured prefix.
func (s *Store) ListRecords(ctx context.Context) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	prefix := s.recordsPrefix()
	var ids []string
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			s.logger(ctx).Debug("aws.list_records.error", "error", err)
			return nil, s.wrapError(err, "aws: list records")
		}
		for _, object := range resp.Contents {
			rel := strings.TrimPrefix(aws.ToString(object.Key), prefix)
			if rel == "" || strings.Contains(rel, "/") || !strings.HasSuffix(rel, recordSuffix) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(rel, recordSuffix))
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	sort.Strings(ids)
	return ids, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed
	}
	return false
}
