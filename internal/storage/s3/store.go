// Package s3 stores instance records in an S3-compatible bucket through the
// MinIO client. Conditional writes use If-Match / If-None-Match so the CAS
// contract of storage.Backend holds across tenantd processes.
package s3

import (
	"bytes"
	"context"
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

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/storage"
)

const recordSuffix = ".json"

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds a MinIO client for cfg. Credentials default to the AWS/MinIO
// environment variables, the shared credentials file, then IAM.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
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
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

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

func (s *Store) recordsPrefix() string {
	if s.cfg.Prefix == "" {
		return "records/"
	}
	return s.cfg.Prefix + "/records/"
}

func (s *Store) objectName(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("s3: invalid identity %q", id)
	}
	return path.Join(s.recordsPrefix(), id+recordSuffix), nil
}

// LoadRecord downloads the record object for id and returns its ETag.
func (s *Store) LoadRecord(ctx context.Context, id string) (storage.LoadResult, error) {
	logger := s.logger(ctx)
	start := time.Now()
	object, err := s.objectName(id)
	if err != nil {
		return storage.LoadResult{}, err
	}
	logger.Trace("s3.load_record.begin", "instance", id, "object", object)

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.get_error", "instance", id, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: get record")
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.stat_error", "instance", id, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: stat record")
	}
	rec, err := storage.DecodeRecord(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.decode_error", "instance", id, "object", object, "error", err)
		return storage.LoadResult{}, err
	}
	etag := stripETag(info.ETag)
	logger.Trace("s3.load_record.success", "instance", id, "etag", etag, "elapsed", time.Since(start))
	return storage.LoadResult{Record: rec, ETag: etag}, nil
}

// StoreRecord uploads rec for id. expectedETag selects If-Match, an empty
// value If-None-Match: *.
func (s *Store) StoreRecord(ctx context.Context, id string, rec *storage.Record, expectedETag string) (string, error) {
	logger := s.logger(ctx)
	start := time.Now()
	object, err := s.objectName(id)
	if err != nil {
		return "", err
	}
	payload, err := storage.EncodeRecord(rec)
	if err != nil {
		return "", err
	}
	logger.Trace("s3.store_record.begin", "instance", id, "object", object, "expected_etag", expectedETag)
	options := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) || (expectedETag != "" && isNotFound(err)) {
			logger.Debug("s3.store_record.cas_mismatch", "instance", id, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		logger.Debug("s3.store_record.put_error", "instance", id, "object", object, "error", err)
		return "", s.wrapError(err, "s3: put record")
	}
	etag := stripETag(info.ETag)
	logger.Trace("s3.store_record.success", "instance", id, "etag", etag, "elapsed", time.Since(start))
	return etag, nil
}

// DeleteRecord removes the record object, comparing ETags client side when
// expectedETag is supplied.
func (s *Store) DeleteRecord(ctx context.Context, id string, expectedETag string) error {
	logger := s.logger(ctx)
	object, err := s.objectName(id)
	if err != nil {
		return err
	}
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat record")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		logger.Debug("s3.delete_record.cas_mismatch", "instance", id, "expected_etag", expectedETag, "current_etag", stripETag(info.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger.Debug("s3.delete_record.remove_error", "instance", id, "object", object, "error", err)
		return s.wrapError(err, "s3: remove record")
	}
	logger.Debug("s3.delete_record.success", "instance", id, "object", object)
	return nil
}

// ListRecords enumerates record objects under the configured prefix.
func (s *Store) ListRecords(ctx context.Context) ([]string, error) {
	prefix := s.recordsPrefix()
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	var ids []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if object.Err != nil {
			s.logger(ctx).Debug("s3.list_records.error", "error", object.Err)
			return nil, s.wrapError(object.Err, "s3: list records")
		}
		rel := strings.TrimPrefix(object.Key, prefix)
		if rel == "" || strings.Contains(rel, "/") || !strings.HasSuffix(rel, recordSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(rel, recordSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
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
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
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
