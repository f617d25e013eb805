// Package azure stores instance records as block blobs in an Azure Storage
// container. Conditional writes map the CAS contract onto If-Match and
// If-None-Match access conditions.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"pkt.systems/pslog"

	"pkt.systems/tenantd/internal/storage"
)

const recordSuffix = ".json"

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New constructs a Store and creates the container when missing.
func New(cfg Config) (*Store, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func validate(cfg Config) error {
	if cfg.Account == "" {
		return fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return fmt.Errorf("azure: account key or SAS token required")
	}
	return nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 64
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "azure")
}

func (s *Store) recordsPrefix() string {
	if s.prefix == "" {
		return "records/"
	}
	return s.prefix + "/records/"
}

func (s *Store) blobName(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("azure: invalid identity %q", id)
	}
	return path.Join(s.recordsPrefix(), id+recordSuffix), nil
}

// LoadRecord downloads the record blob for id.
func (s *Store) LoadRecord(ctx context.Context, id string) (storage.LoadResult, error) {
	name, err := s.blobName(id)
	if err != nil {
		return storage.LoadResult{}, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		s.logger(ctx).Debug("azure.load_record.error", "instance", id, "blob", name, "error", err)
		return storage.LoadResult{}, wrapError(err, "azure: download record")
	}
	defer resp.Body.Close()
	rec, err := storage.DecodeRecord(resp.Body)
	if err != nil {
		return storage.LoadResult{}, err
	}
	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return storage.LoadResult{Record: rec, ETag: etag}, nil
}

// StoreRecord uploads rec for id under the requested access condition.
func (s *Store) StoreRecord(ctx context.Context, id string, rec *storage.Record, expectedETag string) (string, error) {
	name, err := s.blobName(id)
	if err != nil {
		return "", err
	}
	payload, err := storage.EncodeRecord(rec)
	if err != nil {
		return "", err
	}
	conditions := &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)}
	if expectedETag != "" {
		conditions = &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(expectedETag))}
	}
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr(storage.ContentTypeJSON)},
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: conditions},
	}
	resp, err := s.client.UploadStream(ctx, s.container, name, bytes.NewReader(payload), opts)
	if err != nil {
		if isPreconditionFailed(err) || (expectedETag != "" && isNotFound(err)) {
			s.logger(ctx).Debug("azure.store_record.cas_mismatch", "instance", id, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		return "", wrapError(err, "azure: upload record")
	}
	if resp.ETag == nil {
		return "", fmt.Errorf("azure: upload record: missing etag")
	}
	return string(*resp.ETag), nil
}

// DeleteRecord removes the record blob for id.
func (s *Store) DeleteRecord(ctx context.Context, id string, expectedETag string) error {
	name, err := s.blobName(id)
	if err != nil {
		return err
	}
	var opts *azblob.DeleteBlobOptions
	if expectedETag != "" {
		opts = &azblob.DeleteBlobOptions{
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(expectedETag))},
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, opts); err != nil {
		switch {
		case isNotFound(err):
			return storage.ErrNotFound
		case isPreconditionFailed(err):
			return storage.ErrCASMismatch
		}
		return wrapError(err, "azure: delete record")
	}
	return nil
}

// ListRecords pages through the record blobs under the configured prefix.
func (s *Store) ListRecords(ctx context.Context) ([]string, error) {
	prefix := s.recordsPrefix()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &prefix})
	var ids []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list records")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rel := strings.TrimPrefix(*item.Name, prefix)
			if rel == "" || strings.Contains(rel, "/") || !strings.HasSuffix(rel, recordSuffix) {
				continue
			}
			ids = append(ids, strings.TrimSuffix(rel, recordSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError,
			respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode == http.StatusRequestTimeout:
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusPreconditionFailed:
			return true
		case http.StatusConflict:
			return strings.EqualFold(respErr.ErrorCode, "BlobAlreadyExists")
		}
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}
